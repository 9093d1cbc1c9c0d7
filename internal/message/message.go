// Package message is the batch decoder (spec.md §4.C): it turns a raw JSON
// array envelope into typed data-messages and event-messages, classifying
// and validating each item independently so one bad item never sinks a
// whole batch.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/tsingest/bucketworker/internal/datatype"
	"github.com/tsingest/bucketworker/internal/obserr"
)

var eventTypePattern = regexp.MustCompile(`^(.+)\.event$`)

// DataMessage is one validated sample, ready for the coalescer.
type DataMessage struct {
	DataType   string
	Identifier string
	Time       int64
	Interval   int64
	Values     map[string]*float64
	Meta       map[string]any
}

// EventMessage is one validated event, ready for the coalescer.
type EventMessage struct {
	DataType   string
	EventType  string
	Start      int64
	End        int64
	Identifier string
	Affected   any
	Text       string
}

// rawItem mirrors the wire shape of one batch element (spec.md §6).
type rawItem struct {
	Type       string              `json:"type"`
	Time       *int64              `json:"time"`
	Interval   *int64              `json:"interval"`
	Values     map[string]*float64 `json:"values"`
	Meta       map[string]any      `json:"meta"`
	Start      *int64              `json:"start"`
	End        *int64              `json:"end"`
	Identifier *string             `json:"identifier"`
	Affected   any                 `json:"affected"`
	Text       *string             `json:"text"`
	EventType  *string             `json:"event_type"`
}

// IdentifierFunc resolves a measurement identifier from a data message's
// meta fields. The derivation rule lives outside this package (spec.md §6
// notes it is "externally defined"); a project wires in the rule that
// matches its data types' declared identifier fields.
type IdentifierFunc func(dataType string, meta map[string]any) (string, bool)

// Decoder validates batch envelopes against the registry.
type Decoder struct {
	registry   *datatype.Registry
	identifier IdentifierFunc
	logf       func(format string, args ...any)
	onSkip     func(reason string)
}

// New builds a Decoder. logf receives one line per skipped item; pass a
// no-op to silence it.
func New(registry *datatype.Registry, identifier IdentifierFunc, logf func(string, ...any)) *Decoder {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Decoder{registry: registry, identifier: identifier, logf: logf, onSkip: func(string) {}}
}

// SetOnSkip installs fn to be called, best-effort, once per item dropped
// during decode, tagged with a short machine-readable reason. Used to feed
// the operator metrics surface (internal/telemetry); never required for
// correctness.
func (d *Decoder) SetOnSkip(fn func(reason string)) {
	if fn == nil {
		fn = func(string) {}
	}
	d.onSkip = fn
}

// Decode parses body as a JSON array and classifies every element.
// Malformed items are logged and skipped, never fatal to the batch; a
// registry refresh failure aborts the whole batch with an obserr.Transient
// error (spec.md §4.C).
func (d *Decoder) Decode(ctx context.Context, body []byte) (data []DataMessage, events []EventMessage, err error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, nil, fmt.Errorf("decode batch: not a JSON array: %w", err)
	}

	refreshed := false
	for _, raw := range items {
		var item rawItem
		if err := json.Unmarshal(raw, &item); err != nil {
			d.logf("decode batch: item not an object: %v", err)
			d.onSkip("not_object")
			continue
		}
		if item.Type == "" {
			d.logf("decode batch: item missing type")
			d.onSkip("missing_type")
			continue
		}

		if m := eventTypePattern.FindStringSubmatch(item.Type); m != nil {
			dataType := m[1]
			dt, wasRefreshed, refreshErr := d.resolveDataType(ctx, dataType, refreshed)
			refreshed = refreshed || wasRefreshed
			if refreshErr != nil {
				return nil, nil, obserr.Transient(fmt.Errorf("decode batch: refresh registry: %w", refreshErr))
			}
			if dt == nil {
				d.logf("decode batch: unknown data type %q", dataType)
				d.onSkip("unknown_data_type")
				continue
			}

			ev, ok := d.buildEvent(dataType, item)
			if !ok {
				d.onSkip("malformed_event")
				continue
			}
			events = append(events, ev)
			continue
		}

		dt, wasRefreshed, refreshErr := d.resolveDataType(ctx, item.Type, refreshed)
		refreshed = refreshed || wasRefreshed
		if refreshErr != nil {
			return nil, nil, obserr.Transient(fmt.Errorf("decode batch: refresh registry: %w", refreshErr))
		}
		if dt == nil {
			d.logf("decode batch: unknown data type %q", item.Type)
			d.onSkip("unknown_data_type")
			continue
		}

		dm, ok := d.buildData(item.Type, item)
		if !ok {
			d.onSkip("malformed_data")
			continue
		}
		data = append(data, dm)
	}

	return data, events, nil
}

// resolveDataType looks up item's data type, refreshing the registry at
// most once per batch on a miss (spec.md §4.C).
func (d *Decoder) resolveDataType(ctx context.Context, name string, alreadyRefreshed bool) (*datatype.DataType, bool, error) {
	if dt := d.registry.Get(name); dt != nil {
		return dt, false, nil
	}
	if alreadyRefreshed {
		return nil, false, nil
	}
	if err := d.registry.Refresh(ctx); err != nil {
		return nil, true, err
	}
	return d.registry.Get(name), true, nil
}

func (d *Decoder) buildData(dataType string, item rawItem) (DataMessage, bool) {
	if item.Time == nil || item.Interval == nil {
		d.logf("decode batch: data message for %q missing time/interval", dataType)
		return DataMessage{}, false
	}

	identifier, ok := d.identifier(dataType, item.Meta)
	if !ok {
		d.logf("decode batch: data message for %q has no resolvable identifier", dataType)
		return DataMessage{}, false
	}

	return DataMessage{
		DataType:   dataType,
		Identifier: identifier,
		Time:       *item.Time,
		Interval:   *item.Interval,
		Values:     item.Values,
		Meta:       item.Meta,
	}, true
}

func (d *Decoder) buildEvent(dataType string, item rawItem) (EventMessage, bool) {
	if item.Start == nil || item.End == nil || item.Identifier == nil || item.EventType == nil {
		d.logf("decode batch: event message for %q missing required fields", dataType)
		return EventMessage{}, false
	}

	text := ""
	if item.Text != nil {
		text = *item.Text
	}

	return EventMessage{
		DataType:   dataType,
		EventType:  *item.EventType,
		Start:      *item.Start,
		End:        *item.End,
		Identifier: *item.Identifier,
		Affected:   item.Affected,
		Text:       text,
	}, true
}
