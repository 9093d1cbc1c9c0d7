// Package coalesce groups a decoded batch into the units the rest of the
// pipeline writes: one measurement sighting per (data type, identifier),
// one data bucket per (data type, identifier, start, end), and one event
// bucket per (data type, event type, start, end) (spec.md §4.D).
package coalesce

import (
	"sort"

	"github.com/tsingest/bucketworker/internal/config"
	"github.com/tsingest/bucketworker/internal/message"
	"github.com/tsingest/bucketworker/internal/model"
)

// MeasurementSighting is the coalesced view of every data-message seen for
// one (data type, identifier): the earliest start, the latest meta/interval.
type MeasurementSighting struct {
	DataType   string
	Identifier string
	Start      int64
	Interval   int64
	Meta       map[string]any
}

// Bucket is one coalesced data bucket, ready for the bucket writer.
type Bucket struct {
	DataType   string
	Identifier string
	Interval   int64
	Start      int64
	End        int64
	ValueTypes map[string]bool
	Points     []model.DataPoint
}

// EventBucket is one coalesced event bucket, ready for the event writer.
type EventBucket struct {
	DataType string
	Type     string
	Start    int64
	End      int64
	// Events is keyed by (start, identifier) so later entries in batch
	// order overwrite earlier ones, matching the event merge law
	// (spec.md §4.H, §8).
	Events map[eventKey]model.Event
}

type eventKey struct {
	start      int64
	identifier string
}

// Result is the full coalesced output of one batch.
type Result struct {
	Measurements map[string]map[string]*MeasurementSighting // data type -> identifier -> sighting
	DataBuckets  []*Bucket
	EventBuckets []*EventBucket
	ValueTypes   map[string]map[string]bool // data type -> value type -> true
}

// Coalesce groups decoded data- and event-messages per spec.md §4.D. It
// sorts data ascending by Time itself, since stability of a measurement's
// recorded start under late arrival depends on seeing the earliest sample
// first (spec.md §4.D, §5 ordering guarantee).
func Coalesce(data []message.DataMessage, events []message.EventMessage) *Result {
	sorted := make([]message.DataMessage, len(data))
	copy(sorted, data)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	res := &Result{
		Measurements: make(map[string]map[string]*MeasurementSighting),
		ValueTypes:   make(map[string]map[string]bool),
	}

	bucketIndex := make(map[string]map[int64]map[int64]*Bucket) // dataType+identifier -> start -> end -> bucket

	for _, m := range sorted {
		recordMeasurement(res, m)
		recordValueTypes(res, m)
		placeDataPoint(bucketIndex, res, m)
	}

	for _, e := range events {
		placeEvent(res, e)
	}

	return res
}

func recordMeasurement(res *Result, m message.DataMessage) {
	byID, ok := res.Measurements[m.DataType]
	if !ok {
		byID = make(map[string]*MeasurementSighting)
		res.Measurements[m.DataType] = byID
	}
	existing, ok := byID[m.Identifier]
	if !ok {
		byID[m.Identifier] = &MeasurementSighting{
			DataType:   m.DataType,
			Identifier: m.Identifier,
			Start:      m.Time,
			Interval:   m.Interval,
			Meta:       m.Meta,
		}
		return
	}
	if m.Time < existing.Start {
		existing.Start = m.Time
	}
	existing.Interval = m.Interval
	existing.Meta = m.Meta
}

func recordValueTypes(res *Result, m message.DataMessage) {
	byType, ok := res.ValueTypes[m.DataType]
	if !ok {
		byType = make(map[string]bool)
		res.ValueTypes[m.DataType] = byType
	}
	for vt := range m.Values {
		byType[vt] = true
	}
}

// bucketBounds computes the half-open [start, end) window containing time
// for the given interval (spec.md §3, §4.D).
func bucketBounds(time, interval int64) (start, end int64) {
	docLength := interval * config.HighResolutionDocumentSize
	start = (time / docLength) * docLength
	end = start + docLength
	return start, end
}

func placeDataPoint(index map[string]map[int64]map[int64]*Bucket, res *Result, m message.DataMessage) {
	start, end := bucketBounds(m.Time, m.Interval)

	seriesKey := compositeDT(m.DataType, m.Identifier)
	perIdentifier, ok := index[seriesKey]
	if !ok {
		perIdentifier = make(map[int64]map[int64]*Bucket)
		index[seriesKey] = perIdentifier
	}
	atStart, ok := perIdentifier[start]
	if !ok {
		atStart = make(map[int64]*Bucket)
		perIdentifier[start] = atStart
	}
	b, ok := atStart[end]
	if !ok {
		b = &Bucket{
			DataType:   m.DataType,
			Identifier: m.Identifier,
			Interval:   m.Interval,
			Start:      start,
			End:        end,
			ValueTypes: make(map[string]bool),
		}
		atStart[end] = b
		res.DataBuckets = append(res.DataBuckets, b)
	}

	for vt, v := range m.Values {
		b.ValueTypes[vt] = true
		b.Points = append(b.Points, model.DataPoint{
			Time:      m.Time,
			Interval:  m.Interval,
			ValueType: vt,
			Value:     v,
		})
	}
}

func compositeDT(dataType, identifier string) string {
	return dataType + "\x00" + identifier
}

func placeEvent(res *Result, e message.EventMessage) {
	var bucket *EventBucket
	docLength := int64(config.EventDocumentDuration.Seconds())
	start := (e.Start / docLength) * docLength
	end := start + docLength

	for _, b := range res.EventBuckets {
		if b.DataType == e.DataType && b.Type == e.EventType && b.Start == start && b.End == end {
			bucket = b
			break
		}
	}
	if bucket == nil {
		bucket = &EventBucket{
			DataType: e.DataType,
			Type:     e.EventType,
			Start:    start,
			End:      end,
			Events:   make(map[eventKey]model.Event),
		}
		res.EventBuckets = append(res.EventBuckets, bucket)
	}

	bucket.Events[eventKey{start: e.Start, identifier: e.Identifier}] = model.Event{
		Start:      e.Start,
		End:        e.End,
		Identifier: e.Identifier,
		Affected:   e.Affected,
		Text:       e.Text,
		Type:       e.EventType,
	}
}

// PutEvent inserts ev into b, keyed by (ev.Start, ev.Identifier), overwriting
// any event already at that key. It is the only way to populate an
// EventBucket's Events map from outside this package, since eventKey is
// unexported.
func PutEvent(b *EventBucket, ev model.Event) {
	if b.Events == nil {
		b.Events = make(map[eventKey]model.Event)
	}
	b.Events[eventKey{start: ev.Start, identifier: ev.Identifier}] = ev
}
