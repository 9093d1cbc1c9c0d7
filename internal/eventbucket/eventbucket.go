// Package eventbucket implements the event-bucket writer (spec.md §4.H): it
// creates or merges one fixed-width event bucket per write, overlaying new
// events onto existing ones by (start, identifier) with last-writer-wins.
package eventbucket

import (
	"context"
	"fmt"

	"github.com/tsingest/bucketworker/internal/coalesce"
	"github.com/tsingest/bucketworker/internal/config"
	"github.com/tsingest/bucketworker/internal/ident"
	"github.com/tsingest/bucketworker/internal/lock"
	"github.com/tsingest/bucketworker/internal/model"
	"github.com/tsingest/bucketworker/internal/obserr"
	"github.com/tsingest/bucketworker/internal/store"
)

type cacheGate interface {
	Known(key string) (bool, error)
	Mark(key string, expSeconds int32) error
}

// Writer commits coalesced event buckets to the store.
type Writer struct {
	store  store.Store
	cache  cacheGate
	locker lock.Locker
	logf   func(format string, args ...any)
	notify func(kind, dataType, identifier string, start, end int64)
}

// New builds a Writer over the given backends.
func New(s store.Store, c cacheGate, l lock.Locker, logf func(string, ...any)) *Writer {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Writer{store: s, cache: c, locker: l, logf: logf, notify: func(string, string, string, int64, int64) {}}
}

// SetNotify installs fn to be called, best-effort, after every successful
// event-bucket write (kind "event"). Used by the admin operator feed
// (internal/admin.FeedHub); never required for correctness.
func (w *Writer) SetNotify(fn func(kind, dataType, identifier string, start, end int64)) {
	if fn == nil {
		fn = func(string, string, string, int64, int64) {}
	}
	w.notify = fn
}

// Write commits one coalesced event bucket, per spec.md §4.H.
func (w *Writer) Write(ctx context.Context, b *coalesce.EventBucket) error {
	lockID := ident.EventBucketLock(b.DataType, b.Start, b.End)
	handle, err := w.locker.Acquire(ctx, lockID)
	if err != nil {
		return obserr.Transient(fmt.Errorf("write event bucket %s/%s[%d,%d): %w", b.DataType, b.Type, b.Start, b.End, err))
	}
	defer func() {
		if err := handle.Release(ctx); err != nil {
			w.logf("write event bucket %s/%s[%d,%d): %v", b.DataType, b.Type, b.Start, b.End, err)
		}
	}()

	cacheID := ident.EventBucket(b.DataType, b.Start, b.End)

	// The sentinel cache entry only records existence (spec.md §6); the
	// merge path still needs the stored document itself, so the cache
	// check here is advisory only — a miss doesn't skip the store read,
	// and a cache failure is never fatal (spec.md §5).
	if _, err := w.cache.Known(cacheID); err != nil {
		w.logf("write event bucket %s/%s[%d,%d): cache check: %v", b.DataType, b.Type, b.Start, b.End, err)
	}

	doc, err := w.store.FindEventBucket(ctx, b.DataType, b.Type, b.Start, b.End)
	if err != nil {
		return obserr.Transient(fmt.Errorf("write event bucket %s/%s[%d,%d): %w", b.DataType, b.Type, b.Start, b.End, err))
	}

	incoming := make([]model.Event, 0, len(b.Events))
	for _, e := range b.Events {
		incoming = append(incoming, e)
	}

	var events []model.Event
	if doc == nil {
		events = incoming
	} else {
		events = merge(doc.Events, incoming)
	}

	out := model.EventDocument{
		Type:   b.Type,
		Start:  b.Start,
		End:    b.End,
		Events: events,
	}
	if doc != nil {
		out.ID = doc.ID
	}
	if err := w.store.UpsertEventBucket(ctx, b.DataType, out); err != nil {
		return obserr.Transient(fmt.Errorf("write event bucket %s/%s[%d,%d): %w", b.DataType, b.Type, b.Start, b.End, err))
	}

	ttl := int32(config.DataCacheExpiration.Seconds())
	if err := w.cache.Mark(cacheID, ttl); err != nil {
		w.logf("write event bucket %s/%s[%d,%d): cache mark: %v", b.DataType, b.Type, b.Start, b.End, err)
	}
	w.notify("event", b.DataType, b.Type, b.Start, b.End)
	return nil
}

type eventKey struct {
	start      int64
	identifier string
}

// merge overlays incoming onto existing by (start, identifier), with
// incoming winning any collision, and returns the flattened result
// (spec.md §4.H step 3).
func merge(existing, incoming []model.Event) []model.Event {
	index := make(map[eventKey]model.Event, len(existing)+len(incoming))
	order := make([]eventKey, 0, len(existing)+len(incoming))

	for _, e := range existing {
		k := eventKey{e.Start, e.Identifier}
		if _, ok := index[k]; !ok {
			order = append(order, k)
		}
		index[k] = e
	}
	for _, e := range incoming {
		k := eventKey{e.Start, e.Identifier}
		if _, ok := index[k]; !ok {
			order = append(order, k)
		}
		index[k] = e
	}

	out := make([]model.Event, 0, len(order))
	for _, k := range order {
		out = append(out, index[k])
	}
	return out
}
