// Package bucket implements the data-bucket writer (spec.md §4.G): the
// largest single component, responsible for merging points into existing
// buckets and for reconciling overlapping buckets when a measurement's
// sampling interval changes.
package bucket

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
	GetValueTypes(key string) (map[string]bool, bool, error)
	SetValueTypes(key string, valueTypes map[string]bool, expSeconds int32) error
	Delete(key string) error
}

// Writer commits coalesced data buckets to the store.
type Writer struct {
	store     store.Store
	cache     cacheGate
	locker    lock.Locker
	logf      func(format string, args ...any)
	notify    func(kind, dataType, identifier string, start, end int64)
	onOverlap func()
}

// New builds a Writer over the given backends.
func New(s store.Store, c cacheGate, l lock.Locker, logf func(string, ...any)) *Writer {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Writer{
		store: s, cache: c, locker: l, logf: logf,
		notify:    func(string, string, string, int64, int64) {},
		onOverlap: func() {},
	}
}

// SetNotify installs fn to be called, best-effort, after every successful
// bucket write: kind is "data_create" or "data_update". Used by the admin
// operator feed (internal/admin.FeedHub); never required for correctness.
func (w *Writer) SetNotify(fn func(kind, dataType, identifier string, start, end int64)) {
	if fn == nil {
		fn = func(string, string, string, int64, int64) {}
	}
	w.notify = fn
}

// SetOnOverlap installs fn to be called once per CREATE that triggers
// overlap reconciliation (spec.md §4.G), before any lock is acquired for
// the overlap set. Used to feed internal/telemetry's OverlapsResolved
// counter; never required for correctness.
func (w *Writer) SetOnOverlap(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	w.onOverlap = fn
}

// Write commits one coalesced bucket, per spec.md §4.G.
func (w *Writer) Write(ctx context.Context, b *coalesce.Bucket) error {
	lockID := ident.BucketLock(b.DataType, b.Identifier, b.Start, b.End)
	handle, err := w.locker.Acquire(ctx, lockID)
	if err != nil {
		return obserr.Transient(fmt.Errorf("write bucket %s/%s[%d,%d): %w", b.DataType, b.Identifier, b.Start, b.End, err))
	}
	defer w.release(ctx, handle, b.DataType, b.Identifier, b.Start, b.End)

	cacheID := ident.Bucket(b.DataType, b.Identifier, b.Start, b.End)

	// A cache hit tells us the bucket almost certainly exists without a
	// store round trip; a miss means we don't know and must ask the
	// store. Either way the merge needs the stored document itself
	// (points, _id), so both paths converge on the same fetch. A cache
	// failure here is never fatal (spec.md §5) — just logged.
	if _, _, err := w.cache.GetValueTypes(cacheID); err != nil {
		w.logf("write bucket %s/%s[%d,%d): cache check: %v", b.DataType, b.Identifier, b.Start, b.End, err)
	}

	doc, err := w.store.FindBucket(ctx, b.DataType, b.Identifier, b.Start, b.End)
	if err != nil {
		return obserr.Transient(fmt.Errorf("write bucket %s/%s[%d,%d): %w", b.DataType, b.Identifier, b.Start, b.End, err))
	}

	if doc != nil {
		return w.update(ctx, b, doc, cacheID)
	}
	return w.create(ctx, b, cacheID)
}

func (w *Writer) release(ctx context.Context, handle lock.Handle, dataType, identifier string, start, end int64) {
	if err := handle.Release(ctx); err != nil {
		w.logf("write bucket %s/%s[%d,%d): %v", dataType, identifier, start, end, err)
	}
}

// update merges b's points into the existing bucket doc (spec.md §4.G
// UPDATE): new value-types are declared on the document, and points are
// merged by (time, value_type) with b's points winning ties.
func (w *Writer) update(ctx context.Context, b *coalesce.Bucket, doc *model.DataDocument, cacheID string) error {
	addedValueTypes := make(map[string]bool)
	mergedValueTypes := make(map[string]bool, len(doc.ValueTypes)+len(b.ValueTypes))
	for vt := range doc.ValueTypes {
		mergedValueTypes[vt] = true
	}
	for vt := range b.ValueTypes {
		if !doc.ValueTypes[vt] {
			addedValueTypes[vt] = true
		}
		mergedValueTypes[vt] = true
	}

	mergedPoints := mergePoints(doc.DataPoints, b.Points)

	if err := w.store.UpdateBucketPoints(ctx, b.DataType, doc.ID, mergedPoints, addedValueTypes); err != nil {
		return obserr.Transient(fmt.Errorf("update bucket %s/%s[%d,%d): %w", b.DataType, b.Identifier, b.Start, b.End, err))
	}
	ttl := int32(config.DataCacheExpiration.Seconds())
	if err := w.cache.SetValueTypes(cacheID, mergedValueTypes, ttl); err != nil {
		w.logf("update bucket %s/%s[%d,%d): cache set: %v", b.DataType, b.Identifier, b.Start, b.End, err)
	}
	w.notify("data_update", b.DataType, b.Identifier, b.Start, b.End)
	return nil
}

// mergePoints combines old and incoming points keyed by (time, value_type),
// preserving the existing order and appending any incoming-only keys.
// incoming values override old ones: the caller's bucket always reflects
// the latest batch (spec.md §8 idempotence law).
func mergePoints(old, incoming []model.DataPoint) []model.DataPoint {
	type key struct {
		time      int64
		valueType string
	}
	merged := make(map[key]model.DataPoint, len(old)+len(incoming))
	order := make([]key, 0, len(old)+len(incoming))

	for _, p := range old {
		k := key{p.Time, p.ValueType}
		if _, exists := merged[k]; !exists {
			order = append(order, k)
		}
		merged[k] = p
	}
	for _, p := range incoming {
		k := key{p.Time, p.ValueType}
		if _, exists := merged[k]; !exists {
			order = append(order, k)
		}
		merged[k] = p
	}

	out := make([]model.DataPoint, 0, len(order))
	for _, k := range order {
		out = append(out, merged[k])
	}
	return out
}
