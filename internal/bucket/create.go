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
)

type pointKey struct {
	time      int64
	valueType string
}

type placedPoint struct {
	point  model.DataPoint
	origin bool
}

// synthBucket is a bucket being assembled during overlap reconciliation,
// before it is written to the store. Points are keyed so a later write at
// the same (time, value_type) can replace an earlier one without producing
// duplicate entries.
type synthBucket struct {
	start, end int64
	valueTypes map[string]bool
	placed     map[pointKey]placedPoint
	order      []pointKey
}

// create handles spec.md §4.G CREATE, including overlap reconciliation when
// the query returns existing buckets whose window intersects b's.
func (w *Writer) create(ctx context.Context, b *coalesce.Bucket, cacheID string) error {
	overlaps, err := w.store.FindOverlappingBuckets(ctx, b.DataType, b.Identifier, b.Start, b.End)
	if err != nil {
		return obserr.Transient(fmt.Errorf("create bucket %s/%s[%d,%d): %w", b.DataType, b.Identifier, b.Start, b.End, err))
	}

	if len(overlaps) == 0 {
		return w.createSimple(ctx, b, cacheID)
	}

	w.onOverlap()
	return w.createWithReconciliation(ctx, b, overlaps)
}

func (w *Writer) createSimple(ctx context.Context, b *coalesce.Bucket, cacheID string) error {
	doc := model.DataDocument{
		MeasurementIdentifier: b.Identifier,
		Interval:              b.Interval,
		Start:                 b.Start,
		End:                   b.End,
		ValueTypes:            b.ValueTypes,
		DataPoints:            b.Points,
	}
	if err := w.store.UpsertBucket(ctx, b.DataType, doc); err != nil {
		return obserr.Transient(fmt.Errorf("create bucket %s/%s[%d,%d): %w", b.DataType, b.Identifier, b.Start, b.End, err))
	}
	ttl := int32(config.DataCacheExpiration.Seconds())
	if err := w.cache.SetValueTypes(cacheID, b.ValueTypes, ttl); err != nil {
		w.logf("create bucket %s/%s[%d,%d): cache set: %v", b.DataType, b.Identifier, b.Start, b.End, err)
	}
	w.notify("data_create", b.DataType, b.Identifier, b.Start, b.End)
	return nil
}

func (w *Writer) createWithReconciliation(ctx context.Context, b *coalesce.Bucket, overlaps []model.DataDocument) error {
	synth := make(map[int64]map[int64]*synthBucket)

	own := getOrCreateSynth(synth, b.Start, b.End)
	for _, p := range b.Points {
		placePoint(own, p, true)
	}
	for vt := range b.ValueTypes {
		own.valueTypes[vt] = true
	}

	var overlapHandles []lock.Handle
	var overlapCacheIDs []string
	var overlapIDs []any
	defer func() {
		for _, h := range overlapHandles {
			if err := h.Release(ctx); err != nil {
				w.logf("create bucket %s/%s[%d,%d): release overlap lock: %v", b.DataType, b.Identifier, b.Start, b.End, err)
			}
		}
	}()

	for _, o := range overlaps {
		lockID := ident.BucketLock(b.DataType, o.MeasurementIdentifier, o.Start, o.End)
		handle, err := w.locker.Acquire(ctx, lockID)
		if err != nil {
			return obserr.Transient(fmt.Errorf("create bucket %s/%s[%d,%d): acquire overlap lock: %w", b.DataType, b.Identifier, b.Start, b.End, err))
		}
		overlapHandles = append(overlapHandles, handle)
		overlapCacheIDs = append(overlapCacheIDs, ident.Bucket(b.DataType, o.MeasurementIdentifier, o.Start, o.End))
		overlapIDs = append(overlapIDs, o.ID)

		for _, p := range o.DataPoints {
			p.Interval = b.Interval
			newStart, newEnd := bucketBounds(p.Time, b.Interval)
			target := getOrCreateSynth(synth, newStart, newEnd)
			// A null value is dropped from the point list, but the window
			// it would have landed in is still created, value_types intact
			// (spec.md §4.G: a bucket of only-null points collapses to no
			// points, not to no bucket).
			target.valueTypes[p.ValueType] = true
			if p.Value == nil {
				continue
			}
			// Never origin: D's own points were already placed above with
			// isOrigin=true, regardless of which synthetic bucket they
			// landed in, so a migrated point here is never one of them.
			placePoint(target, p, false)
		}
	}

	// Create every synthetic bucket, set its cache entry, before deleting
	// the overlapping originals (spec.md §4.G ordering requirement).
	ttl := int32(config.DataCacheExpiration.Seconds())
	for start, byEnd := range synth {
		for end, sb := range byEnd {
			doc := model.DataDocument{
				MeasurementIdentifier: b.Identifier,
				Interval:              b.Interval,
				Start:                 start,
				End:                   end,
				ValueTypes:            sb.valueTypes,
				DataPoints:            sb.flatten(),
			}
			if err := w.store.UpsertBucket(ctx, b.DataType, doc); err != nil {
				return obserr.Transient(fmt.Errorf("create bucket %s/%s[%d,%d): write synthetic bucket [%d,%d): %w", b.DataType, b.Identifier, b.Start, b.End, start, end, err))
			}
			cacheID := ident.Bucket(b.DataType, b.Identifier, start, end)
			if err := w.cache.SetValueTypes(cacheID, sb.valueTypes, ttl); err != nil {
				w.logf("create bucket %s/%s[%d,%d): cache set synthetic bucket [%d,%d): %v", b.DataType, b.Identifier, b.Start, b.End, start, end, err)
			}
			w.notify("data_create", b.DataType, b.Identifier, start, end)
		}
	}

	if len(overlapIDs) > 0 {
		if err := w.store.DeleteBuckets(ctx, b.DataType, overlapIDs); err != nil {
			return obserr.Transient(fmt.Errorf("create bucket %s/%s[%d,%d): delete overlapping buckets: %w", b.DataType, b.Identifier, b.Start, b.End, err))
		}
	}
	for _, cacheID := range overlapCacheIDs {
		if err := w.cache.Delete(cacheID); err != nil {
			w.logf("create bucket %s/%s[%d,%d): delete overlap cache entry %s: %v", b.DataType, b.Identifier, b.Start, b.End, cacheID, err)
		}
	}

	return nil
}

func getOrCreateSynth(synth map[int64]map[int64]*synthBucket, start, end int64) *synthBucket {
	byEnd, ok := synth[start]
	if !ok {
		byEnd = make(map[int64]*synthBucket)
		synth[start] = byEnd
	}
	sb, ok := byEnd[end]
	if !ok {
		sb = &synthBucket{
			start:      start,
			end:        end,
			valueTypes: make(map[string]bool),
			placed:     make(map[pointKey]placedPoint),
		}
		byEnd[end] = sb
	}
	return sb
}

// placePoint adds p to sb. An origin point (from D itself) always wins a
// collision; among non-origin points, the later call wins (spec.md §4.G
// tie-break — D's own timestamps are untouchable, migrated duplicates
// resolve by processing order).
func placePoint(sb *synthBucket, p model.DataPoint, isOrigin bool) {
	k := pointKey{p.Time, p.ValueType}
	if existing, ok := sb.placed[k]; ok && existing.origin && !isOrigin {
		return
	}
	if _, ok := sb.placed[k]; !ok {
		sb.order = append(sb.order, k)
	}
	sb.placed[k] = placedPoint{point: p, origin: isOrigin}
	sb.valueTypes[p.ValueType] = true
}

// flatten returns sb's points in stable insertion order.
func (sb *synthBucket) flatten() []model.DataPoint {
	out := make([]model.DataPoint, 0, len(sb.order))
	for _, k := range sb.order {
		out = append(out, sb.placed[k].point)
	}
	return out
}

// bucketBounds mirrors coalesce's bucket-boundary computation; duplicated
// here (rather than imported) to keep the reconciliation self-contained
// over the NEW interval, which coalesce never needs to reason about.
func bucketBounds(time, interval int64) (start, end int64) {
	docLength := interval * config.HighResolutionDocumentSize
	start = (time / docLength) * docLength
	end = start + docLength
	return start, end
}
