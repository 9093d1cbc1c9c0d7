// Package measurement implements the measurement upserter (spec.md §4.E):
// for each distinct measurement sighted in a batch, ensure an active
// measurement record exists, gated by a memcache "known to exist" check.
package measurement

import (
	"context"
	"fmt"
	"time"

	"github.com/tsingest/bucketworker/internal/coalesce"
	"github.com/tsingest/bucketworker/internal/config"
	"github.com/tsingest/bucketworker/internal/datatype"
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

// Upserter ensures an active measurement record exists for every distinct
// (data type, identifier) in a coalesced batch.
type Upserter struct {
	store  store.Store
	cache  cacheGate
	locker lock.Locker
	logf   func(format string, args ...any)
}

// New builds an Upserter over the given backends. logf receives one line
// per failed lock release (spec.md §5: logged, never retried); pass nil to
// use a no-op.
func New(s store.Store, c cacheGate, l lock.Locker, logf func(string, ...any)) *Upserter {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Upserter{store: s, cache: c, locker: l, logf: logf}
}

// Upsert runs spec.md §4.E for every sighting in measurements, using reg
// to look up each data type's declared metadata-field schema.
func (u *Upserter) Upsert(ctx context.Context, reg *datatype.Registry, measurements map[string]map[string]*coalesce.MeasurementSighting) error {
	for dataType, byIdentifier := range measurements {
		dt := reg.Get(dataType)
		for identifier, sighting := range byIdentifier {
			if err := u.upsertOne(ctx, dt, dataType, identifier, sighting); err != nil {
				return err
			}
		}
	}
	return nil
}

func (u *Upserter) upsertOne(ctx context.Context, dt *datatype.DataType, dataType, identifier string, sighting *coalesce.MeasurementSighting) error {
	cacheID := ident.Measurement(dataType, identifier)
	ttl := cacheTTL(sighting.Interval)

	// A cache failure is never fatal (spec.md §5): treat it as a miss and
	// fall through to the store, which remains the source of truth.
	known, err := u.cache.Known(cacheID)
	if err != nil {
		u.logf("upsert measurement %s/%s: cache check: %v", dataType, identifier, err)
		known = false
	}
	if known {
		return nil
	}

	lockID := ident.MeasurementLock(dataType, identifier)
	handle, err := u.locker.Acquire(ctx, lockID)
	if err != nil {
		return obserr.Transient(fmt.Errorf("upsert measurement %s/%s: %w", dataType, identifier, err))
	}
	defer func() {
		if err := handle.Release(ctx); err != nil {
			u.logf("upsert measurement %s/%s: %v", dataType, identifier, err)
		}
	}()

	existing, err := u.store.FindActiveMeasurement(ctx, dataType, identifier)
	if err != nil {
		return obserr.Transient(fmt.Errorf("upsert measurement %s/%s: %w", dataType, identifier, err))
	}
	if existing != nil {
		if err := u.cache.Mark(cacheID, ttl); err != nil {
			u.logf("upsert measurement %s/%s: cache mark: %v", dataType, identifier, err)
		}
		return nil
	}

	record := model.Measurement{
		Identifier:  identifier,
		Start:       sighting.Start,
		End:         nil,
		LastUpdated: sighting.Start,
		Meta:        requiredMeta(dt, sighting.Meta),
	}
	if err := u.store.InsertMeasurement(ctx, dataType, record); err != nil {
		return obserr.Transient(fmt.Errorf("upsert measurement %s/%s: %w", dataType, identifier, err))
	}
	if err := u.cache.Mark(cacheID, ttl); err != nil {
		u.logf("upsert measurement %s/%s: cache mark: %v", dataType, identifier, err)
	}
	return nil
}

// requiredMeta keeps only the meta entries whose field is declared
// required by the data type's schema (spec.md §4.E step 3). An unknown
// data type (nil dt) keeps nothing — its schema has never been seen.
func requiredMeta(dt *datatype.DataType, meta map[string]any) map[string]any {
	if dt == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(meta))
	for field, value := range meta {
		if desc, ok := dt.MetaFields[field]; ok && desc.Required {
			out[field] = value
		}
	}
	return out
}

// cacheTTL resolves the open question in spec.md §9: the cache duration is
// a lower bound, not an upper one, so high-frequency measurements are never
// forgotten within the default window.
func cacheTTL(interval int64) int32 {
	floor := config.MeasurementCacheExpiration
	doubled := time.Duration(interval*2) * time.Second
	if doubled > floor {
		return int32(doubled.Seconds())
	}
	return int32(floor.Seconds())
}
