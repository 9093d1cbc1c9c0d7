// Package valuetype implements the value-type reconciler (spec.md §4.F):
// ensures each data type's metadata document advertises every value-type
// seen in a batch, gated by a bulk memcache check.
package valuetype

import (
	"context"
	"fmt"

	"github.com/tsingest/bucketworker/internal/ident"
	"github.com/tsingest/bucketworker/internal/lock"
	"github.com/tsingest/bucketworker/internal/model"
	"github.com/tsingest/bucketworker/internal/obserr"
	"github.com/tsingest/bucketworker/internal/store"
)

type cacheGate interface {
	KnownMulti(keys []string) (map[string]bool, error)
	MarkMulti(keys []string, expSeconds int32) error
}

// Reconciler ensures every value-type seen in a batch is advertised by its
// data type's metadata document.
type Reconciler struct {
	store  store.Store
	cache  cacheGate
	locker lock.Locker
	logf   func(format string, args ...any)
}

// New builds a Reconciler over the given backends.
func New(s store.Store, c cacheGate, l lock.Locker, logf func(string, ...any)) *Reconciler {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Reconciler{store: s, cache: c, locker: l, logf: logf}
}

// Reconcile runs spec.md §4.F for every data type's set of seen value
// types. cacheExpiration is the TTL (seconds) applied to newly marked
// value-type cache entries.
func (r *Reconciler) Reconcile(ctx context.Context, valueTypes map[string]map[string]bool, cacheExpiration int32) error {
	for dataType, seen := range valueTypes {
		if err := r.reconcileOne(ctx, dataType, seen, cacheExpiration); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, dataType string, seen map[string]bool, cacheExpiration int32) error {
	keys := make([]string, 0, len(seen))
	keyToValueType := make(map[string]string, len(seen))
	for vt := range seen {
		key := ident.ValueType(dataType, vt)
		keys = append(keys, key)
		keyToValueType[key] = vt
	}

	// A cache failure is never fatal (spec.md §5): fall back to treating
	// every key as unknown, which only costs an extra store round trip.
	cached, err := r.cache.KnownMulti(keys)
	if err != nil {
		r.logf("reconcile value types for %s: cache check: %v", dataType, err)
		cached = nil
	}
	var missing []string
	for _, key := range keys {
		if !cached[key] {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	lockID := ident.MetadataLock(dataType)
	handle, err := r.locker.Acquire(ctx, lockID)
	if err != nil {
		return obserr.Transient(fmt.Errorf("reconcile value types for %s: %w", dataType, err))
	}
	defer func() {
		if err := handle.Release(ctx); err != nil {
			r.logf("reconcile value types for %s: %v", dataType, err)
		}
	}()

	md, err := r.store.FetchMetadata(ctx, dataType)
	if err != nil {
		return obserr.Transient(fmt.Errorf("reconcile value types for %s: %w", dataType, err))
	}
	if md == nil {
		return obserr.Transient(fmt.Errorf("reconcile value types for %s: metadata document missing", dataType))
	}

	additions := make(map[string]model.ValueTypeDescriptor)
	for _, key := range missing {
		vt := keyToValueType[key]
		if _, ok := md.Values[vt]; ok {
			continue
		}
		additions[vt] = model.ValueTypeDescriptor{Description: vt, Units: vt}
	}
	if len(additions) > 0 {
		if err := r.store.AddValueTypes(ctx, dataType, additions); err != nil {
			return obserr.Transient(fmt.Errorf("reconcile value types for %s: %w", dataType, err))
		}
	}

	if err := r.cache.MarkMulti(missing, cacheExpiration); err != nil {
		r.logf("reconcile value types for %s: cache mark: %v", dataType, err)
	}
	return nil
}
