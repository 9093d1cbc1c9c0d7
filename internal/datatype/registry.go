// Package datatype holds the DataType registry (spec.md §4.B): an
// immutable snapshot of every known data type's schema, held behind an
// atomic pointer so readers never block on a refresh in progress.
package datatype

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/tsingest/bucketworker/internal/model"
	"github.com/tsingest/bucketworker/internal/store"
)

// DataType is a single database's known schema: its advertised value types
// and declared metadata fields.
type DataType struct {
	Name       string
	Values     map[string]model.ValueTypeDescriptor
	MetaFields map[string]model.MetaFieldDescriptor
}

// HasValueType reports whether vt has already been advertised.
func (d *DataType) HasValueType(vt string) bool {
	_, ok := d.Values[vt]
	return ok
}

// Registry is a swappable snapshot of every known DataType, refreshable
// from the store on demand.
type Registry struct {
	store     store.Store
	ignoreSet map[string]bool
	dataTypes atomic.Pointer[map[string]*DataType]
}

// New builds an empty registry; call Refresh before first use.
func New(s store.Store, ignoreDatabases []string) *Registry {
	ignore := make(map[string]bool, len(ignoreDatabases))
	for _, name := range ignoreDatabases {
		ignore[name] = true
	}
	r := &Registry{store: s, ignoreSet: ignore}
	empty := map[string]*DataType{}
	r.dataTypes.Store(&empty)
	return r
}

// Get returns the named DataType, or nil if it is not (yet) known.
func (r *Registry) Get(name string) *DataType {
	m := *r.dataTypes.Load()
	return m[name]
}

// Refresh reloads every non-ignored database from the store and atomically
// replaces the registry's snapshot. A failed refresh leaves the existing
// snapshot untouched (spec.md §4.B).
func (r *Registry) Refresh(ctx context.Context) error {
	names, err := r.store.ListDatabaseNames(ctx)
	if err != nil {
		return fmt.Errorf("refresh registry: %w", err)
	}

	next := make(map[string]*DataType, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, "_") || r.ignoreSet[name] {
			continue
		}

		md, err := r.store.FetchMetadata(ctx, name)
		if err != nil {
			return fmt.Errorf("refresh registry: fetch metadata for %s: %w", name, err)
		}
		dt := &DataType{Name: name}
		if md != nil {
			dt.Values = md.Values
			dt.MetaFields = md.MetaFields
		}
		next[name] = dt
	}

	r.dataTypes.Store(&next)
	return nil
}

// Seed installs dataTypes as the registry's current snapshot without
// touching the store. Used once at process startup to bootstrap from a
// local Badger snapshot before the first store-backed Refresh completes
// (spec.md §4.B); any call to Refresh afterward replaces it as usual.
func (r *Registry) Seed(dataTypes map[string]*DataType) {
	if dataTypes == nil {
		dataTypes = map[string]*DataType{}
	}
	r.dataTypes.Store(&dataTypes)
}

// Names returns every data type name currently in the snapshot, primarily
// for diagnostics and the admin feed.
func (r *Registry) Names() []string {
	m := *r.dataTypes.Load()
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	return out
}
