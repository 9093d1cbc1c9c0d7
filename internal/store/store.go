// Package store is the document-store boundary (spec.md §3, §6): one
// MongoDB database per data type, with four collections —
// measurements, data, event, metadata.
package store

import (
	"context"

	"github.com/tsingest/bucketworker/internal/model"
)

// Metadata is the singleton metadata document for a data type: the set of
// value-types it has advertised so far, and the declared metadata field
// schema used by the measurement upserter (spec.md §4.E, §4.F) to decide
// which meta entries are required.
type Metadata struct {
	Values     map[string]model.ValueTypeDescriptor `bson:"values"`
	MetaFields map[string]model.MetaFieldDescriptor `bson:"meta_fields"`
}

// Store is everything the core components need from the document store.
// A single implementation backs all data types; every method is scoped by
// an explicit dataType argument naming which database to operate against.
type Store interface {
	// ListDatabaseNames returns every database name known to the store,
	// used by the DataType registry's refresh (spec.md §4.B).
	ListDatabaseNames(ctx context.Context) ([]string, error)

	// FetchMetadata reads the singleton metadata document for a data type.
	// Returns (nil, nil) if the data type has no metadata document yet.
	FetchMetadata(ctx context.Context, dataType string) (*Metadata, error)

	// AddValueTypes adds the given value-types to a data type's metadata
	// document in a single update (spec.md §4.F). Fails if the metadata
	// document does not exist.
	AddValueTypes(ctx context.Context, dataType string, additions map[string]model.ValueTypeDescriptor) error

	// FindActiveMeasurement returns the measurement record with the given
	// identifier and end == nil, or (nil, nil) if none exists.
	FindActiveMeasurement(ctx context.Context, dataType, identifier string) (*model.Measurement, error)

	// InsertMeasurement inserts a new measurement record (spec.md §4.E).
	InsertMeasurement(ctx context.Context, dataType string, m model.Measurement) error

	// FindBucket returns the data bucket for (identifier, start, end), or
	// (nil, nil) if none exists.
	FindBucket(ctx context.Context, dataType, identifier string, start, end int64) (*model.DataDocument, error)

	// FindOverlappingBuckets returns every bucket for identifier whose
	// [start, end) window intersects [start, end), ordered by (start, end)
	// so that concurrent workers agree on lock acquisition order (spec.md §9).
	FindOverlappingBuckets(ctx context.Context, dataType, identifier string, start, end int64) ([]model.DataDocument, error)

	// UpsertBucket creates bucket if no bucket with the same (identifier,
	// start, end) exists, or replaces that bucket if one does.
	UpsertBucket(ctx context.Context, dataType string, bucket model.DataDocument) error

	// UpdateBucketPoints replaces the stored bucket's points with newPoints
	// (the caller passes the already-merged list) and widens its value_types
	// to the union with addedValueTypes (spec.md §4.G UPDATE).
	UpdateBucketPoints(ctx context.Context, dataType string, bucketID any, newPoints []model.DataPoint, addedValueTypes map[string]bool) error

	// DeleteBuckets removes the given buckets by _id in a single batch
	// (spec.md §4.G step 5).
	DeleteBuckets(ctx context.Context, dataType string, ids []any) error

	// FindEventBucket returns the event bucket for (type, start, end), or
	// (nil, nil) if none exists.
	FindEventBucket(ctx context.Context, dataType, eventType string, start, end int64) (*model.EventDocument, error)

	// UpsertEventBucket creates or replaces an event bucket in place
	// (spec.md §4.H).
	UpsertEventBucket(ctx context.Context, dataType string, bucket model.EventDocument) error
}
