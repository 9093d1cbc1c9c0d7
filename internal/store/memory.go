package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tsingest/bucketworker/internal/model"
)

// MemoryStore is an in-process fake of Store used by tests throughout this
// repository, the way the teacher's pkg/storage/memory.Storage stands in for
// BadgerDB in its own test suite.
type MemoryStore struct {
	mu sync.Mutex

	databases    map[string]bool
	metadata     map[string]*Metadata
	measurements map[string][]model.Measurement
	buckets      map[string][]model.DataDocument
	eventBuckets map[string][]model.EventDocument

	nextID int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		databases:    make(map[string]bool),
		metadata:     make(map[string]*Metadata),
		measurements: make(map[string][]model.Measurement),
		buckets:      make(map[string][]model.DataDocument),
		eventBuckets: make(map[string][]model.EventDocument),
	}
}

// SeedDatabase registers a data type as an existing database, as if it had
// already been created by an earlier write (used by registry tests).
func (s *MemoryStore) SeedDatabase(dataType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases[dataType] = true
}

// SeedMetadata installs a metadata document directly, bypassing AddValueTypes.
func (s *MemoryStore) SeedMetadata(dataType string, md Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases[dataType] = true
	cp := md
	s.metadata[dataType] = &cp
}

func (s *MemoryStore) ListDatabaseNames(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.databases))
	for n := range s.databases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) FetchMetadata(ctx context.Context, dataType string) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.metadata[dataType]
	if !ok {
		return nil, nil
	}
	cp := *md
	cp.Values = cloneValueTypes(md.Values)
	cp.MetaFields = cloneMetaFields(md.MetaFields)
	return &cp, nil
}

func (s *MemoryStore) AddValueTypes(ctx context.Context, dataType string, additions map[string]model.ValueTypeDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.metadata[dataType]
	if !ok {
		return fmt.Errorf("add value types for %s: metadata document missing", dataType)
	}
	if md.Values == nil {
		md.Values = make(map[string]model.ValueTypeDescriptor)
	}
	for vt, desc := range additions {
		md.Values[vt] = desc
	}
	return nil
}

func (s *MemoryStore) FindActiveMeasurement(ctx context.Context, dataType, identifier string) (*model.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.measurements[dataType] {
		if m.Identifier == identifier && m.End == nil {
			cp := m
			cp.DataType = dataType
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) InsertMeasurement(ctx context.Context, dataType string, m model.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.End == nil {
		for _, existing := range s.measurements[dataType] {
			if existing.Identifier == m.Identifier && existing.End == nil {
				return fmt.Errorf("insert measurement %s/%s: active record already exists", dataType, m.Identifier)
			}
		}
	}
	s.databases[dataType] = true
	s.measurements[dataType] = append(s.measurements[dataType], m)
	return nil
}

func (s *MemoryStore) FindBucket(ctx context.Context, dataType, identifier string, start, end int64) (*model.DataDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.buckets[dataType] {
		if d.MeasurementIdentifier == identifier && d.Start == start && d.End == end {
			cp := cloneBucket(d)
			cp.DataType = dataType
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FindOverlappingBuckets(ctx context.Context, dataType, identifier string, start, end int64) ([]model.DataDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DataDocument
	for _, d := range s.buckets[dataType] {
		if d.MeasurementIdentifier != identifier {
			continue
		}
		if d.Start < end && d.End > start {
			cp := cloneBucket(d)
			cp.DataType = dataType
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out, nil
}

func (s *MemoryStore) UpsertBucket(ctx context.Context, dataType string, bucket model.DataDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases[dataType] = true
	list := s.buckets[dataType]
	for i, d := range list {
		if d.MeasurementIdentifier == bucket.MeasurementIdentifier && d.Start == bucket.Start && d.End == bucket.End {
			if bucket.ID == nil {
				bucket.ID = d.ID
			}
			list[i] = cloneBucket(bucket)
			s.buckets[dataType] = list
			return nil
		}
	}
	if bucket.ID == nil {
		s.nextID++
		bucket.ID = s.nextID
	}
	s.buckets[dataType] = append(list, cloneBucket(bucket))
	return nil
}

func (s *MemoryStore) UpdateBucketPoints(ctx context.Context, dataType string, bucketID any, newPoints []model.DataPoint, addedValueTypes map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.buckets[dataType]
	for i, d := range list {
		if d.ID == bucketID {
			list[i].DataPoints = append([]model.DataPoint(nil), newPoints...)
			if list[i].ValueTypes == nil {
				list[i].ValueTypes = make(map[string]bool)
			}
			for vt := range addedValueTypes {
				list[i].ValueTypes[vt] = true
			}
			return nil
		}
	}
	return fmt.Errorf("update bucket points %s/%v: not found", dataType, bucketID)
}

func (s *MemoryStore) DeleteBuckets(ctx context.Context, dataType string, ids []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	toDelete := make(map[any]bool, len(ids))
	for _, id := range ids {
		toDelete[id] = true
	}
	list := s.buckets[dataType]
	filtered := make([]model.DataDocument, 0, len(list))
	for _, d := range list {
		if !toDelete[d.ID] {
			filtered = append(filtered, d)
		}
	}
	s.buckets[dataType] = filtered
	return nil
}

func (s *MemoryStore) FindEventBucket(ctx context.Context, dataType, eventType string, start, end int64) (*model.EventDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.eventBuckets[dataType] {
		if d.Type == eventType && d.Start == start && d.End == end {
			cp := cloneEventBucket(d)
			cp.DataType = dataType
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpsertEventBucket(ctx context.Context, dataType string, bucket model.EventDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases[dataType] = true
	list := s.eventBuckets[dataType]
	for i, d := range list {
		if d.Type == bucket.Type && d.Start == bucket.Start && d.End == bucket.End {
			if bucket.ID == nil {
				bucket.ID = d.ID
			}
			list[i] = cloneEventBucket(bucket)
			s.eventBuckets[dataType] = list
			return nil
		}
	}
	if bucket.ID == nil {
		s.nextID++
		bucket.ID = s.nextID
	}
	s.eventBuckets[dataType] = append(list, cloneEventBucket(bucket))
	return nil
}

func cloneBucket(d model.DataDocument) model.DataDocument {
	cp := d
	cp.ValueTypes = make(map[string]bool, len(d.ValueTypes))
	for k, v := range d.ValueTypes {
		cp.ValueTypes[k] = v
	}
	cp.DataPoints = append([]model.DataPoint(nil), d.DataPoints...)
	return cp
}

func cloneEventBucket(d model.EventDocument) model.EventDocument {
	cp := d
	cp.Events = append([]model.Event(nil), d.Events...)
	return cp
}

func cloneValueTypes(m map[string]model.ValueTypeDescriptor) map[string]model.ValueTypeDescriptor {
	cp := make(map[string]model.ValueTypeDescriptor, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneMetaFields(m map[string]model.MetaFieldDescriptor) map[string]model.MetaFieldDescriptor {
	cp := make(map[string]model.MetaFieldDescriptor, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
