package consumer

import (
	"context"
	"sync"
	"testing"

	"github.com/tsingest/bucketworker/internal/bucket"
	"github.com/tsingest/bucketworker/internal/config"
	"github.com/tsingest/bucketworker/internal/datatype"
	"github.com/tsingest/bucketworker/internal/eventbucket"
	"github.com/tsingest/bucketworker/internal/lock"
	"github.com/tsingest/bucketworker/internal/measurement"
	"github.com/tsingest/bucketworker/internal/message"
	"github.com/tsingest/bucketworker/internal/model"
	"github.com/tsingest/bucketworker/internal/obserr"
	"github.com/tsingest/bucketworker/internal/store"
	"github.com/tsingest/bucketworker/internal/valuetype"
)

type fakeAllCache struct {
	mu    sync.Mutex
	known map[string]bool
	vals  map[string]map[string]bool
}

func newFakeAllCache() *fakeAllCache {
	return &fakeAllCache{known: make(map[string]bool), vals: make(map[string]map[string]bool)}
}

func (c *fakeAllCache) Known(key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known[key], nil
}

func (c *fakeAllCache) Mark(key string, expSeconds int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[key] = true
	return nil
}

func (c *fakeAllCache) KnownMulti(keys []string) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool)
	for _, k := range keys {
		if c.known[k] {
			out[k] = true
		}
	}
	return out, nil
}

func (c *fakeAllCache) MarkMulti(keys []string, expSeconds int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.known[k] = true
	}
	return nil
}

func (c *fakeAllCache) GetValueTypes(key string) (map[string]bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vals[key]
	return v, ok, nil
}

func (c *fakeAllCache) SetValueTypes(key string, valueTypes map[string]bool, expSeconds int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals[key] = valueTypes
	return nil
}

func (c *fakeAllCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vals, key)
	delete(c.known, key)
	return nil
}

type fakeLocker struct{}

func (fakeLocker) Acquire(ctx context.Context, key string) (lock.Handle, error) {
	return fakeHandle{}, nil
}

type fakeHandle struct{}

func (fakeHandle) Release(ctx context.Context) error { return nil }

func byRouter(dataType string, meta map[string]any) (string, bool) {
	id, ok := meta["router"].(string)
	return id, ok
}

func newTestPipeline(t *testing.T, mem *store.MemoryStore) *Pipeline {
	t.Helper()
	reg := datatype.New(mem, nil)
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	cache := newFakeAllCache()
	locker := fakeLocker{}

	decoder := message.New(reg, byRouter, nil)
	upserter := measurement.New(mem, cache, locker, nil)
	reconciler := valuetype.New(mem, cache, locker, nil)
	bucketWriter := bucket.New(mem, cache, locker, nil)
	eventWriter := eventbucket.New(mem, cache, locker, nil)

	return New(reg, decoder, upserter, reconciler, bucketWriter, eventWriter, int32(config.DataCacheExpiration.Seconds()))
}

func TestPipeline_EmptyBatch(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPipeline(t, mem)

	if err := p.Process(context.Background(), []byte(`[]`)); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
}

func TestPipeline_MalformedJSON(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPipeline(t, mem)

	err := p.Process(context.Background(), []byte(`not-json`))
	if err == nil {
		t.Fatal("expected a decode error")
	}
	if obserr.IsTransient(err) {
		t.Fatal("a malformed payload must not be classified transient")
	}
}

func TestPipeline_SingleNewMeasurementSinglePoint(t *testing.T) {
	mem := store.NewMemory()
	mem.SeedMetadata("cpu", store.Metadata{
		MetaFields: map[string]model.MetaFieldDescriptor{"router": {Required: true}},
	})
	p := newTestPipeline(t, mem)

	body := []byte(`[{"type":"cpu","time":61000,"interval":60,"values":{"input":1},"meta":{"router":"r1"}}]`)
	if err := p.Process(context.Background(), body); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	ms, err := mem.FindActiveMeasurement(context.Background(), "cpu", "r1")
	if err != nil {
		t.Fatalf("FindActiveMeasurement() error = %v", err)
	}
	if ms == nil {
		t.Fatal("expected an active measurement record")
	}
	if ms.Start != 61000 {
		t.Fatalf("measurement.Start = %d, want 61000", ms.Start)
	}

	doc, err := mem.FindBucket(context.Background(), "cpu", "r1", 60000, 120000)
	if err != nil {
		t.Fatalf("FindBucket() error = %v", err)
	}
	if doc == nil {
		t.Fatal("expected bucket [60000,120000) to exist")
	}
	if len(doc.DataPoints) != 1 || doc.DataPoints[0].Time != 61000 {
		t.Fatalf("unexpected data points: %+v", doc.DataPoints)
	}
}

func TestPipeline_IdempotentUnderRedelivery(t *testing.T) {
	mem := store.NewMemory()
	mem.SeedMetadata("cpu", store.Metadata{
		MetaFields: map[string]model.MetaFieldDescriptor{"router": {Required: true}},
	})
	p := newTestPipeline(t, mem)

	body := []byte(`[{"type":"cpu","time":61000,"interval":60,"values":{"input":1},"meta":{"router":"r1"}}]`)
	if err := p.Process(context.Background(), body); err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	if err := p.Process(context.Background(), body); err != nil {
		t.Fatalf("second Process() error = %v", err)
	}

	doc, err := mem.FindBucket(context.Background(), "cpu", "r1", 60000, 120000)
	if err != nil {
		t.Fatalf("FindBucket() error = %v", err)
	}
	if len(doc.DataPoints) != 1 {
		t.Fatalf("redelivery must not duplicate points: %+v", doc.DataPoints)
	}
}

// TestPipeline_IntervalChangeSplitsOldBucket drives spec.md §8 scenario 4
// (interval change) through the full pipeline: a stored 60s-interval bucket
// is split along the new 30s grid, and the incoming point lands in the
// second half alongside a migrated point.
func TestPipeline_IntervalChangeSplitsOldBucket(t *testing.T) {
	mem := store.NewMemory()
	mem.SeedMetadata("cpu", store.Metadata{
		MetaFields: map[string]model.MetaFieldDescriptor{"router": {Required: true}},
	})
	p := newTestPipeline(t, mem)

	seed := []byte(`[
		{"type":"cpu","time":60060,"interval":60,"values":{"input":1},"meta":{"router":"r1"}},
		{"type":"cpu","time":95000,"interval":60,"values":{"input":2},"meta":{"router":"r1"}}
	]`)
	if err := p.Process(context.Background(), seed); err != nil {
		t.Fatalf("seed Process() error = %v", err)
	}

	change := []byte(`[{"type":"cpu","time":90060,"interval":30,"values":{"input":9},"meta":{"router":"r1"}}]`)
	if err := p.Process(context.Background(), change); err != nil {
		t.Fatalf("interval-change Process() error = %v", err)
	}

	old, err := mem.FindBucket(context.Background(), "cpu", "r1", 60000, 120000)
	if err != nil {
		t.Fatalf("FindBucket(old) error = %v", err)
	}
	if old != nil {
		t.Fatal("old bucket should have been removed by overlap reconciliation")
	}

	a, err := mem.FindBucket(context.Background(), "cpu", "r1", 60000, 90000)
	if err != nil {
		t.Fatalf("FindBucket(A) error = %v", err)
	}
	if a == nil || len(a.DataPoints) != 1 || a.DataPoints[0].Time != 60060 {
		t.Fatalf("unexpected bucket A: %+v", a)
	}

	b, err := mem.FindBucket(context.Background(), "cpu", "r1", 90000, 120000)
	if err != nil {
		t.Fatalf("FindBucket(B) error = %v", err)
	}
	if b == nil || len(b.DataPoints) != 2 {
		t.Fatalf("unexpected bucket B: %+v", b)
	}
}

func TestPipeline_UnknownDataType_ItemSkipped(t *testing.T) {
	mem := store.NewMemory()
	p := newTestPipeline(t, mem)

	// cpu isn't seeded yet: the first batch should log-and-skip the item
	// after a refresh finds nothing, not fail the batch.
	body := []byte(`[{"type":"cpu","time":61000,"interval":60,"values":{"input":1},"meta":{"router":"r1"}}]`)
	if err := p.Process(context.Background(), body); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	ms, err := mem.FindActiveMeasurement(context.Background(), "cpu", "r1")
	if err != nil {
		t.Fatalf("FindActiveMeasurement() error = %v", err)
	}
	if ms != nil {
		t.Fatal("measurement should not be created for an unknown data type")
	}
}

func TestPipeline_EventMerge_LastWriterWins(t *testing.T) {
	mem := store.NewMemory()
	mem.SeedDatabase("cpu")
	p := newTestPipeline(t, mem)

	first := []byte(`[{"type":"cpu.event","start":100,"end":200,"identifier":"r1","event_type":"link-down","text":"first"}]`)
	if err := p.Process(context.Background(), first); err != nil {
		t.Fatalf("first Process() error = %v", err)
	}

	second := []byte(`[{"type":"cpu.event","start":100,"end":200,"identifier":"r1","event_type":"link-down","text":"second"}]`)
	if err := p.Process(context.Background(), second); err != nil {
		t.Fatalf("second Process() error = %v", err)
	}

	doc, err := mem.FindEventBucket(context.Background(), "cpu", "link-down", 0, int64(config.EventDocumentDuration.Seconds()))
	if err != nil {
		t.Fatalf("FindEventBucket() error = %v", err)
	}
	if doc == nil {
		t.Fatal("expected an event bucket")
	}
	if len(doc.Events) != 1 || doc.Events[0].Text != "second" {
		t.Fatalf("expected last-writer-wins, got %+v", doc.Events)
	}
}
