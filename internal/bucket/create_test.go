package bucket

import (
	"context"
	"testing"

	"github.com/tsingest/bucketworker/internal/coalesce"
	"github.com/tsingest/bucketworker/internal/model"
	"github.com/tsingest/bucketworker/internal/store"
)

// TestWrite_OverlapReconciliation exercises spec.md §4.G's interval-change
// path: an existing bucket under the old interval is split across two
// buckets under the new interval, the incoming point keeps its value beside
// a migrated point in the same window, and a null-valued migrated point
// still declares its value type even though the point itself is dropped.
func TestWrite_OverlapReconciliation(t *testing.T) {
	mem := store.NewMemory()
	mem.UpsertBucket(context.Background(), "cpu", model.DataDocument{
		MeasurementIdentifier: "r1",
		Interval:              60,
		Start:                 60000,
		End:                   120000,
		ValueTypes:            map[string]bool{"input": true, "flag": true},
		DataPoints: []model.DataPoint{
			{Time: 60060, Interval: 60, ValueType: "input", Value: floatp(1)},
			{Time: 95000, Interval: 60, ValueType: "input", Value: floatp(2)},
			{Time: 91000, Interval: 60, ValueType: "flag", Value: nil},
		},
	})

	w := New(mem, newFakeCache(), fakeLocker{}, nil)
	b := &coalesce.Bucket{
		DataType: "cpu", Identifier: "r1", Interval: 30, Start: 90000, End: 120000,
		ValueTypes: map[string]bool{"input": true},
		Points:     []model.DataPoint{{Time: 90060, Interval: 30, ValueType: "input", Value: floatp(9)}},
	}

	if err := w.Write(context.Background(), b); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	old, err := mem.FindBucket(context.Background(), "cpu", "r1", 60000, 120000)
	if err != nil {
		t.Fatalf("FindBucket(old) error = %v", err)
	}
	if old != nil {
		t.Fatal("expected old bucket to be deleted after reconciliation")
	}

	a, err := mem.FindBucket(context.Background(), "cpu", "r1", 60000, 90000)
	if err != nil {
		t.Fatalf("FindBucket(A) error = %v", err)
	}
	if a == nil {
		t.Fatal("expected bucket [60000,90000) to be created")
	}
	if len(a.DataPoints) != 1 || a.DataPoints[0].Time != 60060 || *a.DataPoints[0].Value != 1 {
		t.Fatalf("unexpected points in bucket A: %+v", a.DataPoints)
	}

	bb, err := mem.FindBucket(context.Background(), "cpu", "r1", 90000, 120000)
	if err != nil {
		t.Fatalf("FindBucket(B) error = %v", err)
	}
	if bb == nil {
		t.Fatal("expected bucket [90000,120000) to be created")
	}
	if !bb.ValueTypes["flag"] {
		t.Error("expected 'flag' value type to survive even though its only point was null")
	}
	if !bb.ValueTypes["input"] {
		t.Error("expected 'input' value type present on bucket B")
	}
	for _, p := range bb.DataPoints {
		if p.ValueType == "flag" {
			t.Fatalf("expected the null 'flag' point to be dropped from the point list, found %+v", p)
		}
	}

	var origin *model.DataPoint
	var migrated *model.DataPoint
	for i := range bb.DataPoints {
		p := &bb.DataPoints[i]
		if p.Time == 90060 {
			origin = p
		}
		if p.Time == 95000 {
			migrated = p
		}
	}
	if origin == nil {
		t.Fatal("expected the incoming point at t=90060 to be present")
	}
	if *origin.Value != 9 {
		t.Errorf("expected the origin point to win its timestamp, got value %v", *origin.Value)
	}
	if migrated == nil {
		t.Fatal("expected the migrated point at t=95000 to be present")
	}
	if *migrated.Value != 2 {
		t.Errorf("expected the migrated point's value to survive, got %v", *migrated.Value)
	}
	if len(bb.DataPoints) != 2 {
		t.Fatalf("expected exactly 2 points in bucket B, got %d: %+v", len(bb.DataPoints), bb.DataPoints)
	}
}

// TestWrite_OnOverlapFiresOnlyOnReconciliation confirms the overlap hook
// fires exactly once when a create triggers reconciliation, and not at all
// for a disjoint create or a plain update.
func TestWrite_OnOverlapFiresOnlyOnReconciliation(t *testing.T) {
	mem := store.NewMemory()
	mem.UpsertBucket(context.Background(), "cpu", model.DataDocument{
		MeasurementIdentifier: "r1", Interval: 60, Start: 60000, End: 120000,
		ValueTypes: map[string]bool{"input": true},
		DataPoints: []model.DataPoint{{Time: 60060, Interval: 60, ValueType: "input", Value: floatp(1)}},
	})

	w := New(mem, newFakeCache(), fakeLocker{}, nil)
	var overlapCount int
	w.SetOnOverlap(func() { overlapCount++ })

	disjoint := &coalesce.Bucket{
		DataType: "cpu", Identifier: "r1", Interval: 60, Start: 120000, End: 180000,
		ValueTypes: map[string]bool{"input": true},
		Points:     []model.DataPoint{{Time: 120060, Interval: 60, ValueType: "input", Value: floatp(5)}},
	}
	if err := w.Write(context.Background(), disjoint); err != nil {
		t.Fatalf("Write(disjoint) error = %v", err)
	}
	if overlapCount != 0 {
		t.Fatalf("expected no overlap callback for a disjoint create, got %d", overlapCount)
	}

	update := &coalesce.Bucket{
		DataType: "cpu", Identifier: "r1", Interval: 60, Start: 60000, End: 120000,
		ValueTypes: map[string]bool{"input": true},
		Points:     []model.DataPoint{{Time: 60120, Interval: 60, ValueType: "input", Value: floatp(2)}},
	}
	if err := w.Write(context.Background(), update); err != nil {
		t.Fatalf("Write(update) error = %v", err)
	}
	if overlapCount != 0 {
		t.Fatalf("expected no overlap callback for a plain update, got %d", overlapCount)
	}

	reconcile := &coalesce.Bucket{
		DataType: "cpu", Identifier: "r1", Interval: 30, Start: 90000, End: 120000,
		ValueTypes: map[string]bool{"input": true},
		Points:     []model.DataPoint{{Time: 90060, Interval: 30, ValueType: "input", Value: floatp(9)}},
	}
	if err := w.Write(context.Background(), reconcile); err != nil {
		t.Fatalf("Write(reconcile) error = %v", err)
	}
	if overlapCount != 1 {
		t.Fatalf("expected exactly 1 overlap callback after a reconciling create, got %d", overlapCount)
	}
}

// TestWrite_NoOverlapCreatesSimple confirms a disjoint new bucket never
// triggers the reconciliation path.
func TestWrite_NoOverlapCreatesSimple(t *testing.T) {
	mem := store.NewMemory()
	mem.UpsertBucket(context.Background(), "cpu", model.DataDocument{
		MeasurementIdentifier: "r1", Interval: 60, Start: 60000, End: 120000,
		ValueTypes: map[string]bool{"input": true},
		DataPoints: []model.DataPoint{{Time: 60060, Interval: 60, ValueType: "input", Value: floatp(1)}},
	})

	w := New(mem, newFakeCache(), fakeLocker{}, nil)
	b := &coalesce.Bucket{
		DataType: "cpu", Identifier: "r1", Interval: 60, Start: 120000, End: 180000,
		ValueTypes: map[string]bool{"input": true},
		Points:     []model.DataPoint{{Time: 120060, Interval: 60, ValueType: "input", Value: floatp(5)}},
	}

	if err := w.Write(context.Background(), b); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	old, _ := mem.FindBucket(context.Background(), "cpu", "r1", 60000, 120000)
	if old == nil {
		t.Fatal("expected untouched earlier bucket to still exist")
	}
	created, _ := mem.FindBucket(context.Background(), "cpu", "r1", 120000, 180000)
	if created == nil {
		t.Fatal("expected new disjoint bucket to be created")
	}
}

// TestWrite_OriginWinsCollisionInOwnWindow guards against a migrated point
// landing in the same synthetic window as D's own bucket and overwriting one
// of D's own points at an identical (time, value_type) key.
func TestWrite_OriginWinsCollisionInOwnWindow(t *testing.T) {
	mem := store.NewMemory()
	mem.UpsertBucket(context.Background(), "cpu", model.DataDocument{
		MeasurementIdentifier: "r1", Interval: 120, Start: 0, End: 120000,
		ValueTypes: map[string]bool{"input": true},
		DataPoints: []model.DataPoint{{Time: 90060, Interval: 120, ValueType: "input", Value: floatp(111)}},
	})

	w := New(mem, newFakeCache(), fakeLocker{}, nil)
	b := &coalesce.Bucket{
		DataType: "cpu", Identifier: "r1", Interval: 30, Start: 90000, End: 120000,
		ValueTypes: map[string]bool{"input": true},
		Points:     []model.DataPoint{{Time: 90060, Interval: 30, ValueType: "input", Value: floatp(9)}},
	}

	if err := w.Write(context.Background(), b); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	doc, err := mem.FindBucket(context.Background(), "cpu", "r1", 90000, 120000)
	if err != nil {
		t.Fatalf("FindBucket() error = %v", err)
	}
	if doc == nil {
		t.Fatal("expected bucket [90000,120000) to exist")
	}
	if len(doc.DataPoints) != 1 {
		t.Fatalf("expected the colliding points to merge into 1, got %d: %+v", len(doc.DataPoints), doc.DataPoints)
	}
	if *doc.DataPoints[0].Value != 9 {
		t.Errorf("expected D's own point to win the collision, got %v", *doc.DataPoints[0].Value)
	}
}
