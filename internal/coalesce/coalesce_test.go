package coalesce

import (
	"testing"

	"github.com/tsingest/bucketworker/internal/message"
)

func floatp(v float64) *float64 { return &v }

func TestCoalesce_SingleNewMeasurement(t *testing.T) {
	data := []message.DataMessage{
		{DataType: "cpu", Identifier: "r1", Time: 61000, Interval: 60, Values: map[string]*float64{"input": floatp(1)}, Meta: map[string]any{"router": "r1"}},
	}

	res := Coalesce(data, nil)

	sighting := res.Measurements["cpu"]["r1"]
	if sighting == nil {
		t.Fatal("expected a measurement sighting for r1")
	}
	if sighting.Start != 61000 {
		t.Errorf("Start = %d, want 61000", sighting.Start)
	}

	if len(res.DataBuckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(res.DataBuckets))
	}
	b := res.DataBuckets[0]
	if b.Start != 60000 || b.End != 120000 {
		t.Errorf("bucket bounds = [%d,%d), want [60000,120000)", b.Start, b.End)
	}
	if !b.ValueTypes["input"] {
		t.Error("expected value type 'input' on bucket")
	}
}

func TestCoalesce_EarliestStartWins(t *testing.T) {
	data := []message.DataMessage{
		{DataType: "cpu", Identifier: "r1", Time: 120500, Interval: 60, Values: map[string]*float64{"input": floatp(2)}, Meta: map[string]any{"router": "r1"}},
		{DataType: "cpu", Identifier: "r1", Time: 61000, Interval: 60, Values: map[string]*float64{"input": floatp(1)}, Meta: map[string]any{"router": "r1"}},
	}

	res := Coalesce(data, nil)

	sighting := res.Measurements["cpu"]["r1"]
	if sighting.Start != 61000 {
		t.Errorf("Start = %d, want 61000 (earliest sample, not batch order)", sighting.Start)
	}
}

func TestCoalesce_PointsGroupByBucketAcrossTimes(t *testing.T) {
	data := []message.DataMessage{
		{DataType: "cpu", Identifier: "r1", Time: 60060, Interval: 60, Values: map[string]*float64{"input": floatp(1)}},
		{DataType: "cpu", Identifier: "r1", Time: 119000, Interval: 60, Values: map[string]*float64{"input": floatp(2)}},
		{DataType: "cpu", Identifier: "r1", Time: 120500, Interval: 60, Values: map[string]*float64{"input": floatp(3)}},
	}

	res := Coalesce(data, nil)

	if len(res.DataBuckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(res.DataBuckets))
	}
	var firstBucketPoints, secondBucketPoints int
	for _, b := range res.DataBuckets {
		switch b.Start {
		case 60000:
			firstBucketPoints = len(b.Points)
		case 120000:
			secondBucketPoints = len(b.Points)
		}
	}
	if firstBucketPoints != 2 {
		t.Errorf("bucket [60000,120000) points = %d, want 2", firstBucketPoints)
	}
	if secondBucketPoints != 1 {
		t.Errorf("bucket [120000,180000) points = %d, want 1", secondBucketPoints)
	}
}

func TestCoalesce_EventMergeLastWriterWins(t *testing.T) {
	events := []message.EventMessage{
		{DataType: "cpu", EventType: "reboot", Start: 100, End: 200, Identifier: "r1", Text: "first"},
		{DataType: "cpu", EventType: "reboot", Start: 100, End: 200, Identifier: "r1", Text: "second"},
		{DataType: "cpu", EventType: "reboot", Start: 150, End: 250, Identifier: "r2", Text: "third"},
	}

	res := Coalesce(nil, events)

	if len(res.EventBuckets) != 1 {
		t.Fatalf("expected all three events in one bucket, got %d buckets", len(res.EventBuckets))
	}
	bucket := res.EventBuckets[0]
	if len(bucket.Events) != 2 {
		t.Fatalf("expected 2 distinct (start,identifier) keys, got %d", len(bucket.Events))
	}
	r1Event := bucket.Events[eventKey{start: 100, identifier: "r1"}]
	if r1Event.Text != "second" {
		t.Errorf("Text = %q, want %q (later write wins)", r1Event.Text, "second")
	}
}

func TestCoalesce_NullValueRecorded(t *testing.T) {
	data := []message.DataMessage{
		{DataType: "cpu", Identifier: "r1", Time: 61000, Interval: 60, Values: map[string]*float64{"input": nil}},
	}

	res := Coalesce(data, nil)
	if len(res.DataBuckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(res.DataBuckets))
	}
	b := res.DataBuckets[0]
	if len(b.Points) != 1 || b.Points[0].Value != nil {
		t.Fatalf("expected one null-valued point, got %+v", b.Points)
	}
	if !b.ValueTypes["input"] {
		t.Error("value type should still be recorded even for a null value")
	}
}
