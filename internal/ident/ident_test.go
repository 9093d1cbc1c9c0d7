package ident

import "testing"

func TestBucket(t *testing.T) {
	got := Bucket("cpu", "router1", 60000, 120000)
	want := "cpu__data__router1__60000__120000"
	if got != want {
		t.Fatalf("Bucket() = %q, want %q", got, want)
	}
}

func TestBucketLock(t *testing.T) {
	got := BucketLock("cpu", "router1", 60000, 120000)
	want := "lock__cpu__data__router1__60000__120000"
	if got != want {
		t.Fatalf("BucketLock() = %q, want %q", got, want)
	}
}

func TestMeasurement(t *testing.T) {
	got := Measurement("cpu", "router1")
	want := "cpu__measurements__router1"
	if got != want {
		t.Fatalf("Measurement() = %q, want %q", got, want)
	}
}

func TestEventBucket(t *testing.T) {
	got := EventBucket("cpu", 3600, 7200)
	want := "cpu__event__3600__7200"
	if got != want {
		t.Fatalf("EventBucket() = %q, want %q", got, want)
	}
}

func TestValueType(t *testing.T) {
	got := ValueType("cpu", "input")
	want := "cpu__metadata__input"
	if got != want {
		t.Fatalf("ValueType() = %q, want %q", got, want)
	}
}
