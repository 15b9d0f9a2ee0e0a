package telemetry

import (
	"errors"
	"testing"
)

func TestDecodeValidBatch(t *testing.T) {
	payload := []byte(`{"v":1,"seq":7,"ts":1234.5,"events":[
		{"timestampMs":10,"x":1,"y":2,"kind":"move"},
		{"timestampMs":20,"x":3,"y":4,"kind":"down","isPressed":true}]}`)

	b, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b.Seq != 7 || len(b.Events) != 2 {
		t.Fatalf("unexpected batch: %+v", b)
	}
	if b.Events[1].Kind != EventDown || !b.Events[1].IsPressed {
		t.Fatalf("unexpected event: %+v", b.Events[1])
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	_, err := Decode([]byte(`{"v":2,"seq":1,"events":[]}`))
	var vErr *ErrUnsupportedVersion
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	if vErr.Got != 2 {
		t.Fatalf("expected version 2 in error, got %d", vErr.Got)
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	if _, err := Decode([]byte(`{"v":1,`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestSortByTimestampStable(t *testing.T) {
	samples := []PointerSample{
		{TimestampMs: 30, PointerID: 1},
		{TimestampMs: 10, PointerID: 2},
		{TimestampMs: 10, PointerID: 3},
		{TimestampMs: 20, PointerID: 4},
	}
	SortByTimestamp(samples)

	want := []int{2, 3, 4, 1}
	for i, id := range want {
		if samples[i].PointerID != id {
			t.Fatalf("position %d: expected pointer %d, got %d", i, id, samples[i].PointerID)
		}
	}
}

func TestFilterRangeBoundaries(t *testing.T) {
	samples := []PointerSample{
		{TimestampMs: 0}, {TimestampMs: 100}, {TimestampMs: 200}, {TimestampMs: 300},
	}

	// Half-open interval: start inclusive, end exclusive.
	got := FilterRange(samples, 100, 300)
	if len(got) != 2 || got[0].TimestampMs != 100 || got[1].TimestampMs != 200 {
		t.Fatalf("unexpected range: %+v", got)
	}

	if got := FilterRange(samples, 400, 500); got != nil {
		t.Fatalf("expected nil for empty range, got %+v", got)
	}
	if got := FilterRange(samples, 0, 1000); len(got) != 4 {
		t.Fatalf("expected full slice, got %d", len(got))
	}
}
