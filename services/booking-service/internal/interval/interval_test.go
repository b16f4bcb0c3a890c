package interval

import (
	"testing"
	"time"
)

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 12, hour, min, 0, 0, time.UTC)
}

func TestComputeEnd(t *testing.T) {
	start := at(10, 0)

	if got := ComputeEnd(start, 0); !got.Equal(start) {
		t.Fatalf("zero duration: expected %s, got %s", start, got)
	}
	if got := ComputeEnd(start, 30); got.Sub(start) != 30*time.Minute {
		t.Fatalf("30m duration: got %s", got.Sub(start))
	}
	if got := ComputeEnd(start, 60); got.Sub(start) != time.Hour {
		t.Fatalf("60m duration: got %s", got.Sub(start))
	}
}

func TestOverlaps_Disjoint(t *testing.T) {
	// 10:00-11:00 vs 12:00-13:00.
	if Overlaps(at(10, 0), at(11, 0), at(12, 0), at(13, 0)) {
		t.Fatal("disjoint intervals must not overlap")
	}
	if Overlaps(at(12, 0), at(13, 0), at(10, 0), at(11, 0)) {
		t.Fatal("disjoint intervals must not overlap (reversed)")
	}
}

func TestOverlaps_BackToBack(t *testing.T) {
	// Half-open semantics: a booking ending at 11:00 and one starting at
	// 11:00 share the boundary instant but not the slot.
	if Overlaps(at(10, 0), at(11, 0), at(11, 0), at(12, 0)) {
		t.Fatal("back-to-back intervals must not overlap")
	}
	if Overlaps(at(11, 0), at(12, 0), at(10, 0), at(11, 0)) {
		t.Fatal("back-to-back intervals must not overlap (reversed)")
	}
}

func TestOverlaps_Partial(t *testing.T) {
	// 10:00-11:00 vs 10:30-11:30.
	if !Overlaps(at(10, 0), at(11, 0), at(10, 30), at(11, 30)) {
		t.Fatal("partial overlap must conflict")
	}
	if !Overlaps(at(10, 30), at(11, 30), at(10, 0), at(11, 0)) {
		t.Fatal("partial overlap must conflict (reversed)")
	}
}

func TestOverlaps_Identical(t *testing.T) {
	if !Overlaps(at(10, 0), at(11, 0), at(10, 0), at(11, 0)) {
		t.Fatal("identical intervals must conflict")
	}
}

func TestOverlaps_Containment(t *testing.T) {
	if !Overlaps(at(10, 0), at(12, 0), at(10, 30), at(11, 0)) {
		t.Fatal("containing interval must conflict")
	}
	if !Overlaps(at(10, 30), at(11, 0), at(10, 0), at(12, 0)) {
		t.Fatal("contained interval must conflict")
	}
}

func TestOverlaps_ZeroLengthProbe(t *testing.T) {
	// A zero-length probe strictly inside an interval conflicts.
	if !Overlaps(at(10, 30), at(10, 30), at(10, 0), at(11, 0)) {
		t.Fatal("zero-length probe inside interval must conflict")
	}
	// One sitting exactly on the interval's start does not. Historical
	// contract of the overlap formula; do not "fix" without a product call.
	if Overlaps(at(10, 0), at(10, 0), at(10, 0), at(11, 0)) {
		t.Fatal("zero-length probe at interval start must not conflict")
	}
	// And a zero-length interval can never itself be overlapped against a
	// probe of positive length that ends before it starts.
	if Overlaps(at(9, 0), at(10, 0), at(10, 0), at(10, 0)) {
		t.Fatal("zero-length interval at probe end must not conflict")
	}
}

func TestAvailableSlots_CarvesOutBusy(t *testing.T) {
	windowStart := at(9, 0)
	windowEnd := at(10, 0)
	busy := []Interval{{Start: at(9, 15), End: at(9, 45)}}

	slots := AvailableSlots(windowStart, windowEnd, 15*time.Minute, 15*time.Minute, busy, at(0, 0))
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if !slots[0].Equal(at(9, 0)) || !slots[1].Equal(at(9, 45)) {
		t.Fatalf("unexpected slots: %v", slots)
	}
}

func TestAvailableSlots_SkipsPast(t *testing.T) {
	slots := AvailableSlots(at(9, 0), at(10, 0), 15*time.Minute, 15*time.Minute, nil, at(9, 31))
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	if !slots[0].Equal(at(9, 45)) {
		t.Fatalf("expected 09:45, got %s", slots[0].Format(time.RFC3339))
	}
}

func TestAvailableSlots_DurationLongerThanWindow(t *testing.T) {
	if slots := AvailableSlots(at(9, 0), at(9, 30), time.Hour, 15*time.Minute, nil, at(0, 0)); slots != nil {
		t.Fatalf("expected no slots, got %v", slots)
	}
}
