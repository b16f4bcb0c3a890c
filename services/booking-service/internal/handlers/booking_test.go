package handlers

import (
	"testing"
	"time"

	"github.com/arif-hossain/chairbook/services/booking-service/internal/model"
)

func TestDayWindow(t *testing.T) {
	start, end, ok := dayWindow("2026-03-12", "", "")
	if !ok {
		t.Fatal("expected valid window")
	}
	if start.Hour() != 9 || end.Hour() != 18 {
		t.Fatalf("expected 09:00-18:00 defaults, got %s-%s", start, end)
	}
	if start.Location() != time.UTC {
		t.Fatal("window must be UTC")
	}

	if _, _, ok := dayWindow("12-03-2026", "", ""); ok {
		t.Fatal("expected invalid date to fail")
	}
	if _, _, ok := dayWindow("2026-03-12", "18:00", "09:00"); ok {
		t.Fatal("expected inverted window to fail")
	}
}

func TestStatusTransitionAllowed(t *testing.T) {
	if !statusTransitionAllowed(model.StatusPending, model.StatusConfirmed) {
		t.Fatal("pending -> confirmed must be allowed")
	}
	if !statusTransitionAllowed(model.StatusConfirmed, model.StatusCompleted) {
		t.Fatal("confirmed -> completed must be allowed")
	}
	if statusTransitionAllowed(model.StatusCompleted, model.StatusConfirmed) {
		t.Fatal("completed is terminal")
	}
	if statusTransitionAllowed(model.StatusCancelled, model.StatusConfirmed) {
		t.Fatal("cancelled is terminal")
	}
}
