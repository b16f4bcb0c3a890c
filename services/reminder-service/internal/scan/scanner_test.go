package scan

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeStore struct {
	bookings []Booking
	claimed  map[string]bool
	failOn   map[string]error // booking_id/channel -> error
	payloads []map[string]any
}

func newFakeStore(bookings ...Booking) *fakeStore {
	return &fakeStore{
		bookings: bookings,
		claimed:  make(map[string]bool),
		failOn:   make(map[string]error),
	}
}

func (f *fakeStore) ListUpcoming(_ context.Context, from, to time.Time) ([]Booking, error) {
	var out []Booking
	for _, b := range f.bookings {
		if !b.StartTime.Before(from) && b.StartTime.Before(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) DispatchReminder(_ context.Context, b Booking, channel string, payload []byte) (bool, error) {
	key := b.ID + "/" + channel
	if err := f.failOn[key]; err != nil {
		return false, err
	}
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return false, err
	}
	f.payloads = append(f.payloads, decoded)
	return true, nil
}

func testScanner(store Store, lookahead time.Duration) *Scanner {
	return NewScanner(store, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Lookahead: lookahead})
}

func booking(id string, start time.Time, email, phone string) Booking {
	return Booking{
		ID:            id,
		ProviderID:    "prov-1",
		ServiceID:     "svc-1",
		CustomerName:  "Tamanna",
		CustomerEmail: email,
		CustomerPhone: phone,
		StartTime:     start,
	}
}

func TestScanOnce_WindowBounds(t *testing.T) {
	now := time.Date(2026, 4, 3, 9, 0, 0, 0, time.UTC)
	store := newFakeStore(
		booking("past", now.Add(-time.Minute), "a@x.test", ""),
		booking("at-now", now, "b@x.test", ""),
		booking("inside", now.Add(59*time.Minute), "c@x.test", ""),
		booking("at-edge", now.Add(time.Hour), "d@x.test", ""),
	)
	s := testScanner(store, time.Hour)

	n, err := s.ScanOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("dispatched = %d, want 2", n)
	}
	if !store.claimed["at-now/email"] || !store.claimed["inside/email"] {
		t.Fatalf("wrong bookings claimed: %v", store.claimed)
	}
	if store.claimed["past/email"] || store.claimed["at-edge/email"] {
		t.Fatalf("out-of-window booking claimed: %v", store.claimed)
	}
}

func TestScanOnce_ChannelPerRecipient(t *testing.T) {
	now := time.Date(2026, 4, 3, 9, 0, 0, 0, time.UTC)
	store := newFakeStore(
		booking("both", now.Add(10*time.Minute), "a@x.test", "+8801711111111"),
		booking("email-only", now.Add(20*time.Minute), "b@x.test", ""),
		booking("neither", now.Add(30*time.Minute), "", ""),
	)
	s := testScanner(store, time.Hour)

	n, err := s.ScanOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 3 {
		t.Fatalf("dispatched = %d, want 3", n)
	}
	if !store.claimed["both/sms"] {
		t.Fatal("sms reminder not dispatched for booking with a phone number")
	}
	if store.claimed["email-only/sms"] || store.claimed["neither/email"] {
		t.Fatalf("dispatched to a missing recipient: %v", store.claimed)
	}
}

func TestScanOnce_RescanIsIdempotent(t *testing.T) {
	now := time.Date(2026, 4, 3, 9, 0, 0, 0, time.UTC)
	store := newFakeStore(booking("b1", now.Add(15*time.Minute), "a@x.test", ""))
	s := testScanner(store, time.Hour)

	first, err := s.ScanOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	second, err := s.ScanOnce(context.Background(), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if first != 1 || second != 0 {
		t.Fatalf("dispatched = %d then %d, want 1 then 0", first, second)
	}
}

func TestScanOnce_OneFailureDoesNotAbortBatch(t *testing.T) {
	now := time.Date(2026, 4, 3, 9, 0, 0, 0, time.UTC)
	store := newFakeStore(
		booking("bad", now.Add(5*time.Minute), "a@x.test", ""),
		booking("good", now.Add(10*time.Minute), "b@x.test", ""),
	)
	store.failOn["bad/email"] = errors.New("smtp relay down")
	s := testScanner(store, time.Hour)

	n, err := s.ScanOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("dispatched = %d, want 1", n)
	}
	if !store.claimed["good/email"] {
		t.Fatal("healthy booking was skipped after another booking failed")
	}
}

func TestScanOnce_PayloadContents(t *testing.T) {
	now := time.Date(2026, 4, 3, 9, 0, 0, 0, time.UTC)
	start := now.Add(45 * time.Minute)
	store := newFakeStore(booking("b1", start, "a@x.test", ""))
	s := testScanner(store, time.Hour)

	if _, err := s.ScanOnce(context.Background(), now); err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if len(store.payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(store.payloads))
	}
	p := store.payloads[0]
	if p["booking_id"] != "b1" || p["channel"] != "email" || p["recipient"] != "a@x.test" {
		t.Fatalf("unexpected payload: %v", p)
	}
	if p["start_time"] != start.Format(time.RFC3339) {
		t.Fatalf("start_time = %v, want %s", p["start_time"], start.Format(time.RFC3339))
	}
}
