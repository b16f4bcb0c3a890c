package guard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/arif-hossain/chairbook/services/booking-service/internal/model"
)

// memStore is an in-memory stand-in for the transactional storage layer. It
// reproduces the semantics the guard depends on: exclusive per-row locks
// taken in a single pass in start order and held until the transaction
// ends, and writes that only become visible to other transactions at
// commit.
type memStore struct {
	mu       sync.Mutex
	services map[string]int
	bookings map[string][]model.Booking // by provider

	lockMu    sync.Mutex
	rowLocks  map[string]*sync.Mutex
	slotLocks map[int64]*sync.Mutex
}

func newMemStore() *memStore {
	return &memStore{
		services:  map[string]int{},
		bookings:  map[string][]model.Booking{},
		rowLocks:  map[string]*sync.Mutex{},
		slotLocks: map[int64]*sync.Mutex{},
	}
}

func (s *memStore) rowLock(bookingID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.rowLocks[bookingID] == nil {
		s.rowLocks[bookingID] = &sync.Mutex{}
	}
	return s.rowLocks[bookingID]
}

func (s *memStore) slotLock(key int64) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.slotLocks[key] == nil {
		s.slotLocks[key] = &sync.Mutex{}
	}
	return s.slotLocks[key]
}

func (s *memStore) Begin() *memTx {
	return &memTx{store: s}
}

type memTx struct {
	store   *memStore
	held    []*sync.Mutex
	pending []model.Booking
	done    bool
}

func (tx *memTx) ServiceDuration(_ context.Context, serviceID string) (int, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	mins, ok := tx.store.services[serviceID]
	if !ok {
		return 0, ErrServiceNotFound
	}
	return mins, nil
}

func (tx *memTx) LockProviderBookings(_ context.Context, providerID string) ([]model.Booking, error) {
	tx.store.mu.Lock()
	var out []model.Booking
	for _, b := range tx.store.bookings[providerID] {
		if !b.Active() {
			continue
		}
		out = append(out, b)
	}
	tx.store.mu.Unlock()

	// Single pass in start order; each lock blocks until the holding
	// transaction commits or rolls back.
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	for _, b := range out {
		mu := tx.store.rowLock(b.ID)
		mu.Lock()
		tx.held = append(tx.held, mu)
	}
	return out, nil
}

func (tx *memTx) LockSlot(_ context.Context, key int64) error {
	mu := tx.store.slotLock(key)
	mu.Lock()
	tx.held = append(tx.held, mu)
	return nil
}

func (tx *memTx) Insert(b model.Booking) {
	tx.pending = append(tx.pending, b)
}

func (tx *memTx) Commit() {
	if tx.done {
		return
	}
	tx.store.mu.Lock()
	for _, b := range tx.pending {
		tx.store.bookings[b.ProviderID] = append(tx.store.bookings[b.ProviderID], b)
	}
	tx.store.mu.Unlock()
	tx.release()
}

func (tx *memTx) Rollback() {
	if tx.done {
		return
	}
	tx.release()
}

func (tx *memTx) release() {
	tx.done = true
	for i := len(tx.held) - 1; i >= 0; i-- {
		tx.held[i].Unlock()
	}
	tx.held = nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 12, hour, min, 0, 0, time.UTC)
}

func TestCheck_ServiceNotFound(t *testing.T) {
	store := newMemStore()
	g := New(testLogger(), Options{})

	tx := store.Begin()
	defer tx.Rollback()
	b := &model.Booking{ID: "b1", ProviderID: "p1", ServiceID: "missing", StartTime: at(10, 0)}
	if err := g.Check(context.Background(), tx, b); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestCheck_OverwritesClientEnd(t *testing.T) {
	store := newMemStore()
	store.services["cut"] = 30
	g := New(testLogger(), Options{})

	tx := store.Begin()
	defer tx.Rollback()
	// The client claims a 1-minute booking; the guard must recompute the end
	// from the service duration.
	b := &model.Booking{
		ID:         "b1",
		ProviderID: "p1",
		ServiceID:  "cut",
		StartTime:  at(10, 0),
		EndTime:    at(10, 1),
	}
	if err := g.Check(context.Background(), tx, b); err != nil {
		t.Fatalf("check: %v", err)
	}
	if !b.EndTime.Equal(at(10, 30)) {
		t.Fatalf("expected end 10:30, got %s", b.EndTime.Format(time.RFC3339))
	}
}

func TestCheck_ConflictAndFreeSlots(t *testing.T) {
	store := newMemStore()
	store.services["cut"] = 60
	store.bookings["p1"] = []model.Booking{
		{ID: "existing", ProviderID: "p1", StartTime: at(10, 0), EndTime: at(11, 0), Status: model.StatusConfirmed},
	}
	g := New(testLogger(), Options{})

	// Overlapping request fails.
	tx := store.Begin()
	b := &model.Booking{ID: "b1", ProviderID: "p1", ServiceID: "cut", StartTime: at(10, 30)}
	if err := g.Check(context.Background(), tx, b); !errors.Is(err, ErrBookingConflict) {
		t.Fatalf("expected ErrBookingConflict, got %v", err)
	}
	tx.Rollback()

	// Back-to-back request succeeds.
	tx = store.Begin()
	b = &model.Booking{ID: "b2", ProviderID: "p1", ServiceID: "cut", StartTime: at(11, 0)}
	if err := g.Check(context.Background(), tx, b); err != nil {
		t.Fatalf("back-to-back check: %v", err)
	}
	tx.Rollback()

	// A different provider never contends.
	tx = store.Begin()
	b = &model.Booking{ID: "b3", ProviderID: "p2", ServiceID: "cut", StartTime: at(10, 0)}
	if err := g.Check(context.Background(), tx, b); err != nil {
		t.Fatalf("other provider check: %v", err)
	}
	tx.Rollback()
}

func TestCheck_CancelledBookingFreesSlot(t *testing.T) {
	store := newMemStore()
	store.services["cut"] = 60
	store.bookings["p1"] = []model.Booking{
		{ID: "existing", ProviderID: "p1", StartTime: at(10, 0), EndTime: at(11, 0), Status: model.StatusCancelled},
	}
	g := New(testLogger(), Options{})

	tx := store.Begin()
	defer tx.Rollback()
	b := &model.Booking{ID: "b1", ProviderID: "p1", ServiceID: "cut", StartTime: at(10, 0)}
	if err := g.Check(context.Background(), tx, b); err != nil {
		t.Fatalf("cancelled booking must not block: %v", err)
	}
}

func TestCheck_RescheduleExcludesSelf(t *testing.T) {
	store := newMemStore()
	store.services["cut"] = 60
	store.bookings["p1"] = []model.Booking{
		{ID: "self", ProviderID: "p1", StartTime: at(10, 0), EndTime: at(11, 0), Status: model.StatusConfirmed},
	}
	g := New(testLogger(), Options{})

	// Moving a booking 30 minutes later overlaps its own old interval, which
	// must not count as a conflict.
	tx := store.Begin()
	defer tx.Rollback()
	b := &model.Booking{ID: "self", ProviderID: "p1", ServiceID: "cut", StartTime: at(10, 30)}
	if err := g.Check(context.Background(), tx, b); err != nil {
		t.Fatalf("reschedule against own interval: %v", err)
	}
}

// Two transactions moving different bookings of the same provider must take
// their row locks inside the ordered scan and nowhere else. If either locked
// its own row by id first, the scans would wait on each other's rows and
// never finish.
func TestCheck_ConcurrentReschedulers_NoCircularWait(t *testing.T) {
	store := newMemStore()
	store.services["cut"] = 60
	store.bookings["p1"] = []model.Booking{
		{ID: "a", ProviderID: "p1", StartTime: at(10, 0), EndTime: at(11, 0), Status: model.StatusConfirmed},
		{ID: "b", ProviderID: "p1", StartTime: at(11, 0), EndTime: at(12, 0), Status: model.StatusConfirmed},
	}
	g := New(testLogger(), Options{SlotLock: true, SlotBucket: time.Minute})

	moves := []*model.Booking{
		{ID: "a", ProviderID: "p1", ServiceID: "cut", StartTime: at(13, 0), Status: model.StatusConfirmed},
		{ID: "b", ProviderID: "p1", ServiceID: "cut", StartTime: at(14, 0), Status: model.StatusConfirmed},
	}

	errs := make([]error, len(moves))
	var wg sync.WaitGroup
	for i, b := range moves {
		wg.Add(1)
		go func(i int, b *model.Booking) {
			defer wg.Done()
			tx := store.Begin()
			errs[i] = g.Check(context.Background(), tx, b)
			tx.Commit()
		}(i, b)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("rescheduling transactions wedged waiting on each other")
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}
}

func runRace(t *testing.T, g *Guard, store *memStore, bookings []*model.Booking) (wins, conflicts int) {
	t.Helper()
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, b := range bookings {
		wg.Add(1)
		go func(b *model.Booking) {
			defer wg.Done()
			tx := store.Begin()
			err := g.Check(context.Background(), tx, b)
			switch {
			case err == nil:
				tx.Insert(*b)
				tx.Commit()
				mu.Lock()
				wins++
				mu.Unlock()
			case errors.Is(err, ErrBookingConflict):
				tx.Rollback()
				mu.Lock()
				conflicts++
				mu.Unlock()
			default:
				tx.Rollback()
				t.Errorf("unexpected error: %v", err)
			}
		}(b)
	}
	wg.Wait()
	return wins, conflicts
}

func TestCheck_ConcurrentOverlappingWriters_ExactlyOneWins(t *testing.T) {
	const n = 16
	store := newMemStore()
	store.services["cut"] = 60
	g := New(testLogger(), Options{SlotLock: true, SlotBucket: time.Minute})

	var bookings []*model.Booking
	for i := 0; i < n; i++ {
		bookings = append(bookings, &model.Booking{
			ID:         "b" + string(rune('a'+i)),
			ProviderID: "p1",
			ServiceID:  "cut",
			StartTime:  at(10, 0),
			Status:     model.StatusPending,
		})
	}

	wins, conflicts := runRace(t, g, store, bookings)
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d/%d", n-1, wins, conflicts)
	}
	if got := len(store.bookings["p1"]); got != 1 {
		t.Fatalf("expected 1 committed booking, got %d", got)
	}
}

func TestCheck_ConcurrentDisjointWriters_AllWin(t *testing.T) {
	const n = 8
	store := newMemStore()
	store.services["cut"] = 60
	g := New(testLogger(), Options{})

	var bookings []*model.Booking
	for i := 0; i < n; i++ {
		bookings = append(bookings, &model.Booking{
			ID:         "b" + string(rune('a'+i)),
			ProviderID: "p1",
			ServiceID:  "cut",
			StartTime:  at(9+i, 0),
			Status:     model.StatusPending,
		})
	}

	wins, conflicts := runRace(t, g, store, bookings)
	if wins != n || conflicts != 0 {
		t.Fatalf("expected %d winners and 0 conflicts, got %d/%d", n, wins, conflicts)
	}
}

func TestSlotKey(t *testing.T) {
	bucket := at(10, 0)
	if SlotKey("p1", bucket) != SlotKey("p1", bucket) {
		t.Fatal("slot key must be deterministic")
	}
	if SlotKey("p1", bucket) == SlotKey("p2", bucket) {
		t.Fatal("different providers should map to different keys")
	}
	if SlotKey("p1", bucket) == SlotKey("p1", bucket.Add(time.Minute)) {
		t.Fatal("different buckets should map to different keys")
	}
}
