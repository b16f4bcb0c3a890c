// Package guard implements the conflict check that makes "verify the slot is
// free, then write" atomic for concurrent booking attempts. It is expressed
// as an explicit procedure over a small transaction port instead of a
// database trigger so the locking algorithm is unit-testable against an
// in-memory transactional fake.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arif-hossain/chairbook/services/booking-service/internal/interval"
	"github.com/arif-hossain/chairbook/services/booking-service/internal/model"
)

var (
	// ErrServiceNotFound means the booking references an unknown service.
	// Fatal to the request; the caller must fix it, not retry.
	ErrServiceNotFound = errors.New("service not found")

	// ErrBookingConflict means at least one non-cancelled booking overlaps
	// the requested interval. Expected and recoverable: the caller should
	// re-query slots and pick a different start.
	ErrBookingConflict = errors.New("booking conflict")

	// ErrInvalidDuration means the resolved service duration is negative.
	ErrInvalidDuration = errors.New("invalid service duration")
)

// Tx is what the guard needs from the ambient storage transaction. The row
// lock scan is the correctness mechanism: it must take exclusive locks on
// every returned row so that a second transaction touching an overlapping
// interval blocks until this one commits or rolls back.
type Tx interface {
	// ServiceDuration resolves the service's duration in minutes, returning
	// ErrServiceNotFound when the service does not exist.
	ServiceDuration(ctx context.Context, serviceID string) (int, error)

	// LockProviderBookings returns the provider's non-cancelled bookings,
	// the checked booking's own row included when it already exists, with an
	// exclusive row lock on each. Rows must be locked in a single pass in
	// deterministic start order so concurrent guards cannot deadlock, and
	// the transaction must not hold any other booking row lock before this
	// scan runs.
	LockProviderBookings(ctx context.Context, providerID string) ([]model.Booking, error)

	// LockSlot blocks until the transaction holds the advisory lock for key.
	// The lock is released automatically at commit or rollback; callers must
	// never release it by hand.
	LockSlot(ctx context.Context, key int64) error
}

type Options struct {
	// SlotLock enables the advisory pre-lock on (provider, start bucket).
	// It only serializes contending writers before the heavier row scan; the
	// row scan stays authoritative whether or not it is on.
	SlotLock bool

	// SlotBucket is the coarse time bucket the advisory key is derived from.
	SlotBucket time.Duration
}

type Guard struct {
	logger     *slog.Logger
	slotLock   bool
	slotBucket time.Duration
}

func New(logger *slog.Logger, opts Options) *Guard {
	bucket := opts.SlotBucket
	if bucket <= 0 {
		bucket = time.Minute
	}
	return &Guard{
		logger:     logger,
		slotLock:   opts.SlotLock,
		slotBucket: bucket,
	}
}

// Check runs the conflict detection for b inside the caller's transaction.
// It resolves the service duration, recomputes b.EndTime (overwriting any
// client-supplied value so a forged shorter interval cannot smuggle in an
// overlap), locks the provider's non-cancelled rows, and counts true
// overlaps. On a reschedule the booking's own row is locked along with the
// rest and skipped when counting, so callers never lock it separately
// beforehand. A nil return means the caller may insert or update b within
// the same transaction; the locks are held until that transaction ends.
func (g *Guard) Check(ctx context.Context, tx Tx, b *model.Booking) error {
	mins, err := tx.ServiceDuration(ctx, b.ServiceID)
	if err != nil {
		return err
	}
	if mins < 0 {
		return fmt.Errorf("%w: service %s has duration %d minutes", ErrInvalidDuration, b.ServiceID, mins)
	}
	b.EndTime = interval.ComputeEnd(b.StartTime, mins)

	if g.slotLock {
		key := SlotKey(b.ProviderID, b.StartTime.Truncate(g.slotBucket))
		if err := tx.LockSlot(ctx, key); err != nil {
			return err
		}
	}

	others, err := tx.LockProviderBookings(ctx, b.ProviderID)
	if err != nil {
		return err
	}

	conflicts := 0
	for _, other := range others {
		if other.ID == b.ID || !other.Active() {
			continue
		}
		if interval.Overlaps(b.StartTime, b.EndTime, other.StartTime, other.EndTime) {
			conflicts++
		}
	}
	if conflicts > 0 {
		g.logger.Info("booking conflict detected",
			"provider_id", b.ProviderID,
			"start", b.StartTime.UTC().Format(time.RFC3339),
			"conflicts", conflicts,
		)
		return ErrBookingConflict
	}
	return nil
}
