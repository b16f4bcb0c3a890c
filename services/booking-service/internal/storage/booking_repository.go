package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arif-hossain/chairbook/libs/db"
	"github.com/arif-hossain/chairbook/services/booking-service/internal/guard"
	"github.com/arif-hossain/chairbook/services/booking-service/internal/model"
)

const bookingColumns = `id::text, provider_id::text, service_id::text, customer_name, customer_email, customer_phone,
	start_time, end_time, status, cancelled_at, COALESCE(cancel_reason, ''), created_at`

type BookingRepository struct {
	pool *db.Pool
}

func NewBookingRepository(pool *db.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

func (r *BookingRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Guard adapts a pgx transaction to the conflict guard's port.
func (r *BookingRepository) Guard(tx pgx.Tx) guard.Tx {
	return &guardTx{tx: tx}
}

type guardTx struct {
	tx pgx.Tx
}

func (g *guardTx) ServiceDuration(ctx context.Context, serviceID string) (int, error) {
	var mins int
	err := g.tx.QueryRow(ctx, `
		SELECT duration_minutes
		FROM provider_services
		WHERE id = $1
	`, serviceID).Scan(&mins)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, guard.ErrServiceNotFound
	}
	if err != nil {
		return 0, err
	}
	return mins, nil
}

// LockProviderBookings takes exclusive row locks on every non-cancelled
// booking of the provider, in start order. The deterministic single-pass
// order is what keeps concurrent guards free of circular waits; the lock
// scope (one provider) is what keeps unrelated providers from serializing
// against each other. A booking being rescheduled is locked here with the
// rest, never by id beforehand, so the order holds across create and
// reschedule transactions alike.
func (g *guardTx) LockProviderBookings(ctx context.Context, providerID string) ([]model.Booking, error) {
	rows, err := g.tx.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
			AND status <> 'cancelled'
		ORDER BY start_time
		FOR UPDATE
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBookings(rows)
}

func (g *guardTx) LockSlot(ctx context.Context, key int64) error {
	// Transaction-scoped advisory lock: released by Postgres at commit or
	// rollback, never manually.
	_, err := g.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key)
	return err
}

func (r *BookingRepository) Create(ctx context.Context, tx pgx.Tx, b *model.Booking) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO bookings
			(id, provider_id, service_id, customer_name, customer_email, customer_phone, start_time, end_time, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, b.ID, b.ProviderID, b.ServiceID, b.CustomerName, b.CustomerEmail, b.CustomerPhone,
		b.StartTime, b.EndTime, b.Status).Scan(&b.CreatedAt)
	return err
}

// Get is a plain, lock-free read. The reschedule handler uses it to learn
// the booking's provider before the guard takes any lock at all.
func (r *BookingRepository) Get(ctx context.Context, bookingID string) (model.Booking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1
	`, bookingID)
	return scanBooking(row)
}

func (r *BookingRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, bookingID string) (model.Booking, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1
		FOR UPDATE
	`, bookingID)
	return scanBooking(row)
}

// Reschedule moves a booking to a new interval. Start and the derived end
// change together; the caller must have run the guard check, which locks
// this booking's row along with the provider's others, in the same
// transaction first.
func (r *BookingRepository) Reschedule(ctx context.Context, tx pgx.Tx, bookingID string, start, end time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET start_time = $2, end_time = $3
		WHERE id = $1 AND status <> 'cancelled'
	`, bookingID, start, end)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *BookingRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, bookingID, status string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = $2
		WHERE id = $1
	`, bookingID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *BookingRepository) Cancel(ctx context.Context, tx pgx.Tx, bookingID, reason string) (time.Time, error) {
	var cancelledAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE bookings
		SET status = 'cancelled',
			cancelled_at = now(),
			cancel_reason = $2
		WHERE id = $1
		RETURNING cancelled_at
	`, bookingID, reason).Scan(&cancelledAt)
	return cancelledAt, err
}

func (r *BookingRepository) ListByProvider(ctx context.Context, providerID string, limit int) ([]model.Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, providerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBookings(rows)
}

// ListBookedIntervals returns the provider's non-cancelled bookings that
// overlap [start, end). Plain read, no locks: the slots endpoint it feeds is
// advisory and tolerates a slightly stale snapshot.
func (r *BookingRepository) ListBookedIntervals(ctx context.Context, providerID string, start, end time.Time) ([]model.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
			AND status <> 'cancelled'
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time
	`, providerID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBookings(rows)
}

// ServiceDuration is the pool-based (non-locking) duration lookup used by
// the advisory slots endpoint. The guard uses the transactional variant.
func (r *BookingRepository) ServiceDuration(ctx context.Context, serviceID string) (int, error) {
	var mins int
	err := r.pool.QueryRow(ctx, `
		SELECT duration_minutes
		FROM provider_services
		WHERE id = $1
	`, serviceID).Scan(&mins)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, guard.ErrServiceNotFound
	}
	if err != nil {
		return 0, err
	}
	return mins, nil
}

func scanBooking(row pgx.Row) (model.Booking, error) {
	var b model.Booking
	var cancelledAt *time.Time
	err := row.Scan(
		&b.ID,
		&b.ProviderID,
		&b.ServiceID,
		&b.CustomerName,
		&b.CustomerEmail,
		&b.CustomerPhone,
		&b.StartTime,
		&b.EndTime,
		&b.Status,
		&cancelledAt,
		&b.CancelReason,
		&b.CreatedAt,
	)
	if err != nil {
		return model.Booking{}, err
	}
	b.CancelledAt = cancelledAt
	return b, nil
}

func scanBookings(rows pgx.Rows) ([]model.Booking, error) {
	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// IsConflict matches the exclusion-constraint violation raised if an
// overlapping insert somehow reaches the database's belt-and-braces
// constraint without passing the guard.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
