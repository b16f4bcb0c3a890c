package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/arif-hossain/chairbook/libs/db"
	"github.com/arif-hossain/chairbook/libs/outbox"
	"github.com/arif-hossain/chairbook/services/reminder-service/internal/scan"
)

// Repository reads upcoming bookings and records reminder dispatches. The
// dedup marker and the outbox event are written in one transaction so a
// reminder is either fully claimed or not claimed at all.
type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool, outbox: outbox.NewRepository(pool)}
}

// ListUpcoming returns non-cancelled bookings starting within [from, to),
// ordered by start time. Plain reads only; this never blocks writers.
func (r *Repository) ListUpcoming(ctx context.Context, from, to time.Time) ([]scan.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, provider_id, service_id, customer_name, customer_email, customer_phone, start_time
		FROM bookings
		WHERE status <> 'cancelled'
		  AND start_time >= $1
		  AND start_time < $2
		ORDER BY start_time`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("list upcoming bookings: %w", err)
	}
	defer rows.Close()

	var out []scan.Booking
	for rows.Next() {
		var b scan.Booking
		if err := rows.Scan(&b.ID, &b.ProviderID, &b.ServiceID, &b.CustomerName, &b.CustomerEmail, &b.CustomerPhone, &b.StartTime); err != nil {
			return nil, fmt.Errorf("scan upcoming booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DispatchReminder claims the (booking, channel) dedup marker and enqueues the
// reminder.due event. Returns false without error when the marker already
// exists, which is how re-runs and overlapping scans stay idempotent.
func (r *Repository) DispatchReminder(ctx context.Context, b scan.Booking, channel string, payload []byte) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin dispatch tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO reminder_dispatch (booking_id, channel)
		VALUES ($1, $2)
		ON CONFLICT (booking_id, channel) DO NOTHING`,
		b.ID, channel)
	if err != nil {
		return false, fmt.Errorf("claim reminder dispatch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := r.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "booking",
		AggregateID:   b.ID,
		EventType:     "reminder.due.v1",
		Payload:       payload,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit dispatch tx: %w", err)
	}
	return true, nil
}
