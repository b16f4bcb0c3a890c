package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arif-hossain/chairbook/libs/db"
	"github.com/arif-hossain/chairbook/libs/outbox"
)

type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool, outbox: outbox.NewRepository(pool)}
}

// SaveNotification records one delivery attempt, kept for support queries and
// for auditing which reminders actually went out.
func (r *Repository) SaveNotification(ctx context.Context, bookingID, providerID, channel, recipient string, payload map[string]any, status string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO notifications (booking_id, provider_id, channel, recipient, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, bookingID, providerID, channel, recipient, raw, status)
	return err
}

// EnqueueResult records the delivery outcome as an outbox event so downstream
// consumers (analytics, support tooling) hear about it without the notifier
// publishing to Kafka directly.
func (r *Repository) EnqueueResult(ctx context.Context, bookingID, eventType string, payload []byte) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin result tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := r.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "notification",
		AggregateID:   bookingID,
		EventType:     eventType,
		Payload:       payload,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
