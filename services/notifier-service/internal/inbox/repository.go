package inbox

import (
	"context"
	"errors"

	"github.com/arif-hossain/chairbook/libs/db"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the consumer-side dedup table. Record returns false when the
// event id was seen before; the unique constraint is the source of truth, so
// concurrent consumers of the same partition rebalance safely.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Record(ctx context.Context, eventID string, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, nil
	}

	return false, err
}

// Forget removes the dedup row so a redelivered event is handled again.
// The consumer calls it when handling fails after Record already succeeded;
// leaving the row would mark the event consumed with nothing done for it.
func (r *Repository) Forget(ctx context.Context, eventID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM inbox_events
		WHERE event_id = $1
	`, eventID)
	return err
}
