// Package scan implements the reminder lookahead scan: a read-only pass over
// upcoming bookings that hands each one to the notification pipeline. The
// scan never locks booking rows and tolerates a slightly stale snapshot.
package scan

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Booking is the slice of a booking record the scan needs.
type Booking struct {
	ID            string
	ProviderID    string
	ServiceID     string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	StartTime     time.Time
}

// Store is the scan's view of storage. DispatchReminder must atomically claim
// the per-(booking, channel) dedup marker and enqueue the reminder event in
// one transaction, returning false when the marker was already claimed — that
// marker is what keeps overlapping or re-run scans from double-dispatching.
type Store interface {
	ListUpcoming(ctx context.Context, from, to time.Time) ([]Booking, error)
	DispatchReminder(ctx context.Context, b Booking, channel string, payload []byte) (bool, error)
}

type Scanner struct {
	store     Store
	logger    *slog.Logger
	lookahead time.Duration
}

type Config struct {
	Lookahead time.Duration
}

func NewScanner(store Store, logger *slog.Logger, cfg Config) *Scanner {
	lookahead := cfg.Lookahead
	if lookahead <= 0 {
		lookahead = time.Hour
	}
	return &Scanner{
		store:     store,
		logger:    logger,
		lookahead: lookahead,
	}
}

// Run invokes the scan on a fixed interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("reminder scan failed", "err", err)
			}
		}
	}
}

// ScanOnce selects every non-cancelled booking starting within
// [now, now+lookahead) and dispatches one reminder per available channel.
// now is a parameter, not sampled inside, so scans are deterministic and
// replayable. A failure for one booking is logged and skipped; it never
// aborts the rest of the batch.
func (s *Scanner) ScanOnce(ctx context.Context, now time.Time) (int, error) {
	upcoming, err := s.store.ListUpcoming(ctx, now, now.Add(s.lookahead))
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, b := range upcoming {
		for _, target := range []struct {
			channel   string
			recipient string
		}{
			{"email", b.CustomerEmail},
			{"sms", b.CustomerPhone},
		} {
			channel, recipient := target.channel, target.recipient
			if recipient == "" {
				continue
			}
			payload, err := json.Marshal(map[string]any{
				"booking_id":    b.ID,
				"provider_id":   b.ProviderID,
				"service_id":    b.ServiceID,
				"channel":       channel,
				"recipient":     recipient,
				"customer_name": b.CustomerName,
				"start_time":    b.StartTime.UTC().Format(time.RFC3339),
			})
			if err != nil {
				s.logger.Error("failed to build reminder payload", "err", err, "booking_id", b.ID)
				continue
			}
			claimed, err := s.store.DispatchReminder(ctx, b, channel, payload)
			if err != nil {
				s.logger.Error("reminder dispatch failed", "err", err, "booking_id", b.ID, "channel", channel)
				continue
			}
			if claimed {
				dispatched++
			}
		}
	}
	return dispatched, nil
}
