// Package deliver turns a reminder.due event into an email or SMS and records
// the outcome. Delivery failures are terminal for the message: they are
// persisted as failed notifications and reported via an outbox event, never
// retried by replaying the Kafka message.
package deliver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Reminder is the payload of a reminder.due.v1 event.
type Reminder struct {
	BookingID    string `json:"booking_id"`
	ProviderID   string `json:"provider_id"`
	ServiceID    string `json:"service_id"`
	Channel      string `json:"channel"`
	Recipient    string `json:"recipient"`
	CustomerName string `json:"customer_name"`
	StartTime    string `json:"start_time"`
}

type EmailSender interface {
	Send(to string, subject string, body string) error
}

type SMSSender interface {
	Send(ctx context.Context, to string, body string) error
	ProviderID() string
}

// Store persists the delivery attempt and its outcome event.
type Store interface {
	SaveNotification(ctx context.Context, bookingID, providerID, channel, recipient string, payload map[string]any, status string) error
	EnqueueResult(ctx context.Context, bookingID, eventType string, payload []byte) error
}

type Deliverer struct {
	email  EmailSender
	sms    SMSSender
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func New(emailSender EmailSender, smsSender SMSSender, store Store, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		email:  emailSender,
		sms:    smsSender,
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one reminder. Malformed payloads are dropped with a log
// line. A non-nil error means only that the outcome could not be persisted;
// the caller should surface it but must not re-deliver the message.
func (d *Deliverer) Handle(ctx context.Context, raw []byte) error {
	var reminder Reminder
	if err := json.Unmarshal(raw, &reminder); err != nil {
		d.logger.Error("invalid reminder payload", "err", err)
		return nil
	}
	if reminder.BookingID == "" || reminder.Channel == "" || reminder.Recipient == "" || reminder.StartTime == "" {
		d.logger.Error("missing reminder fields", "booking_id", reminder.BookingID)
		return nil
	}
	startTime, err := time.Parse(time.RFC3339, reminder.StartTime)
	if err != nil {
		d.logger.Error("invalid start_time", "err", err, "booking_id", reminder.BookingID)
		return nil
	}

	status := "sent"
	failureReason := ""
	providerID := ""

	subject, body := composeMessage(reminder, startTime)
	switch strings.ToLower(reminder.Channel) {
	case "email":
		if err := d.email.Send(reminder.Recipient, subject, body); err != nil {
			status = "failed"
			failureReason = err.Error()
			d.logger.Error("email send failed", "err", err, "booking_id", reminder.BookingID)
		} else {
			providerID = "smtp"
		}
	case "sms":
		if err := d.sms.Send(ctx, reminder.Recipient, body); err != nil {
			status = "failed"
			failureReason = err.Error()
			d.logger.Error("sms send failed", "err", err, "booking_id", reminder.BookingID)
		} else {
			providerID = d.sms.ProviderID()
		}
	default:
		status = "failed"
		failureReason = "unsupported channel: " + reminder.Channel
		d.logger.Error("unsupported channel", "channel", reminder.Channel, "booking_id", reminder.BookingID)
	}

	if err := d.store.SaveNotification(ctx, reminder.BookingID, reminder.ProviderID, reminder.Channel, reminder.Recipient, map[string]any{
		"customer_name": reminder.CustomerName,
		"start_time":    reminder.StartTime,
	}, status); err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}

	if status == "failed" {
		return d.enqueueResult(ctx, reminder, "notification.failed.v1", map[string]any{
			"booking_id":   reminder.BookingID,
			"provider_id":  reminder.ProviderID,
			"channel":      reminder.Channel,
			"error_reason": failureReason,
			"failed_at":    d.now().Format(time.RFC3339),
		})
	}
	return d.enqueueResult(ctx, reminder, "notification.sent.v1", map[string]any{
		"booking_id":  reminder.BookingID,
		"provider_id": reminder.ProviderID,
		"channel":     reminder.Channel,
		"sender_id":   providerID,
		"sent_at":     d.now().Format(time.RFC3339),
	})
}

func (d *Deliverer) enqueueResult(ctx context.Context, reminder Reminder, eventType string, fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	if err := d.store.EnqueueResult(ctx, reminder.BookingID, eventType, payload); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return nil
}

func composeMessage(reminder Reminder, startTime time.Time) (subject, body string) {
	when := startTime.Format("Mon, 2 Jan 2006 at 15:04 MST")
	subject = "Your appointment is coming up"
	greeting := "Hi"
	if reminder.CustomerName != "" {
		greeting = "Hi " + reminder.CustomerName
	}
	body = fmt.Sprintf("%s, this is a reminder for your appointment on %s. See you soon!", greeting, when)
	return subject, body
}
