package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/arif-hossain/chairbook/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Handler func(ctx context.Context, msg kafka.Message) error

// Inbox is the consumer-side dedup record keyed by event id.
type Inbox interface {
	Record(ctx context.Context, eventID, eventType string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// Consumer reads one topic with a consumer group and hands each message to
// the handler once per event id, using the inbox table as the dedup record.
// Offsets are committed only after the handler (or the dedup skip) succeeds.
// When the handler fails, the inbox row is removed again and the offset left
// uncommitted, so the event is handled on redelivery instead of being
// silently marked consumed.
type Consumer struct {
	logger  *slog.Logger
	inbox   Inbox
	cfg     Config
	handler Handler
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
}

func New(logger *slog.Logger, inboxRepo Inbox, cfg Config, handler Handler) *Consumer {
	return &Consumer{
		logger:  logger,
		inbox:   inboxRepo,
		cfg:     cfg,
		handler: handler,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkax.SplitBrokers(c.cfg.Brokers),
		GroupID:  c.cfg.GroupID,
		Topic:    c.cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if !c.process(ctx, msg) {
			continue
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka commit error", "err", err)
		}
	}
}

// process returns true when the message's offset may be committed: either the
// handler ran to completion or the event id had already been handled.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	ctx = kafkax.ExtractTraceContext(ctx, msg)
	ctx, span := otel.Tracer("kafka").Start(ctx, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)

	fresh, err := c.inbox.Record(ctx, meta.EventID, meta.EventType)
	if err != nil {
		c.logger.Error("inbox record failed", "err", err, "event_id", meta.EventID)
		span.RecordError(err)
		return false
	}
	if !fresh {
		c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		return true
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("handler error", "err", err, "event_id", meta.EventID)
		span.RecordError(err)
		if forgetErr := c.inbox.Forget(ctx, meta.EventID); forgetErr != nil {
			c.logger.Error("inbox forget failed", "err", forgetErr, "event_id", meta.EventID)
		}
		return false
	}
	return true
}
