package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/arif-hossain/chairbook/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

type fakeInbox struct {
	fresh     bool
	recordErr error
	forgetErr error

	recorded  []string
	forgotten []string
}

func (f *fakeInbox) Record(_ context.Context, eventID, _ string) (bool, error) {
	f.recorded = append(f.recorded, eventID)
	return f.fresh, f.recordErr
}

func (f *fakeInbox) Forget(_ context.Context, eventID string) error {
	f.forgotten = append(f.forgotten, eventID)
	return f.forgetErr
}

func testMessage(eventID string) kafka.Message {
	return kafka.Message{
		Topic: "reminder.due.v1",
		Headers: []kafka.Header{
			{Key: kafkax.HeaderEventID, Value: []byte(eventID)},
			{Key: kafkax.HeaderEventType, Value: []byte("reminder.due.v1")},
		},
	}
}

func newTestConsumer(ib Inbox, h Handler) *Consumer {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), ib, Config{Topic: "reminder.due.v1"}, h)
}

func TestProcess_FreshEvent_HandledAndCommittable(t *testing.T) {
	ib := &fakeInbox{fresh: true}
	handled := 0
	c := newTestConsumer(ib, func(context.Context, kafka.Message) error {
		handled++
		return nil
	})

	if !c.process(context.Background(), testMessage("evt-1")) {
		t.Fatal("successful handling must allow the offset commit")
	}
	if handled != 1 {
		t.Fatalf("expected 1 handler call, got %d", handled)
	}
	if len(ib.forgotten) != 0 {
		t.Fatalf("nothing should be forgotten on success, got %v", ib.forgotten)
	}
}

func TestProcess_DuplicateEvent_SkippedButCommittable(t *testing.T) {
	ib := &fakeInbox{fresh: false}
	c := newTestConsumer(ib, func(context.Context, kafka.Message) error {
		t.Fatal("handler must not run for a duplicate")
		return nil
	})

	if !c.process(context.Background(), testMessage("evt-1")) {
		t.Fatal("a known duplicate is done work; its offset must be committable")
	}
}

func TestProcess_HandlerFailure_ForgetsInboxRowAndHoldsOffset(t *testing.T) {
	ib := &fakeInbox{fresh: true}
	c := newTestConsumer(ib, func(context.Context, kafka.Message) error {
		return errors.New("notifications insert: connection reset")
	})

	if c.process(context.Background(), testMessage("evt-1")) {
		t.Fatal("a failed handler must hold the offset for redelivery")
	}
	if len(ib.forgotten) != 1 || ib.forgotten[0] != "evt-1" {
		t.Fatalf("expected the dedup row for evt-1 removed, got %v", ib.forgotten)
	}
}

func TestProcess_RecordError_HoldsOffset(t *testing.T) {
	ib := &fakeInbox{recordErr: errors.New("db down")}
	c := newTestConsumer(ib, func(context.Context, kafka.Message) error {
		t.Fatal("handler must not run when the dedup insert failed")
		return nil
	})

	if c.process(context.Background(), testMessage("evt-1")) {
		t.Fatal("a failed dedup insert must hold the offset for redelivery")
	}
	if len(ib.forgotten) != 0 {
		t.Fatalf("nothing was recorded, nothing to forget; got %v", ib.forgotten)
	}
}
