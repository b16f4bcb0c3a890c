package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arif-hossain/chairbook/libs/db"
	"github.com/arif-hossain/chairbook/libs/outbox"
	"github.com/arif-hossain/chairbook/services/booking-service/internal/guard"
	"github.com/arif-hossain/chairbook/services/booking-service/internal/interval"
	"github.com/arif-hossain/chairbook/services/booking-service/internal/model"
	"github.com/arif-hossain/chairbook/services/booking-service/internal/storage"
)

type BookingHandler struct {
	repo       *storage.BookingRepository
	guard      *guard.Guard
	outboxRepo *outbox.Repository
	logger     *slog.Logger
}

func NewBookingHandler(repo *storage.BookingRepository, g *guard.Guard, outboxRepo *outbox.Repository, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{
		repo:       repo,
		guard:      g,
		outboxRepo: outboxRepo,
		logger:     logger,
	}
}

type createBookingRequest struct {
	ProviderID    string `json:"provider_id"`
	ServiceID     string `json:"service_id"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	CustomerPhone string `json:"customer_phone"`
	StartTime     string `json:"start_time"`
	// EndTime is accepted but ignored: the end is always derived from the
	// service duration server-side.
	EndTime string `json:"end_time,omitempty"`
}

type bookingResponse struct {
	BookingID string `json:"booking_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Status    string `json:"status"`
}

type cancelBookingRequest struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason"`
}

type cancelBookingResponse struct {
	BookingID   string `json:"booking_id"`
	Status      string `json:"status"`
	CancelledAt string `json:"cancelled_at"`
}

type rescheduleRequest struct {
	BookingID string `json:"booking_id"`
	StartTime string `json:"start_time"`
}

type statusRequest struct {
	BookingID string `json:"booking_id"`
	Status    string `json:"status"`
}

type listBookingItem struct {
	BookingID   string `json:"booking_id"`
	ProviderID  string `json:"provider_id"`
	ServiceID   string `json:"service_id"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Status      string `json:"status"`
	CancelledAt string `json:"cancelled_at,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	if req.ProviderID == "" || req.ServiceID == "" || req.CustomerName == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}

	b := &model.Booking{
		ID:            uuid.New().String(),
		ProviderID:    req.ProviderID,
		ServiceID:     req.ServiceID,
		CustomerName:  req.CustomerName,
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		StartTime:     startTime.UTC(),
		Status:        model.StatusPending,
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The guard recomputes b.EndTime and holds the provider's row locks
	// until this transaction ends, so the insert below cannot race another
	// writer into the same slot.
	if err := h.guard.Check(ctx, h.repo.Guard(tx), b); err != nil {
		h.writeGuardError(w, err)
		return
	}

	if err := h.repo.Create(ctx, tx, b); err != nil {
		if storage.IsConflict(err) {
			h.writeConflict(w)
			return
		}
		http.Error(w, "failed to create booking", http.StatusInternalServerError)
		return
	}

	if err := h.insertBookingEvent(ctx, tx, "booking.booked.v1", *b, nil); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, bookingResponse{
		BookingID: b.ID,
		StartTime: b.StartTime.UTC().Format(time.RFC3339),
		EndTime:   b.EndTime.UTC().Format(time.RFC3339),
		Status:    b.Status,
	})
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	if req.BookingID == "" {
		http.Error(w, "booking_id required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b, err := h.repo.GetForUpdate(ctx, tx, req.BookingID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "booking not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load booking", http.StatusInternalServerError)
		return
	}

	if b.Status == model.StatusCancelled && b.CancelledAt != nil {
		writeJSON(w, http.StatusOK, cancelBookingResponse{
			BookingID:   b.ID,
			Status:      model.StatusCancelled,
			CancelledAt: b.CancelledAt.UTC().Format(time.RFC3339),
		})
		return
	}
	if b.Status == model.StatusCompleted {
		http.Error(w, "booking cannot be cancelled", http.StatusConflict)
		return
	}

	cancelledAt, err := h.repo.Cancel(ctx, tx, b.ID, strings.TrimSpace(req.Reason))
	if err != nil {
		http.Error(w, "failed to cancel booking", http.StatusInternalServerError)
		return
	}

	extra := map[string]any{"cancelled_at": cancelledAt.UTC().Format(time.RFC3339), "reason": strings.TrimSpace(req.Reason)}
	if err := h.insertBookingEvent(ctx, tx, "booking.cancelled.v1", b, extra); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cancelBookingResponse{
		BookingID:   b.ID,
		Status:      model.StatusCancelled,
		CancelledAt: cancelledAt.UTC().Format(time.RFC3339),
	})
}

func (h *BookingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	if req.BookingID == "" {
		http.Error(w, "booking_id required", http.StatusBadRequest)
		return
	}
	newStart, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Plain read first to learn the provider and reject obvious dead ends
	// without holding any lock. The guard then takes every lock in one pass
	// in its start order, this booking's own row included, so two
	// same-provider writers can never circular-wait.
	b, err := h.repo.Get(ctx, req.BookingID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "booking not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load booking", http.StatusInternalServerError)
		return
	}
	if b.Status == model.StatusCancelled || b.Status == model.StatusCompleted {
		http.Error(w, "booking cannot be rescheduled", http.StatusConflict)
		return
	}

	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	candidate := b
	candidate.StartTime = newStart.UTC()
	if err := h.guard.Check(ctx, h.repo.Guard(tx), &candidate); err != nil {
		h.writeGuardError(w, err)
		return
	}

	// The guard scan locked this row along with the provider's others;
	// re-read it under that lock because the unlocked read above may have
	// gone stale before the transaction began.
	locked, err := h.repo.GetForUpdate(ctx, tx, b.ID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "booking not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load booking", http.StatusInternalServerError)
		return
	}
	if locked.Status == model.StatusCancelled || locked.Status == model.StatusCompleted {
		http.Error(w, "booking cannot be rescheduled", http.StatusConflict)
		return
	}
	candidate.Status = locked.Status

	if err := h.repo.Reschedule(ctx, tx, b.ID, candidate.StartTime, candidate.EndTime); err != nil {
		http.Error(w, "failed to reschedule booking", http.StatusInternalServerError)
		return
	}

	extra := map[string]any{
		"previous_start_time": locked.StartTime.UTC().Format(time.RFC3339),
		"previous_end_time":   locked.EndTime.UTC().Format(time.RFC3339),
	}
	if err := h.insertBookingEvent(ctx, tx, "booking.rescheduled.v1", candidate, extra); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bookingResponse{
		BookingID: candidate.ID,
		StartTime: candidate.StartTime.UTC().Format(time.RFC3339),
		EndTime:   candidate.EndTime.UTC().Format(time.RFC3339),
		Status:    candidate.Status,
	})
}

func (h *BookingHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	req.Status = strings.TrimSpace(req.Status)
	if req.BookingID == "" || !model.ValidStatus(req.Status) {
		http.Error(w, "booking_id and a valid status required", http.StatusBadRequest)
		return
	}
	if req.Status == model.StatusCancelled {
		http.Error(w, "use the cancel endpoint", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b, err := h.repo.GetForUpdate(ctx, tx, req.BookingID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "booking not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load booking", http.StatusInternalServerError)
		return
	}
	if !statusTransitionAllowed(b.Status, req.Status) {
		http.Error(w, "invalid status transition", http.StatusConflict)
		return
	}

	if err := h.repo.UpdateStatus(ctx, tx, b.ID, req.Status); err != nil {
		http.Error(w, "failed to update status", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bookingResponse{
		BookingID: b.ID,
		StartTime: b.StartTime.UTC().Format(time.RFC3339),
		EndTime:   b.EndTime.UTC().Format(time.RFC3339),
		Status:    req.Status,
	})
}

func statusTransitionAllowed(from, to string) bool {
	switch from {
	case model.StatusPending:
		return to == model.StatusConfirmed || to == model.StatusCompleted
	case model.StatusConfirmed:
		return to == model.StatusCompleted
	}
	return false
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" {
		http.Error(w, "provider_id required", http.StatusBadRequest)
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	bookings, err := h.repo.ListByProvider(r.Context(), providerID, limit)
	if err != nil {
		http.Error(w, "failed to list bookings", http.StatusInternalServerError)
		return
	}

	items := make([]listBookingItem, 0, len(bookings))
	for _, b := range bookings {
		item := listBookingItem{
			BookingID:  b.ID,
			ProviderID: b.ProviderID,
			ServiceID:  b.ServiceID,
			StartTime:  b.StartTime.UTC().Format(time.RFC3339),
			EndTime:    b.EndTime.UTC().Format(time.RFC3339),
			Status:     b.Status,
			CreatedAt:  b.CreatedAt.UTC().Format(time.RFC3339),
		}
		if b.CancelledAt != nil {
			item.CancelledAt = b.CancelledAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

// Slots lists free start times for a provider/service/day. Advisory only:
// the response is instant feedback for the booking form, and the conflict
// guard re-verifies under locks when the client actually books.
func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	providerID := strings.TrimSpace(q.Get("provider_id"))
	serviceID := strings.TrimSpace(q.Get("service_id"))
	dateStr := strings.TrimSpace(q.Get("date"))
	if providerID == "" || serviceID == "" || dateStr == "" {
		http.Error(w, "provider_id, service_id, and date are required", http.StatusBadRequest)
		return
	}

	durationMins, err := h.repo.ServiceDuration(r.Context(), serviceID)
	if err != nil {
		if errors.Is(err, guard.ErrServiceNotFound) {
			http.Error(w, "unknown service", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to resolve service", http.StatusInternalServerError)
		return
	}
	if durationMins <= 0 {
		writeJSON(w, http.StatusOK, []slotItem{})
		return
	}

	stepMins := 15
	if v := strings.TrimSpace(q.Get("slot_step_minutes")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 120 {
			stepMins = n
		}
	}
	windowStart, windowEnd, ok := dayWindow(dateStr, strings.TrimSpace(q.Get("workday_start")), strings.TrimSpace(q.Get("workday_end")))
	if !ok {
		http.Error(w, "invalid date or workday window", http.StatusBadRequest)
		return
	}

	booked, err := h.repo.ListBookedIntervals(r.Context(), providerID, windowStart, windowEnd)
	if err != nil {
		http.Error(w, "failed to load booked slots", http.StatusInternalServerError)
		return
	}
	busy := make([]interval.Interval, 0, len(booked))
	for _, b := range booked {
		busy = append(busy, interval.Interval{Start: b.StartTime, End: b.EndTime})
	}

	duration := time.Duration(durationMins) * time.Minute
	starts := interval.AvailableSlots(windowStart, windowEnd, duration, time.Duration(stepMins)*time.Minute, busy, time.Now().UTC())
	resp := make([]slotItem, 0, len(starts))
	for _, s := range starts {
		resp = append(resp, slotItem{
			StartTime: s.UTC().Format(time.RFC3339),
			EndTime:   s.Add(duration).UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func dayWindow(dateStr, workStart, workEnd string) (time.Time, time.Time, bool) {
	if workStart == "" {
		workStart = "09:00"
	}
	if workEnd == "" {
		workEnd = "18:00"
	}
	day, err := time.ParseInLocation("2006-01-02", dateStr, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	startClock, err := time.Parse("15:04", workStart)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	endClock, err := time.Parse("15:04", workEnd)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	ws := time.Date(day.Year(), day.Month(), day.Day(), startClock.Hour(), startClock.Minute(), 0, 0, time.UTC)
	we := time.Date(day.Year(), day.Month(), day.Day(), endClock.Hour(), endClock.Minute(), 0, 0, time.UTC)
	if !we.After(ws) {
		return time.Time{}, time.Time{}, false
	}
	return ws, we, true
}

func (h *BookingHandler) writeGuardError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, guard.ErrServiceNotFound):
		http.Error(w, "unknown service", http.StatusNotFound)
	case errors.Is(err, guard.ErrInvalidDuration):
		http.Error(w, "service has an invalid duration", http.StatusBadRequest)
	case errors.Is(err, guard.ErrBookingConflict):
		h.writeConflict(w)
	case db.IsTransient(err):
		http.Error(w, "temporary storage error, retry shortly", http.StatusServiceUnavailable)
	default:
		h.logger.Error("availability check failed", "err", err)
		http.Error(w, "failed to check availability", http.StatusInternalServerError)
	}
}

// The conflict is deterministic for a given interval, so the client must be
// prompted to pick a different time rather than silently retrying.
func (h *BookingHandler) writeConflict(w http.ResponseWriter) {
	http.Error(w, "this time is no longer available", http.StatusConflict)
}

func (h *BookingHandler) insertBookingEvent(ctx context.Context, tx pgx.Tx, eventType string, b model.Booking, extra map[string]any) error {
	payload := map[string]any{
		"booking_id":     b.ID,
		"provider_id":    b.ProviderID,
		"service_id":     b.ServiceID,
		"customer_name":  b.CustomerName,
		"customer_email": b.CustomerEmail,
		"customer_phone": b.CustomerPhone,
		"start_time":     b.StartTime.UTC().Format(time.RFC3339),
		"end_time":       b.EndTime.UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return h.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "booking",
		AggregateID:   b.ID,
		EventType:     eventType,
		Payload:       raw,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
