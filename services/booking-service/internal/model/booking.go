package model

import "time"

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

// Booking is one reserved [StartTime, EndTime) interval on a provider's
// calendar. EndTime is derived from the service duration at write time and is
// never taken from a client.
type Booking struct {
	ID            string
	ProviderID    string
	ServiceID     string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	StartTime     time.Time
	EndTime       time.Time
	Status        string
	CancelledAt   *time.Time
	CancelReason  string
	CreatedAt     time.Time
}

// Active reports whether the booking still occupies its interval. Cancelled
// bookings free their slot.
func (b Booking) Active() bool {
	return b.Status != StatusCancelled
}

// ValidStatus reports whether s is one of the known booking statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}
