package model

import "time"

type BookingStatus string

const (
	StatusConfirmed BookingStatus = "confirmed"
	StatusCancelled BookingStatus = "cancelled"
	// StatusCompleted is derived read-side and never stored.
	StatusCompleted BookingStatus = "completed"
)

// Booking is the persisted appointment. It is created only after the remote
// calendar event exists and is never physically deleted; cancellation flips
// Status and keeps the row for audit history.
type Booking struct {
	ID                 string
	SessionID          string
	ExpertID           string
	CalendarEventID    *string
	Title              string
	StartTime          time.Time
	EndTime            time.Time
	Timezone           string
	ExpertEmail        string
	ClientName         string
	ClientEmail        string
	Status             BookingStatus
	ConfirmationSentAt *time.Time
	ReminderSentAt     *time.Time
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StatusAt reports the externally visible status at the given instant: a
// confirmed booking whose end has passed reads as completed.
func (b Booking) StatusAt(now time.Time) BookingStatus {
	if b.Status == StatusConfirmed && b.EndTime.Before(now) {
		return StatusCompleted
	}
	return b.Status
}
