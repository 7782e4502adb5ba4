package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/leadpilot/expert-booking/internal/availability"
	"github.com/leadpilot/expert-booking/internal/calendar"
	"github.com/leadpilot/expert-booking/internal/model"
)

// liveCheckMargin is the half-width of the busy-window re-fetch around the
// candidate slot. Wide enough that a buffered neighbor cannot be missed.
const liveCheckMargin = 2 * time.Hour

// Guard re-validates a candidate slot immediately before a booking is
// created: first against locally confirmed bookings, then against a fresh
// busy-window fetch to catch calendar changes made after the slot was
// advertised. The database exclusion constraint stays the final arbiter;
// this pre-check exists to reject early and cheaply.
type Guard struct {
	store       conflictStore
	gateway     calendar.Gateway
	buffer      time.Duration
	callTimeout time.Duration
}

type conflictStore interface {
	ListConfirmedOverlapping(ctx context.Context, expertID string, start, end time.Time, excludeID string) ([]model.Booking, error)
}

func NewGuard(store conflictStore, gateway calendar.Gateway, buffer, callTimeout time.Duration) *Guard {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Guard{store: store, gateway: gateway, buffer: buffer, callTimeout: callTimeout}
}

// Check returns ErrSlotUnavailable when either check finds a conflict.
// Provider failures during the live check abort the operation; they are
// surfaced typed, never swallowed.
func (g *Guard) Check(ctx context.Context, expert model.Expert, start, end time.Time, excludeBookingID string) error {
	local, err := g.store.ListConfirmedOverlapping(ctx, expert.ID, start, end, excludeBookingID)
	if err != nil {
		return fmt.Errorf("local conflict check: %w", err)
	}
	if len(local) > 0 {
		return ErrSlotUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	cred := calendar.Credential{ExpertID: expert.ID, RefreshToken: expert.CalendarRefreshToken}
	windows, err := g.gateway.BusyWindows(callCtx, cred, start.Add(-liveCheckMargin), end.Add(liveCheckMargin))
	if err != nil {
		return fmt.Errorf("live conflict check: %w", err)
	}

	busy := make([]availability.Interval, 0, len(windows))
	for _, w := range windows {
		busy = append(busy, availability.Interval{Start: w.Start, End: w.End})
	}
	if availability.Conflicts(start, end, busy, g.buffer) {
		return ErrSlotUnavailable
	}
	return nil
}
