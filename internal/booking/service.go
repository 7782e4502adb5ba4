package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/leadpilot/expert-booking/internal/availability"
	"github.com/leadpilot/expert-booking/internal/calendar"
	"github.com/leadpilot/expert-booking/internal/model"
	"github.com/leadpilot/expert-booking/internal/outbox"
	"github.com/leadpilot/expert-booking/internal/storage"
	"github.com/leadpilot/expert-booking/internal/timezone"
)

// Service owns the booking lifecycle. It is the only writer of the bookings
// table: Create and Cancel are the two mutations, everything else is a read.
type Service struct {
	bookings    BookingStore
	experts     ExpertStore
	sessions    SessionStore
	outbox      OutboxStore
	gateway     calendar.Gateway
	guard       *Guard
	logger      *slog.Logger
	buffer      time.Duration
	callTimeout time.Duration
	now         func() time.Time
}

type Config struct {
	// Buffer is the symmetric conflict padding applied around busy windows.
	Buffer time.Duration
	// CallTimeout bounds each individual calendar provider round-trip.
	CallTimeout time.Duration
}

func NewService(bookings BookingStore, experts ExpertStore, sessions SessionStore, outboxStore OutboxStore, gateway calendar.Gateway, logger *slog.Logger, cfg Config) *Service {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Service{
		bookings:    bookings,
		experts:     experts,
		sessions:    sessions,
		outbox:      outboxStore,
		gateway:     gateway,
		guard:       NewGuard(bookings, gateway, cfg.Buffer, cfg.CallTimeout),
		logger:      logger,
		buffer:      cfg.Buffer,
		callTimeout: cfg.CallTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type AvailabilityRequest struct {
	ExpertID  string
	Timezone  string
	DaysAhead int
	MinSlots  int
}

type Availability struct {
	Expert      model.Expert
	Timezone    string
	Slots       []availability.Slot
	Degraded    bool
	GeneratedAt time.Time
}

// GetAvailability computes open slots for an expert. A busy-window fetch
// failure degrades to an empty busy set rather than failing the request:
// showing some availability beats showing none, and the Degraded flag tells
// the caller which path produced the result.
func (s *Service) GetAvailability(ctx context.Context, req AvailabilityRequest) (Availability, error) {
	expert, err := s.experts.GetByID(ctx, req.ExpertID)
	if err != nil {
		if storage.IsNotFound(err) {
			return Availability{}, ErrExpertNotFound
		}
		return Availability{}, fmt.Errorf("load expert: %w", err)
	}

	cred := credentialFor(expert)
	expertZone := s.expertZone(ctx, expert, cred)

	displayZone := expertZone
	if req.Timezone != "" {
		displayZone, _ = timezone.Location(req.Timezone)
	}

	now := s.now()
	degraded := false
	var busy []availability.Interval

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	windows, err := s.gateway.BusyWindows(callCtx, cred, now, now.AddDate(0, 0, clampDays(req.DaysAhead)))
	cancel()
	if err != nil {
		degraded = true
		s.logger.Warn("busy window fetch failed; computing degraded availability",
			"expert_id", expert.ID, "err", err)
	} else {
		busy = make([]availability.Interval, 0, len(windows))
		for _, w := range windows {
			busy = append(busy, availability.Interval{Start: w.Start, End: w.End})
		}
	}

	slots := availability.ComputeSlots(busy, availability.Params{
		Now:         now,
		ExpertZone:  expertZone,
		DisplayZone: displayZone,
		DaysAhead:   req.DaysAhead,
		MinSlots:    req.MinSlots,
		Buffer:      s.buffer,
	})

	return Availability{
		Expert:      expert,
		Timezone:    displayZone.String(),
		Slots:       slots,
		Degraded:    degraded,
		GeneratedAt: now,
	}, nil
}

type CreateRequest struct {
	SessionID   string
	ExpertID    string
	Start       time.Time
	End         time.Time
	Timezone    string
	ClientName  string
	ClientEmail string
}

// Create books a slot. Ordering is load-bearing: conflict checks run before
// the remote event is created, and the local record is written only after
// the remote create succeeds, so a cancelled or failed call can never leave
// a local booking without a remote appointment.
func (s *Service) Create(ctx context.Context, req CreateRequest) (model.Booking, error) {
	if !req.Start.Before(req.End) || req.End.Sub(req.Start) != availability.SlotDuration {
		return model.Booking{}, ErrInvalidSlot
	}

	expert, err := s.experts.GetByID(ctx, req.ExpertID)
	if err != nil {
		if storage.IsNotFound(err) {
			return model.Booking{}, ErrExpertNotFound
		}
		return model.Booking{}, fmt.Errorf("load expert: %w", err)
	}
	if _, err := s.sessions.GetByID(ctx, req.SessionID); err != nil {
		if storage.IsNotFound(err) {
			return model.Booking{}, ErrSessionNotFound
		}
		return model.Booking{}, fmt.Errorf("load session: %w", err)
	}

	if err := s.guard.Check(ctx, expert, req.Start, req.End, ""); err != nil {
		return model.Booking{}, err
	}

	zoneName, _ := timezone.Normalize(req.Timezone)
	title := fmt.Sprintf("Consultation: %s with %s", req.ClientName, expert.Name)
	externalRef := uuid.NewString()
	cred := credentialFor(expert)

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	eventID, err := s.gateway.CreateEvent(callCtx, cred, calendar.EventRequest{
		ExternalRef: externalRef,
		Title:       title,
		Description: fmt.Sprintf("Booked via chat session %s", req.SessionID),
		Start:       req.Start,
		End:         req.End,
		Timezone:    zoneName,
		Attendees:   []string{expert.Email, req.ClientEmail},
	})
	cancel()
	if err != nil {
		// All-or-nothing: no local record exists yet, so a provider failure
		// leaves no partial state behind.
		return model.Booking{}, fmt.Errorf("create calendar event: %w", err)
	}

	b := &model.Booking{
		ID:              uuid.NewString(),
		SessionID:       req.SessionID,
		ExpertID:        expert.ID,
		CalendarEventID: &eventID,
		Title:           title,
		StartTime:       req.Start.UTC(),
		EndTime:         req.End.UTC(),
		Timezone:        zoneName,
		ExpertEmail:     expert.Email,
		ClientName:      req.ClientName,
		ClientEmail:     req.ClientEmail,
		Status:          model.StatusConfirmed,
	}

	tx, err := s.bookings.Begin(ctx)
	if err != nil {
		s.deleteOrphanedEvent(cred, eventID)
		return model.Booking{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.bookings.Create(ctx, tx, b); err != nil {
		s.deleteOrphanedEvent(cred, eventID)
		if storage.IsConflict(err) {
			// Lost the race: another writer committed an overlapping
			// confirmed booking between the guard check and this insert.
			return model.Booking{}, ErrSlotUnavailable
		}
		return model.Booking{}, fmt.Errorf("persist booking: %w", err)
	}

	if err := s.insertBookingEvent(ctx, tx, outbox.EventBookingConfirmed, *b); err != nil {
		s.deleteOrphanedEvent(cred, eventID)
		return model.Booking{}, fmt.Errorf("enqueue confirmation event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		s.deleteOrphanedEvent(cred, eventID)
		return model.Booking{}, fmt.Errorf("commit booking: %w", err)
	}
	return *b, nil
}

// Cancel flips the booking to cancelled and then tries to remove the remote
// event. The remote delete is best-effort: the local record is the system of
// record for conflict checks, so a provider failure is logged, not surfaced.
func (s *Service) Cancel(ctx context.Context, bookingID string) (bool, error) {
	tx, err := s.bookings.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b, err := s.bookings.GetForUpdate(ctx, tx, bookingID)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("load booking: %w", err)
	}
	if b.Status == model.StatusCancelled {
		return true, nil
	}

	cancelledAt, err := s.bookings.MarkCancelled(ctx, tx, bookingID)
	if err != nil {
		return false, fmt.Errorf("cancel booking: %w", err)
	}
	b.Status = model.StatusCancelled
	b.CancelledAt = &cancelledAt

	if err := s.insertBookingEvent(ctx, tx, outbox.EventBookingCancelled, b); err != nil {
		return false, fmt.Errorf("enqueue cancellation event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit cancellation: %w", err)
	}

	if b.CalendarEventID != nil {
		s.cancelRemoteEvent(ctx, b)
	}
	return true, nil
}

func (s *Service) GetBooking(ctx context.Context, bookingID string) (model.Booking, error) {
	return s.bookings.GetByID(ctx, bookingID)
}

func (s *Service) GetBookingBySession(ctx context.Context, sessionID string) (model.Booking, error) {
	return s.bookings.GetBySession(ctx, sessionID)
}

// ListExpertBookings lists bookings for an expert bounded by an optional
// date range; zero times mean unbounded.
func (s *Service) ListExpertBookings(ctx context.Context, expertID string, from, to time.Time) ([]model.Booking, error) {
	if _, err := s.experts.GetByID(ctx, expertID); err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrExpertNotFound
		}
		return nil, fmt.Errorf("load expert: %w", err)
	}
	return s.bookings.ListByExpert(ctx, expertID, from, to)
}

// expertZone resolves the zone business hours live in: the expert's
// configured zone, else the calendar's default zone, else UTC.
func (s *Service) expertZone(ctx context.Context, expert model.Expert, cred calendar.Credential) *time.Location {
	if expert.Timezone != "" {
		loc, _ := timezone.Location(expert.Timezone)
		return loc
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	zone, err := s.gateway.DefaultTimezone(callCtx, cred)
	if err != nil {
		s.logger.Warn("default timezone fetch failed; using UTC", "expert_id", expert.ID, "err", err)
		return time.UTC
	}
	loc, _ := timezone.Location(zone)
	return loc
}

// deleteOrphanedEvent compensates for a remote event whose local booking
// never committed. Runs on a fresh context: the caller's may already be
// cancelled, which is one of the ways we get here.
func (s *Service) deleteOrphanedEvent(cred calendar.Credential, eventID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
	defer cancel()
	if err := s.gateway.DeleteEvent(ctx, cred, eventID); err != nil {
		s.logger.Error("failed to delete orphaned calendar event",
			"event_id", eventID, "expert_id", cred.ExpertID, "err", err)
	}
}

func (s *Service) cancelRemoteEvent(ctx context.Context, b model.Booking) {
	expert, err := s.experts.GetByID(ctx, b.ExpertID)
	if err != nil {
		s.logger.Error("remote event cancel skipped: expert lookup failed",
			"booking_id", b.ID, "event_id", *b.CalendarEventID, "err", err)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if err := s.gateway.DeleteEvent(callCtx, credentialFor(expert), *b.CalendarEventID); err != nil {
		s.logger.Error("remote event cancel failed; local cancellation stands",
			"booking_id", b.ID, "event_id", *b.CalendarEventID, "err", err)
	}
}

func (s *Service) insertBookingEvent(ctx context.Context, tx pgx.Tx, eventType string, b model.Booking) error {
	payload, err := json.Marshal(map[string]any{
		"booking_id":   b.ID,
		"session_id":   b.SessionID,
		"expert_id":    b.ExpertID,
		"expert_email": b.ExpertEmail,
		"client_name":  b.ClientName,
		"client_email": b.ClientEmail,
		"title":        b.Title,
		"start_time":   b.StartTime.UTC().Format(time.RFC3339),
		"end_time":     b.EndTime.UTC().Format(time.RFC3339),
		"timezone":     b.Timezone,
		"status":       string(b.Status),
	})
	if err != nil {
		return err
	}
	return s.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "booking",
		AggregateID:   b.ID,
		EventType:     eventType,
		Payload:       payload,
	})
}

func credentialFor(expert model.Expert) calendar.Credential {
	return calendar.Credential{ExpertID: expert.ID, RefreshToken: expert.CalendarRefreshToken}
}

func clampDays(days int) int {
	if days <= 0 {
		return availability.DefaultDaysAhead
	}
	if days > availability.MaxDaysAhead {
		return availability.MaxDaysAhead
	}
	return days
}
