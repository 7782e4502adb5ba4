package booking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/leadpilot/expert-booking/internal/calendar"
	"github.com/leadpilot/expert-booking/internal/model"
	"github.com/leadpilot/expert-booking/internal/outbox"
	"github.com/leadpilot/expert-booking/internal/storage"
)

// fakeTx satisfies pgx.Tx for the in-memory stores; the fakes apply writes
// immediately, so commit and rollback are no-ops.
type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(context.Context) error   { return nil }
func (fakeTx) Rollback(context.Context) error { return nil }

// fakeBookingStore enforces the same no-overlap rule as the bookings
// exclusion constraint, under a mutex, so racing creates behave like they do
// against postgres.
type fakeBookingStore struct {
	mu       sync.Mutex
	bookings []*model.Booking
}

func (f *fakeBookingStore) Begin(context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

func (f *fakeBookingStore) Create(_ context.Context, _ pgx.Tx, b *model.Booking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.bookings {
		if existing.ExpertID != b.ExpertID || existing.Status != model.StatusConfirmed {
			continue
		}
		if b.StartTime.Before(existing.EndTime) && b.EndTime.After(existing.StartTime) {
			return fmt.Errorf("insert booking: %w", storage.ErrOverlappingBooking)
		}
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	cp := *b
	f.bookings = append(f.bookings, &cp)
	return nil
}

func (f *fakeBookingStore) GetByID(_ context.Context, id string) (model.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bookings {
		if b.ID == id {
			return *b, nil
		}
	}
	return model.Booking{}, pgx.ErrNoRows
}

func (f *fakeBookingStore) GetBySession(_ context.Context, sessionID string) (model.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.bookings) - 1; i >= 0; i-- {
		if f.bookings[i].SessionID == sessionID {
			return *f.bookings[i], nil
		}
	}
	return model.Booking{}, pgx.ErrNoRows
}

func (f *fakeBookingStore) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (model.Booking, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeBookingStore) MarkCancelled(_ context.Context, _ pgx.Tx, id string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bookings {
		if b.ID == id {
			now := time.Now().UTC()
			b.Status = model.StatusCancelled
			b.CancelledAt = &now
			b.UpdatedAt = now
			return now, nil
		}
	}
	return time.Time{}, pgx.ErrNoRows
}

func (f *fakeBookingStore) ListByExpert(_ context.Context, expertID string, from, to time.Time) ([]model.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Booking
	for _, b := range f.bookings {
		if b.ExpertID != expertID {
			continue
		}
		if !from.IsZero() && b.StartTime.Before(from) {
			continue
		}
		if !to.IsZero() && !b.StartTime.Before(to) {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

func (f *fakeBookingStore) ListConfirmedOverlapping(_ context.Context, expertID string, start, end time.Time, excludeID string) ([]model.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Booking
	for _, b := range f.bookings {
		if b.ExpertID != expertID || b.Status != model.StatusConfirmed || b.ID == excludeID {
			continue
		}
		if start.Before(b.EndTime) && end.After(b.StartTime) {
			out = append(out, *b)
		}
	}
	return out, nil
}

type fakeExpertStore struct {
	experts map[string]model.Expert
}

func (f *fakeExpertStore) GetByID(_ context.Context, id string) (model.Expert, error) {
	e, ok := f.experts[id]
	if !ok {
		return model.Expert{}, pgx.ErrNoRows
	}
	return e, nil
}

type fakeSessionStore struct {
	sessions map[string]model.Session
}

func (f *fakeSessionStore) GetByID(_ context.Context, id string) (model.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return model.Session{}, pgx.ErrNoRows
	}
	return s, nil
}

type fakeOutbox struct {
	mu     sync.Mutex
	events []outbox.Event
}

func (f *fakeOutbox) Insert(_ context.Context, _ pgx.Tx, evt outbox.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeOutbox) byType(eventType string) []outbox.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []outbox.Event
	for _, e := range f.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *fakeBookingStore
	outbox   *fakeOutbox
	gateway  *calendar.StubGateway
	slotWed  time.Time // Wednesday 2026-03-04 14:00 UTC
	expertID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &fakeBookingStore{}
	experts := &fakeExpertStore{experts: map[string]model.Expert{
		"exp-1": {
			ID:                   "exp-1",
			Name:                 "Dana Expert",
			Email:                "dana@example.com",
			Timezone:             "UTC",
			CalendarRefreshToken: "refresh-1",
		},
	}}
	sessions := &fakeSessionStore{sessions: map[string]model.Session{
		"sess-1": {ID: "sess-1", VisitorName: "Vic", VisitorEmail: "vic@example.com"},
	}}
	ob := &fakeOutbox{}
	gw := calendar.NewStubGateway()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, experts, sessions, ob, gw, logger, Config{
		Buffer:      15 * time.Minute,
		CallTimeout: time.Second,
	})

	return &fixture{
		svc:      svc,
		store:    store,
		outbox:   ob,
		gateway:  gw,
		slotWed:  time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC),
		expertID: "exp-1",
	}
}

func (fx *fixture) createReq() CreateRequest {
	return CreateRequest{
		SessionID:   "sess-1",
		ExpertID:    fx.expertID,
		Start:       fx.slotWed,
		End:         fx.slotWed.Add(time.Hour),
		Timezone:    "America/New_York",
		ClientName:  "Vic",
		ClientEmail: "vic@example.com",
	}
}

func TestCreate_Succeeds(t *testing.T) {
	fx := newFixture(t)
	b, err := fx.svc.Create(context.Background(), fx.createReq())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if b.Status != model.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", b.Status)
	}
	if b.CalendarEventID == nil || *b.CalendarEventID == "" {
		t.Fatal("expected a calendar event id")
	}
	if b.Timezone != "America/New_York" {
		t.Fatalf("expected normalized timezone, got %q", b.Timezone)
	}

	stored, err := fx.store.GetByID(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("booking not persisted: %v", err)
	}
	if !stored.StartTime.Equal(fx.slotWed) {
		t.Fatalf("unexpected stored start %s", stored.StartTime)
	}

	confirmed := fx.outbox.byType(outbox.EventBookingConfirmed)
	if len(confirmed) != 1 {
		t.Fatalf("expected 1 confirmation event, got %d", len(confirmed))
	}
	if confirmed[0].AggregateID != b.ID {
		t.Fatalf("event aggregate %q does not match booking %q", confirmed[0].AggregateID, b.ID)
	}
	if len(fx.gateway.CreatedEvents()) != 1 {
		t.Fatalf("expected 1 remote event, got %d", len(fx.gateway.CreatedEvents()))
	}
}

func TestCreate_RejectsWrongDuration(t *testing.T) {
	fx := newFixture(t)
	req := fx.createReq()
	req.End = req.Start.Add(45 * time.Minute)
	if _, err := fx.svc.Create(context.Background(), req); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot, got %v", err)
	}
	req.End = req.Start
	if _, err := fx.svc.Create(context.Background(), req); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot for empty interval, got %v", err)
	}
}

func TestCreate_UnknownExpertAndSession(t *testing.T) {
	fx := newFixture(t)

	req := fx.createReq()
	req.ExpertID = "missing"
	if _, err := fx.svc.Create(context.Background(), req); !errors.Is(err, ErrExpertNotFound) {
		t.Fatalf("expected ErrExpertNotFound, got %v", err)
	}

	req = fx.createReq()
	req.SessionID = "missing"
	if _, err := fx.svc.Create(context.Background(), req); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCreate_LocalConflictRejectedBeforeRemoteCall(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.svc.Create(context.Background(), fx.createReq()); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	req := fx.createReq()
	req.Start = fx.slotWed.Add(30 * time.Minute)
	req.End = req.Start.Add(time.Hour)
	if _, err := fx.svc.Create(context.Background(), req); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
	// The guard rejected before a second remote event was created.
	if n := len(fx.gateway.CreatedEvents()); n != 1 {
		t.Fatalf("expected 1 remote event, got %d", n)
	}
}

func TestCreate_LiveBusyWindowBlocksBooking(t *testing.T) {
	fx := newFixture(t)
	fx.gateway.SetBusy([]calendar.Interval{
		{Start: fx.slotWed.Add(30 * time.Minute), End: fx.slotWed.Add(90 * time.Minute)},
	})

	_, err := fx.svc.Create(context.Background(), fx.createReq())
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
	if len(fx.gateway.CreatedEvents()) != 0 {
		t.Fatal("no remote event should exist for a rejected slot")
	}
	if _, err := fx.store.GetBySession(context.Background(), "sess-1"); !storage.IsNotFound(err) {
		t.Fatal("no local booking should exist for a rejected slot")
	}
}

func TestCreate_ProviderFailureLeavesNoLocalState(t *testing.T) {
	fx := newFixture(t)
	fx.gateway.FailCreateEvent(calendar.ErrProviderUnavailable)

	_, err := fx.svc.Create(context.Background(), fx.createReq())
	if !errors.Is(err, calendar.ErrProviderUnavailable) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if _, err := fx.store.GetBySession(context.Background(), "sess-1"); !storage.IsNotFound(err) {
		t.Fatal("no local booking should exist after a provider failure")
	}
	if len(fx.outbox.byType(outbox.EventBookingConfirmed)) != 0 {
		t.Fatal("no confirmation event should exist after a provider failure")
	}
}

func TestCreate_ConcurrentIdenticalSlotsHaveOneWinner(t *testing.T) {
	fx := newFixture(t)

	const racers = 4
	var wg sync.WaitGroup
	errs := make([]error, racers)
	results := make([]model.Booking, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fx.svc.Create(context.Background(), fx.createReq())
		}(i)
	}
	wg.Wait()

	var winner *model.Booking
	for i := range errs {
		switch {
		case errs[i] == nil:
			if winner != nil {
				t.Fatal("more than one create succeeded for the same slot")
			}
			winner = &results[i]
		case errors.Is(errs[i], ErrSlotUnavailable):
		default:
			t.Fatalf("unexpected error: %v", errs[i])
		}
	}
	if winner == nil {
		t.Fatal("expected exactly one create to succeed")
	}

	// Any remote event created by a loser must have been compensated away.
	for id := range fx.gateway.CreatedEvents() {
		if id == *winner.CalendarEventID {
			continue
		}
		if !fx.gateway.Deleted(id) {
			t.Fatalf("orphaned remote event %s was not deleted", id)
		}
	}
}

func TestCancel_RoundTrip(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	b, err := fx.svc.Create(ctx, fx.createReq())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ok, err := fx.svc.Cancel(ctx, b.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !ok {
		t.Fatal("expected cancel to report success")
	}

	stored, err := fx.store.GetByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("load cancelled booking: %v", err)
	}
	if stored.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", stored.Status)
	}
	if stored.CancelledAt == nil {
		t.Fatal("expected cancelled_at to be set")
	}
	if !fx.gateway.Deleted(*b.CalendarEventID) {
		t.Fatal("expected remote event to be deleted")
	}
	if len(fx.outbox.byType(outbox.EventBookingCancelled)) != 1 {
		t.Fatal("expected one cancellation event")
	}

	// The freed slot can be booked again.
	if _, err := fx.svc.Create(ctx, fx.createReq()); err != nil {
		t.Fatalf("rebooking a cancelled slot failed: %v", err)
	}
}

func TestCancel_IsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	b, err := fx.svc.Create(ctx, fx.createReq())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		ok, err := fx.svc.Cancel(ctx, b.ID)
		if err != nil || !ok {
			t.Fatalf("cancel %d: ok=%v err=%v", i, ok, err)
		}
	}
	if n := len(fx.outbox.byType(outbox.EventBookingCancelled)); n != 1 {
		t.Fatalf("expected 1 cancellation event, got %d", n)
	}
}

func TestCancel_UnknownBooking(t *testing.T) {
	fx := newFixture(t)
	ok, err := fx.svc.Cancel(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if ok {
		t.Fatal("expected false for unknown booking")
	}
}

func TestGetAvailability_ExcludesBusyWindows(t *testing.T) {
	fx := newFixture(t)
	// Pin the clock to a Wednesday morning so slot math is deterministic.
	fx.svc.now = func() time.Time { return time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC) }
	fx.gateway.SetBusy([]calendar.Interval{
		{Start: time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)},
	})

	av, err := fx.svc.GetAvailability(context.Background(), AvailabilityRequest{ExpertID: fx.expertID})
	if err != nil {
		t.Fatalf("GetAvailability failed: %v", err)
	}
	if av.Degraded {
		t.Fatal("expected non-degraded result")
	}
	if len(av.Slots) == 0 {
		t.Fatal("expected slots")
	}
	busyEnd := time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)
	// 15-minute buffer pushes the first clear start past 11:15, to 11:30.
	if !av.Slots[0].Start.Equal(busyEnd.Add(30 * time.Minute)) {
		t.Fatalf("expected first slot 11:30, got %s", av.Slots[0].Start.Format(time.RFC3339))
	}
}

func TestGetAvailability_DegradesOnProviderFailure(t *testing.T) {
	fx := newFixture(t)
	fx.svc.now = func() time.Time { return time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC) }
	fx.gateway.FailBusyWindows(calendar.ErrProviderUnavailable)

	av, err := fx.svc.GetAvailability(context.Background(), AvailabilityRequest{ExpertID: fx.expertID})
	if err != nil {
		t.Fatalf("GetAvailability failed: %v", err)
	}
	if !av.Degraded {
		t.Fatal("expected degraded result")
	}
	if len(av.Slots) == 0 {
		t.Fatal("expected slots despite the provider failure")
	}
}

func TestGetAvailability_UnknownExpert(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.GetAvailability(context.Background(), AvailabilityRequest{ExpertID: "missing"})
	if !errors.Is(err, ErrExpertNotFound) {
		t.Fatalf("expected ErrExpertNotFound, got %v", err)
	}
}

func TestGetAvailability_DisplayTimezone(t *testing.T) {
	fx := newFixture(t)
	fx.svc.now = func() time.Time { return time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC) }

	av, err := fx.svc.GetAvailability(context.Background(), AvailabilityRequest{
		ExpertID: fx.expertID,
		Timezone: "America/New_York",
	})
	if err != nil {
		t.Fatalf("GetAvailability failed: %v", err)
	}
	if av.Timezone != "America/New_York" {
		t.Fatalf("expected display zone America/New_York, got %s", av.Timezone)
	}
	if av.Slots[0].DisplayTime != "4:00 AM" {
		t.Fatalf("unexpected display time %q", av.Slots[0].DisplayTime)
	}
}

func TestListExpertBookings(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if _, err := fx.svc.Create(ctx, fx.createReq()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	list, err := fx.svc.ListExpertBookings(ctx, fx.expertID, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ListExpertBookings failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 booking, got %d", len(list))
	}

	from := fx.slotWed.AddDate(0, 0, 1)
	list, err = fx.svc.ListExpertBookings(ctx, fx.expertID, from, time.Time{})
	if err != nil {
		t.Fatalf("ListExpertBookings failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no bookings after %s, got %d", from, len(list))
	}

	if _, err := fx.svc.ListExpertBookings(ctx, "missing", time.Time{}, time.Time{}); !errors.Is(err, ErrExpertNotFound) {
		t.Fatalf("expected ErrExpertNotFound, got %v", err)
	}
}
