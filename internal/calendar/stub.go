package calendar

import (
	"context"
	"sync"
	"time"
)

// StubGateway is a deterministic in-memory Gateway for tests and deployments
// without a calendar provider. Correctness of the booking core must not
// depend on whether this or HTTPGateway is wired in.
type StubGateway struct {
	mu        sync.Mutex
	busy      []Interval
	zone      string
	busyErr   error
	createErr error
	created   map[string]string       // external ref -> event id
	events    map[string]EventRequest // event id -> request
	deleted   map[string]bool
}

func NewStubGateway() *StubGateway {
	return &StubGateway{
		zone:    "UTC",
		created: map[string]string{},
		events:  map[string]EventRequest{},
		deleted: map[string]bool{},
	}
}

// SetBusy replaces the busy windows reported by BusyWindows.
func (s *StubGateway) SetBusy(windows []Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = append([]Interval(nil), windows...)
}

// FailBusyWindows makes BusyWindows return err until cleared with nil.
func (s *StubGateway) FailBusyWindows(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busyErr = err
}

// FailCreateEvent makes CreateEvent return err until cleared with nil.
func (s *StubGateway) FailCreateEvent(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

func (s *StubGateway) SetDefaultTimezone(zone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zone = zone
}

func (s *StubGateway) BusyWindows(ctx context.Context, _ Credential, from, to time.Time) ([]Interval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyErr != nil {
		return nil, s.busyErr
	}
	var out []Interval
	for _, b := range s.busy {
		if b.Start.Before(to) && b.End.After(from) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *StubGateway) CreateEvent(ctx context.Context, _ Credential, ev EventRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	// Idempotent on external ref: a retried create returns the same event.
	if id, ok := s.created[ev.ExternalRef]; ok {
		return id, nil
	}
	id := "stub-" + ev.ExternalRef
	s.created[ev.ExternalRef] = id
	s.events[id] = ev
	return id, nil
}

func (s *StubGateway) DeleteEvent(ctx context.Context, _ Credential, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[eventID] = true
	return nil
}

func (s *StubGateway) DefaultTimezone(ctx context.Context, _ Credential) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zone, nil
}

// CreatedEvents returns a snapshot of all events created so far.
func (s *StubGateway) CreatedEvents() map[string]EventRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]EventRequest, len(s.events))
	for id, ev := range s.events {
		out[id] = ev
	}
	return out
}

// Deleted reports whether DeleteEvent was called for eventID.
func (s *StubGateway) Deleted(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted[eventID]
}

var _ Gateway = (*StubGateway)(nil)
var _ Gateway = (*HTTPGateway)(nil)
