package calendar

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStubGateway_CreateIsIdempotent(t *testing.T) {
	s := NewStubGateway()
	ctx := context.Background()
	start := time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC)
	ev := EventRequest{ExternalRef: "booking-1", Title: "Consultation", Start: start, End: start.Add(time.Hour)}

	first, err := s.CreateEvent(ctx, Credential{}, ev)
	if err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}
	second, err := s.CreateEvent(ctx, Credential{}, ev)
	if err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected same event id for same ref, got %q and %q", first, second)
	}
	if len(s.CreatedEvents()) != 1 {
		t.Fatalf("expected 1 created event, got %d", len(s.CreatedEvents()))
	}
}

func TestStubGateway_DeleteTracksRemovals(t *testing.T) {
	s := NewStubGateway()
	ctx := context.Background()
	start := time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC)
	id, err := s.CreateEvent(ctx, Credential{}, EventRequest{ExternalRef: "booking-2", Start: start, End: start.Add(time.Hour)})
	if err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}
	if err := s.DeleteEvent(ctx, Credential{}, id); err != nil {
		t.Fatalf("DeleteEvent failed: %v", err)
	}
	if !s.Deleted(id) {
		t.Fatal("expected event to be recorded as deleted")
	}
}

func TestStubGateway_InjectedFailures(t *testing.T) {
	s := NewStubGateway()
	ctx := context.Background()

	s.FailBusyWindows(ErrProviderUnavailable)
	if _, err := s.BusyWindows(ctx, Credential{}, time.Now(), time.Now().Add(time.Hour)); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected injected busy failure, got %v", err)
	}

	s.FailCreateEvent(ErrCredentialInvalid)
	start := time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC)
	if _, err := s.CreateEvent(ctx, Credential{}, EventRequest{ExternalRef: "x", Start: start, End: start.Add(time.Hour)}); !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("expected injected create failure, got %v", err)
	}
}
