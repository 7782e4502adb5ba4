package calendar

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrProviderUnavailable means the calendar provider could not be reached
	// or answered with a server error. Transient; callers may retry with
	// backoff.
	ErrProviderUnavailable = errors.New("calendar provider unavailable")

	// ErrCredentialInvalid means the provider rejected the expert's refresh
	// token. Not retryable; the expert must re-authorize out of band.
	ErrCredentialInvalid = errors.New("calendar credential invalid")

	// errNotFound marks a 404 from the provider; only DeleteEvent cares.
	errNotFound = errors.New("calendar resource not found")
)

func isNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

// Credential identifies one expert's calendar authorization.
type Credential struct {
	ExpertID     string
	RefreshToken string
}

// Interval is a half-open busy window [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// EventRequest describes a remote event to create. ExternalRef is a
// caller-generated idempotency key: a retried create carrying the same ref
// must not produce a second event.
type EventRequest struct {
	ExternalRef string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	Timezone    string
	Attendees   []string
}

// Gateway abstracts the third-party calendar provider. Every call is
// network-bound and must be issued under a cancellable, timeout-bound
// context. Implementations are injected at construction time; the booking
// core never branches on which one is wired in.
type Gateway interface {
	BusyWindows(ctx context.Context, cred Credential, from, to time.Time) ([]Interval, error)
	CreateEvent(ctx context.Context, cred Credential, ev EventRequest) (string, error)
	DeleteEvent(ctx context.Context, cred Credential, eventID string) error
	DefaultTimezone(ctx context.Context, cred Credential) (string, error)
}
