package booking

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/leadpilot/expert-booking/internal/model"
	"github.com/leadpilot/expert-booking/internal/outbox"
)

// BookingStore is the persistence surface the lifecycle needs. Satisfied by
// storage.BookingRepository; tests swap in an in-memory fake that enforces
// the same overlap constraint.
type BookingStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, tx pgx.Tx, b *model.Booking) error
	GetByID(ctx context.Context, id string) (model.Booking, error)
	GetBySession(ctx context.Context, sessionID string) (model.Booking, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Booking, error)
	MarkCancelled(ctx context.Context, tx pgx.Tx, id string) (time.Time, error)
	ListByExpert(ctx context.Context, expertID string, from, to time.Time) ([]model.Booking, error)
	ListConfirmedOverlapping(ctx context.Context, expertID string, start, end time.Time, excludeID string) ([]model.Booking, error)
}

type ExpertStore interface {
	GetByID(ctx context.Context, id string) (model.Expert, error)
}

type SessionStore interface {
	GetByID(ctx context.Context, id string) (model.Session, error)
}

type OutboxStore interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}
