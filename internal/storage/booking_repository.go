package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/leadpilot/expert-booking/internal/model"
	"github.com/leadpilot/expert-booking/libs/db"
)

// ErrOverlappingBooking is returned when the bookings exclusion constraint
// rejects an insert: another confirmed booking for the same expert overlaps
// the interval. The constraint, not the application pre-check, is the final
// arbiter for concurrent creates.
var ErrOverlappingBooking = errors.New("overlapping confirmed booking")

const bookingColumns = `id, session_id, expert_id, calendar_event_id, title,
	start_time, end_time, timezone, expert_email, client_name, client_email,
	status, confirmation_sent_at, reminder_sent_at, cancelled_at, created_at, updated_at`

type BookingRepository struct {
	pool *db.Pool
}

func NewBookingRepository(pool *db.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

func (r *BookingRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *BookingRepository) Create(ctx context.Context, tx pgx.Tx, b *model.Booking) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO bookings
			(id, session_id, expert_id, calendar_event_id, title, start_time, end_time,
			 timezone, expert_email, client_name, client_email, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`, b.ID, b.SessionID, b.ExpertID, b.CalendarEventID, b.Title, b.StartTime, b.EndTime,
		b.Timezone, b.ExpertEmail, b.ClientName, b.ClientEmail, string(b.Status),
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
			return fmt.Errorf("%w: expert %s at %s", ErrOverlappingBooking, b.ExpertID, b.StartTime.UTC().Format(time.RFC3339))
		}
		return err
	}
	return nil
}

func (r *BookingRepository) GetByID(ctx context.Context, id string) (model.Booking, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

// GetBySession returns the most recent booking linked to the session.
func (r *BookingRepository) GetBySession(ctx context.Context, sessionID string) (model.Booking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, sessionID)
	return scanBooking(row)
}

func (r *BookingRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Booking, error) {
	row := tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	return scanBooking(row)
}

func (r *BookingRepository) MarkCancelled(ctx context.Context, tx pgx.Tx, id string) (time.Time, error) {
	var cancelledAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE bookings
		SET status = 'cancelled',
			cancelled_at = now(),
			updated_at = now()
		WHERE id = $1
		RETURNING cancelled_at
	`, id).Scan(&cancelledAt)
	return cancelledAt, err
}

// ListConfirmedOverlapping finds confirmed bookings for the expert whose
// [start_time, end_time) overlaps [start, end), optionally excluding one
// booking id (the booking being updated).
func (r *BookingRepository) ListConfirmedOverlapping(ctx context.Context, expertID string, start, end time.Time, excludeID string) ([]model.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE expert_id = $1
			AND status = 'confirmed'
			AND start_time < $3
			AND end_time > $2
			AND ($4 = '' OR id::text <> $4)
		ORDER BY start_time ASC
	`, expertID, start, end, excludeID)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

// ListByExpert lists bookings for an expert, optionally bounded by a date
// range; zero times mean unbounded.
func (r *BookingRepository) ListByExpert(ctx context.Context, expertID string, from, to time.Time) ([]model.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE expert_id = $1
			AND ($2::timestamptz IS NULL OR end_time > $2)
			AND ($3::timestamptz IS NULL OR start_time < $3)
		ORDER BY start_time ASC
	`, expertID, nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

// SetNotificationSent stamps confirmation_sent_at or reminder_sent_at from a
// notifications.delivered event.
func (r *BookingRepository) SetNotificationSent(ctx context.Context, bookingID, kind string, at time.Time) error {
	var column string
	switch kind {
	case "confirmation":
		column = "confirmation_sent_at"
	case "reminder":
		column = "reminder_sent_at"
	default:
		return fmt.Errorf("unknown notification kind %q", kind)
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET `+column+` = $2, updated_at = now()
		WHERE id = $1
	`, bookingID, at)
	return err
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrOverlappingBooking)
}

// IsNotFound also covers 22P02 (invalid uuid text): an id that cannot exist
// is indistinguishable from one that does not.
func IsNotFound(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanBooking(row pgx.Row) (model.Booking, error) {
	var b model.Booking
	var status string
	err := row.Scan(
		&b.ID,
		&b.SessionID,
		&b.ExpertID,
		&b.CalendarEventID,
		&b.Title,
		&b.StartTime,
		&b.EndTime,
		&b.Timezone,
		&b.ExpertEmail,
		&b.ClientName,
		&b.ClientEmail,
		&status,
		&b.ConfirmationSentAt,
		&b.ReminderSentAt,
		&b.CancelledAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return model.Booking{}, err
	}
	b.Status = model.BookingStatus(status)
	return b, nil
}

func collectBookings(rows pgx.Rows) ([]model.Booking, error) {
	defer rows.Close()
	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
