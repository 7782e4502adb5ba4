package storage

import (
	"context"

	"github.com/leadpilot/expert-booking/internal/model"
	"github.com/leadpilot/expert-booking/libs/db"
)

type SessionRepository struct {
	pool *db.Pool
}

func NewSessionRepository(pool *db.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (model.Session, error) {
	var s model.Session
	err := r.pool.QueryRow(ctx, `
		SELECT id, COALESCE(visitor_name, ''), COALESCE(visitor_email, ''), created_at
		FROM chat_sessions
		WHERE id = $1
	`, id).Scan(&s.ID, &s.VisitorName, &s.VisitorEmail, &s.CreatedAt)
	if err != nil {
		return model.Session{}, err
	}
	return s, nil
}
