package storage

import (
	"context"

	"github.com/leadpilot/expert-booking/internal/model"
	"github.com/leadpilot/expert-booking/libs/db"
)

type ExpertRepository struct {
	pool *db.Pool
}

func NewExpertRepository(pool *db.Pool) *ExpertRepository {
	return &ExpertRepository{pool: pool}
}

func (r *ExpertRepository) GetByID(ctx context.Context, id string) (model.Expert, error) {
	var e model.Expert
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, role, email, calendar_refresh_token, timezone, created_at, updated_at
		FROM experts
		WHERE id = $1
	`, id).Scan(
		&e.ID,
		&e.Name,
		&e.Role,
		&e.Email,
		&e.CalendarRefreshToken,
		&e.Timezone,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return model.Expert{}, err
	}
	return e, nil
}

// RotateCredential replaces the expert's calendar refresh token. The only
// post-provisioning mutation experts receive; driven by the
// credential-rotation event consumer.
func (r *ExpertRepository) RotateCredential(ctx context.Context, expertID, refreshToken string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE experts
		SET calendar_refresh_token = $2, updated_at = now()
		WHERE id = $1
	`, expertID, refreshToken)
	return err
}
