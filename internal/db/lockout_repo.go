package db

import (
	"context"
	"time"

	"inactivity/internal/scheduler"
	"inactivity/internal/types"
)

// LockoutRepository writes user_lockouts rows. A lockout has no expiry; the
// primary key on user_id makes a second lockout a no-op.
type LockoutRepository struct {
	db DBTX
}

func NewLockoutRepository(db DBTX) *LockoutRepository {
	return &LockoutRepository{db: db}
}

// ApplyLockout returns false when the user is already locked out, and also
// when the target is the anonymous user id 0.
func (r *LockoutRepository) ApplyLockout(ctx context.Context, user types.User, reason, performer string) (bool, error) {
	if user.ID == 0 {
		return false, nil
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO user_lockouts (user_id, reason, performer, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO NOTHING`,
		user.ID,
		reason,
		performer,
		time.Now().UTC(),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply lockout", err)
	}
	return tag.RowsAffected() > 0, nil
}

var _ scheduler.LockoutStore = (*LockoutRepository)(nil)
