package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"inactivity/internal/scheduler"
	"inactivity/internal/types"
)

// CandidateQuery selects users whose last touch and last edit are both at or
// before Cutoff and who have no lockout. Notification history and edits are
// pre-aggregated per user so each user appears once, carrying the newest
// notification timestamp.
type CandidateQuery struct {
	Cutoff time.Time
	// Limit caps the number of rows. Zero means no cap.
	Limit int
}

const candidateSelect = `SELECT u.id, u.name, COALESCE(u.email, ''), u.touched_at, u.exempt,
		        e.last_edit, n.last_sent, (l.user_id IS NOT NULL) AS locked
		 FROM users u
		 LEFT JOIN (
		     SELECT user_id, MAX(edited_at) AS last_edit
		     FROM user_edits
		     GROUP BY user_id
		 ) e ON e.user_id = u.id
		 LEFT JOIN (
		     SELECT user_id, MAX(sent_ts) AS last_sent
		     FROM inactivity_notifications
		     GROUP BY user_id
		 ) n ON n.user_id = u.id
		 LEFT JOIN user_lockouts l ON l.user_id = u.id`

// SQL renders the query and its arguments.
func (q CandidateQuery) SQL() (string, []any) {
	var sb strings.Builder
	sb.WriteString(candidateSelect)
	sb.WriteString(`
		 WHERE u.touched_at <= $1
		   AND l.user_id IS NULL
		   AND (e.last_edit IS NULL OR e.last_edit <= $1)
		 ORDER BY u.touched_at ASC, u.id ASC`)
	args := []any{q.Cutoff}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args
}

// DirectoryRepository reads accounts from the host application's users,
// user_edits and user_lockouts tables. Exemption is the users.exempt flag.
type DirectoryRepository struct {
	db DBTX
}

func NewDirectoryRepository(db DBTX) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// ListInactiveCandidates implements scheduler.Directory. Exempt users are
// returned; the eligibility filter removes them.
func (r *DirectoryRepository) ListInactiveCandidates(ctx context.Context, cutoff time.Time) ([]types.User, error) {
	return r.List(ctx, CandidateQuery{Cutoff: cutoff})
}

// List runs an arbitrary candidate query.
func (r *DirectoryRepository) List(ctx context.Context, q CandidateQuery) ([]types.User, error) {
	sql, args := q.SQL()
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query inactive candidates", err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate inactive candidates", err)
	}
	return users, nil
}

// LookupUser implements scheduler.Directory.
func (r *DirectoryRepository) LookupUser(ctx context.Context, id int64) (*types.User, error) {
	row := r.db.QueryRow(ctx, candidateSelect+`
		 WHERE u.id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && errors.Is(appErr.Err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, fmt.Sprintf("user %d not found", id), nil)
		}
		return nil, err
	}
	return &u, nil
}

// Touch records activity for the user at the given instant.
func (r *DirectoryRepository) Touch(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET touched_at = $2 WHERE id = $1`,
		id,
		at.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to touch user", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, fmt.Sprintf("user %d not found", id), nil)
	}
	return nil
}

func scanUser(row pgx.Row) (types.User, error) {
	var (
		u        types.User
		touched  time.Time
		lastEdit *time.Time
		lastSent *int64
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &touched, &u.IsExempt, &lastEdit, &lastSent, &u.IsLockedOut); err != nil {
		return types.User{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user", err)
	}

	u.LastActivityAt = touched.UTC()
	if lastEdit != nil {
		edit := lastEdit.UTC()
		u.LastEditAt = &edit
		if edit.After(u.LastActivityAt) {
			u.LastActivityAt = edit
		}
	}
	if lastSent != nil {
		sent := time.Unix(*lastSent, 0).UTC()
		u.LastNotifiedAt = &sent
	}
	return u, nil
}

var _ scheduler.Directory = (*DirectoryRepository)(nil)
