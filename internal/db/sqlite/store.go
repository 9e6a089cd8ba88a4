// Package sqlite is a single-file store for the inactivity lifecycle, used
// for local runs and small wikis. It implements the same contracts as the
// PostgreSQL repositories. All instants are stored as unix seconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"inactivity/internal/scheduler"
	"inactivity/internal/types"
)

// Store implements scheduler.Directory, scheduler.Ledger and
// scheduler.LockoutStore on one *sql.DB.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path, applies PRAGMAs and runs the
// embedded migrations. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Single writer. One connection also keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// OpenURL accepts "sqlite://path", "file:path" or a bare path.
func OpenURL(ctx context.Context, url string) (*Store, error) {
	path := strings.TrimPrefix(url, "sqlite://")
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return nil, errors.New("empty sqlite path")
	}
	return Open(ctx, path)
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Directory ---

const candidateSelect = `SELECT u.id, u.name, COALESCE(u.email, ''), u.touched_at, u.exempt,
		       e.last_edit, n.last_sent, (l.user_id IS NOT NULL) AS locked
		FROM users u
		LEFT JOIN (SELECT user_id, MAX(edited_at) AS last_edit FROM user_edits GROUP BY user_id) e
		       ON e.user_id = u.id
		LEFT JOIN (SELECT user_id, MAX(sent_ts) AS last_sent FROM inactivity_notifications GROUP BY user_id) n
		       ON n.user_id = u.id
		LEFT JOIN user_lockouts l ON l.user_id = u.id`

// ListInactiveCandidates returns unlocked users whose last touch and last
// edit are both at or before cutoff, oldest activity first.
func (s *Store) ListInactiveCandidates(ctx context.Context, cutoff time.Time) ([]types.User, error) {
	return s.list(ctx, candidateSelect+`
		WHERE u.touched_at <= ?
		  AND l.user_id IS NULL
		  AND (e.last_edit IS NULL OR e.last_edit <= ?)
		ORDER BY u.touched_at ASC, u.id ASC`, cutoff.Unix(), cutoff.Unix())
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]types.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query users", err)
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
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate users", err)
	}
	return users, nil
}

// LookupUser returns a not_found_user AppError for unknown ids.
func (s *Store) LookupUser(ctx context.Context, id int64) (*types.User, error) {
	row := s.db.QueryRowContext(ctx, candidateSelect+` WHERE u.id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && errors.Is(appErr.Err, sql.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, fmt.Sprintf("user %d not found", id), nil)
		}
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user and returns its id.
func (s *Store) CreateUser(ctx context.Context, name, email string, touchedAt time.Time, exempt bool) (int64, error) {
	var mail any
	if email != "" {
		mail = email
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, email, touched_at, exempt) VALUES (?, ?, ?, ?)`,
		name, mail, touchedAt.Unix(), boolToInt(exempt),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to create user", err)
	}
	return res.LastInsertId()
}

// RecordEdit appends an edit for the user.
func (s *Store) RecordEdit(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_edits (user_id, edited_at) VALUES (?, ?)`, userID, at.Unix())
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record edit", err)
	}
	return nil
}

// Touch records activity for the user at the given instant.
func (s *Store) Touch(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET touched_at = ? WHERE id = ?`, at.Unix(), id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to touch user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, fmt.Sprintf("user %d not found", id), nil)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (types.User, error) {
	var (
		u        types.User
		touched  int64
		exempt   int
		lastEdit sql.NullInt64
		lastSent sql.NullInt64
		locked   int
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &touched, &exempt, &lastEdit, &lastSent, &locked); err != nil {
		return types.User{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user", err)
	}
	u.IsExempt = exempt != 0
	u.IsLockedOut = locked != 0
	u.LastActivityAt = time.Unix(touched, 0).UTC()
	if lastEdit.Valid {
		edit := time.Unix(lastEdit.Int64, 0).UTC()
		u.LastEditAt = &edit
		if edit.After(u.LastActivityAt) {
			u.LastActivityAt = edit
		}
	}
	if lastSent.Valid {
		sent := time.Unix(lastSent.Int64, 0).UTC()
		u.LastNotifiedAt = &sent
	}
	return u, nil
}

// --- Ledger ---

// Insert appends a record with the next attempt number for (user, kind).
func (s *Store) Insert(ctx context.Context, userID int64, destination string, kind types.MailKind, sentAt, recordedAt time.Time) (*types.NotificationRecord, error) {
	if !kind.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidQuery, fmt.Sprintf("unknown mail kind %d", kind), nil)
	}
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	if recordedAt.IsZero() {
		recordedAt = s.now()
	}

	rec := types.NotificationRecord{
		UserID:      userID,
		SentAt:      time.Unix(sentAt.Unix(), 0).UTC(),
		RecordedAt:  time.Unix(recordedAt.Unix(), 0).UTC(),
		Destination: destination,
		Kind:        kind,
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO inactivity_notifications (user_id, sent_ts, sent_email, sent_attempt, mail_type, recorded_ts)
		 SELECT ?1, ?2, ?3, COALESCE(MAX(sent_attempt), 0) + 1, ?4, ?5
		 FROM inactivity_notifications
		 WHERE user_id = ?1 AND mail_type = ?4
		 RETURNING id, sent_attempt`,
		userID, sentAt.Unix(), destination, int(kind), recordedAt.Unix(),
	).Scan(&rec.ID, &rec.SentAttempt)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to insert notification record", err)
	}
	return &rec, nil
}

// FindForUser returns matching records, newest first.
func (s *Store) FindForUser(ctx context.Context, userID int64, q scheduler.LedgerQuery) ([]types.NotificationRecord, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, user_id, sent_ts, sent_email, sent_attempt, mail_type, recorded_ts
		FROM inactivity_notifications WHERE user_id = ?`)
	args := []any{userID}
	if q.Kind != nil {
		sb.WriteString(" AND mail_type = ?")
		args = append(args, int(*q.Kind))
	}
	if q.From != nil {
		sb.WriteString(" AND sent_ts >= ?")
		args = append(args, q.From.Unix())
	}
	if q.Until != nil {
		sb.WriteString(" AND sent_ts < ?")
		args = append(args, q.Until.Unix())
	}
	if q.RecordedFrom != nil {
		sb.WriteString(" AND recorded_ts >= ?")
		args = append(args, q.RecordedFrom.Unix())
	}
	if q.RecordedUntil != nil {
		sb.WriteString(" AND recorded_ts < ?")
		args = append(args, q.RecordedUntil.Unix())
	}
	sb.WriteString(" ORDER BY sent_ts DESC, id DESC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query notification records", err)
	}
	defer rows.Close()

	var out []types.NotificationRecord
	for rows.Next() {
		var (
			rec        types.NotificationRecord
			sentTS     int64
			recordedTS int64
			kind       int
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &sentTS, &rec.Destination, &rec.SentAttempt, &kind, &recordedTS); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification record", err)
		}
		rec.SentAt = time.Unix(sentTS, 0).UTC()
		rec.RecordedAt = time.Unix(recordedTS, 0).UTC()
		rec.Kind = types.MailKind(kind)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate notification records", err)
	}
	return out, nil
}

// --- Lockouts ---

// ApplyLockout returns false for an existing lockout and for user id 0.
func (s *Store) ApplyLockout(ctx context.Context, user types.User, reason, performer string) (bool, error) {
	if user.ID == 0 {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_lockouts (user_id, reason, performer, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		user.ID, reason, performer, s.now().Unix(),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply lockout", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply lockout", err)
	}
	return n > 0, nil
}

// --- Run lock and history ---

// Acquire takes the named lock unless an unexpired holder exists.
func (s *Store) Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES (?1, ?2, ?3, ?4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = excluded.worker_id,
		       locked_at = excluded.locked_at,
		       expires_at = excluded.expires_at
		   WHERE job_locks.expires_at < ?3`,
		lockID, workerID, now.Unix(), now.Add(ttl).Unix(),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Release drops the lock if workerID still holds it.
func (s *Store) Release(ctx context.Context, lockID, workerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_locks WHERE id = ? AND worker_id = ?`, lockID, workerID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lock", err)
	}
	return nil
}

// Start inserts a running history row.
func (s *Store) Start(ctx context.Context, jobType string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_history (job_type, started_at, status) VALUES (?, ?, 'running')`,
		jobType, s.now().Unix())
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job history entry", err)
	}
	return res.LastInsertId()
}

// Finish closes a history row.
func (s *Store) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var errMsg any
	if jobErr != nil {
		errMsg = jobErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_history SET finished_at = ?, status = ?, items_count = ?, error = ? WHERE id = ?`,
		s.now().Unix(), status, items, errMsg, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job history entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}

// HistoryStatus returns the status and item count of a history row.
func (s *Store) HistoryStatus(ctx context.Context, id int64) (string, int, error) {
	var (
		status string
		items  int
	)
	err := s.db.QueryRowContext(ctx, `SELECT status, items_count FROM job_history WHERE id = ?`, id).Scan(&status, &items)
	return status, items, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ scheduler.Directory    = (*Store)(nil)
	_ scheduler.Ledger       = (*Store)(nil)
	_ scheduler.LockoutStore = (*Store)(nil)
)
