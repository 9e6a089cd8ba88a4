package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"inactivity/internal/scheduler"
	"inactivity/internal/types"
)

// LedgerRepository stores one row per notification sent, in the
// inactivity_notifications table. Rows are never updated or deleted.
// sent_ts and recorded_ts are unix seconds.
type LedgerRepository struct {
	db DBTX
}

func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Insert appends a record. The attempt number is MAX(sent_attempt)+1 for the
// (user, kind) pair, computed in the same statement; the unique index on
// (user_id, mail_type, sent_attempt) rejects a concurrent duplicate.
// A zero sentAt or recordedAt is recorded as the current time.
func (r *LedgerRepository) Insert(ctx context.Context, userID int64, destination string, kind types.MailKind, sentAt, recordedAt time.Time) (*types.NotificationRecord, error) {
	if !kind.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidQuery, fmt.Sprintf("unknown mail kind %d", kind), nil)
	}
	now := time.Now().UTC()
	if sentAt.IsZero() {
		sentAt = now
	}
	if recordedAt.IsZero() {
		recordedAt = now
	}

	rec := types.NotificationRecord{
		UserID:      userID,
		SentAt:      time.Unix(sentAt.Unix(), 0).UTC(),
		RecordedAt:  time.Unix(recordedAt.Unix(), 0).UTC(),
		Destination: destination,
		Kind:        kind,
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO inactivity_notifications (user_id, sent_ts, sent_email, sent_attempt, mail_type, recorded_ts)
		 SELECT $1, $2, $3, COALESCE(MAX(sent_attempt), 0) + 1, $4, $5
		 FROM inactivity_notifications
		 WHERE user_id = $1 AND mail_type = $4
		 RETURNING id, sent_attempt`,
		userID,
		sentAt.Unix(),
		destination,
		int16(kind),
		recordedAt.Unix(),
	).Scan(&rec.ID, &rec.SentAttempt)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to insert notification record", err)
	}
	return &rec, nil
}

// FindForUser returns the user's records matching q, newest first.
func (r *LedgerRepository) FindForUser(ctx context.Context, userID int64, q scheduler.LedgerQuery) ([]types.NotificationRecord, error) {
	sql, args := buildLedgerQuery(userID, q)

	rows, err := r.db.Query(ctx, sql, args...)
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
			kind       int16
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

// LastSentAt returns the newest record's time for the user regardless of
// kind, or nil when nothing was ever sent.
func (r *LedgerRepository) LastSentAt(ctx context.Context, userID int64) (*time.Time, error) {
	recs, err := r.FindForUser(ctx, userID, scheduler.LedgerQuery{Limit: 1})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0].SentAt, nil
}

func buildLedgerQuery(userID int64, q scheduler.LedgerQuery) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, user_id, sent_ts, sent_email, sent_attempt, mail_type, recorded_ts
		 FROM inactivity_notifications
		 WHERE user_id = $1`)
	args := []any{userID}

	if q.Kind != nil {
		args = append(args, int16(*q.Kind))
		fmt.Fprintf(&sb, " AND mail_type = $%d", len(args))
	}
	if q.From != nil {
		args = append(args, q.From.Unix())
		fmt.Fprintf(&sb, " AND sent_ts >= $%d", len(args))
	}
	if q.Until != nil {
		args = append(args, q.Until.Unix())
		fmt.Fprintf(&sb, " AND sent_ts < $%d", len(args))
	}
	if q.RecordedFrom != nil {
		args = append(args, q.RecordedFrom.Unix())
		fmt.Fprintf(&sb, " AND recorded_ts >= $%d", len(args))
	}
	if q.RecordedUntil != nil {
		args = append(args, q.RecordedUntil.Unix())
		fmt.Fprintf(&sb, " AND recorded_ts < $%d", len(args))
	}
	sb.WriteString(" ORDER BY sent_ts DESC, id DESC")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args
}

var _ scheduler.Ledger = (*LedgerRepository)(nil)
