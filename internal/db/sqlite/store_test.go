package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inactivity/internal/scheduler"
	"inactivity/internal/types"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	s.now = func() time.Time { return testNow }
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateUser(t *testing.T, s *Store, name, email string, touched time.Time, exempt bool) int64 {
	t.Helper()
	id, err := s.CreateUser(context.Background(), name, email, touched, exempt)
	require.NoError(t, err)
	return id
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, RunMigrations(context.Background(), s.db))
	require.NoError(t, s.Ping(context.Background()))
}

func TestOpenURL_RejectsEmptyPath(t *testing.T) {
	_, err := OpenURL(context.Background(), "sqlite://")
	require.Error(t, err)
}

func TestStore_ListInactiveCandidates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cutoff := testNow.AddDate(0, 0, -7)

	old := mustCreateUser(t, s, "Old", "old@wiki.test", testNow.AddDate(0, 0, -30), false)
	recent := mustCreateUser(t, s, "Recent", "recent@wiki.test", testNow.AddDate(0, 0, -1), false)
	edited := mustCreateUser(t, s, "Edited", "edited@wiki.test", testNow.AddDate(0, 0, -30), false)
	locked := mustCreateUser(t, s, "Locked", "", testNow.AddDate(0, 0, -40), false)
	exempt := mustCreateUser(t, s, "Bot", "", testNow.AddDate(0, 0, -50), true)
	_ = recent

	require.NoError(t, s.RecordEdit(ctx, edited, testNow.AddDate(0, 0, -2)))
	require.NoError(t, s.RecordEdit(ctx, old, testNow.AddDate(0, 0, -20)))
	applied, err := s.ApplyLockout(ctx, types.User{ID: locked}, "r", "p")
	require.NoError(t, err)
	require.True(t, applied)

	users, err := s.ListInactiveCandidates(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, users, 2)

	assert.Equal(t, exempt, users[0].ID, "oldest touch first")
	assert.True(t, users[0].IsExempt)
	assert.Equal(t, old, users[1].ID)
	assert.Equal(t, testNow.AddDate(0, 0, -20), users[1].LastActivityAt, "edit newer than touch wins")
}

func TestStore_LookupUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := mustCreateUser(t, s, "Alice", "alice@wiki.test", testNow, false)

	u, err := s.LookupUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Name)
	assert.Equal(t, testNow, u.LastActivityAt)
	assert.False(t, u.IsLockedOut)

	_, err = s.LookupUser(ctx, 9999)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestStore_Touch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := mustCreateUser(t, s, "Alice", "alice@wiki.test", testNow.AddDate(0, 0, -30), false)

	require.NoError(t, s.Touch(ctx, id, testNow))
	u, err := s.LookupUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, testNow, u.LastActivityAt)

	err = s.Touch(ctx, 9999, testNow)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestStore_LedgerAttemptsAndQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d1 := testNow.AddDate(0, 0, -3)
	d2 := testNow.AddDate(0, 0, -1)

	r1, err := s.Insert(ctx, 1, "a@wiki.test", types.MailKindWarning, d1, time.Time{})
	require.NoError(t, err)
	r2, err := s.Insert(ctx, 1, "a@wiki.test", types.MailKindWarning, d2, time.Time{})
	require.NoError(t, err)
	r3, err := s.Insert(ctx, 1, "a@wiki.test", types.MailKindLockout, time.Time{}, time.Time{})
	require.NoError(t, err)
	r4, err := s.Insert(ctx, 2, "b@wiki.test", types.MailKindWarning, d1, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 1, r1.SentAttempt)
	assert.Equal(t, 2, r2.SentAttempt)
	assert.Equal(t, 1, r3.SentAttempt, "attempts are numbered per kind")
	assert.Equal(t, testNow, r3.SentAt, "zero time recorded as now")
	assert.Equal(t, 1, r4.SentAttempt, "attempts are numbered per user")

	warning := types.MailKindWarning
	recs, err := s.FindForUser(ctx, 1, scheduler.LedgerQuery{Kind: &warning})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, d2, recs[0].SentAt, "newest first")

	from := scheduler.Policy{}.StartOfDay(d1)
	until := from.AddDate(0, 0, 1)
	recs, err = s.FindForUser(ctx, 1, scheduler.LedgerQuery{Kind: &warning, From: &from, Until: &until})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, r1.ID, recs[0].ID)

	recs, err = s.FindForUser(ctx, 1, scheduler.LedgerQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.MailKindLockout, recs[0].Kind)

	_, err = s.Insert(ctx, 1, "a@wiki.test", types.MailKind(7), testNow, time.Time{})
	require.Error(t, err)
}

func TestStore_LedgerRecordedRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	scheduled := testNow.AddDate(0, 0, -2)
	delayed, err := s.Insert(ctx, 1, "a@wiki.test", types.MailKindWarning, scheduled, testNow)
	require.NoError(t, err)
	_, err = s.Insert(ctx, 1, "a@wiki.test", types.MailKindWarning, testNow.AddDate(0, 0, -5), testNow.AddDate(0, 0, -5))
	require.NoError(t, err)

	warning := types.MailKindWarning
	from := scheduler.Policy{}.StartOfDay(testNow)
	until := from.AddDate(0, 0, 1)

	recs, err := s.FindForUser(ctx, 1, scheduler.LedgerQuery{Kind: &warning, RecordedFrom: &from, RecordedUntil: &until})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, delayed.ID, recs[0].ID)
	assert.Equal(t, scheduled, recs[0].SentAt)
	assert.Equal(t, testNow, recs[0].RecordedAt)

	recs, err = s.FindForUser(ctx, 1, scheduler.LedgerQuery{Kind: &warning, From: &from, Until: &until})
	require.NoError(t, err)
	assert.Empty(t, recs, "a delayed warning is dated at its schedule")
}

func TestStore_ApplyLockout(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := mustCreateUser(t, s, "Eve", "eve@wiki.test", testNow, false)

	applied, err := s.ApplyLockout(ctx, types.User{ID: id}, "inactive", "lifecycle")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyLockout(ctx, types.User{ID: id}, "inactive", "lifecycle")
	require.NoError(t, err)
	assert.False(t, applied, "second lockout is a no-op")

	applied, err = s.ApplyLockout(ctx, types.User{ID: 0}, "inactive", "lifecycle")
	require.NoError(t, err)
	assert.False(t, applied)

	u, err := s.LookupUser(ctx, id)
	require.NoError(t, err)
	assert.True(t, u.IsLockedOut)
}

func TestStore_JobLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.Acquire(ctx, "lifecycle:2026-10-18", "w1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Acquire(ctx, "lifecycle:2026-10-18", "w2", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "held by w1")

	// An expired lock is reclaimed.
	s.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	ok, err = s.Acquire(ctx, "lifecycle:2026-10-18", "w2", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	// w1 no longer holds it, so its release leaves the lock in place.
	require.NoError(t, s.Release(ctx, "lifecycle:2026-10-18", "w1"))
	ok, err = s.Acquire(ctx, "lifecycle:2026-10-18", "w3", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "lifecycle:2026-10-18", "w2"))
	ok, err = s.Acquire(ctx, "lifecycle:2026-10-18", "w3", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_JobHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Start(ctx, "lifecycle")
	require.NoError(t, err)

	status, _, err := s.HistoryStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "running", status)

	require.NoError(t, s.Finish(ctx, id, "success", 4, nil))
	status, items, err := s.HistoryStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "success", status)
	assert.Equal(t, 4, items)

	require.Error(t, s.Finish(ctx, id+100, "failed", 0, errors.New("x")))
}
