package main

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"

	"inactivity/internal/app"
	"inactivity/internal/config"
	"inactivity/internal/db/sqlite"
	"inactivity/internal/types"
)

var runNow = time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC)

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Send(_ context.Context, in types.SendInput) (string, error) {
	return "msg-" + in.ReferenceID, nil
}

func newFileApp(t *testing.T) (*app.App, *sqlite.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lifecycle.db")

	cfg := &config.Config{Environment: "local"}
	cfg.Policy = config.PolicyConfig{
		InactivityThresholdDays: 7,
		LockoutThresholdDays:    14,
		WarningScheduleDays:     []int{1, 3, 5},
		LockoutReason:           "Automatically locked for inactivity",
		LockoutPerformer:        "inactivity-lifecycle",
		Location:                time.UTC,
	}
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", URL: types.SecretString(path)}
	cfg.Email = config.EmailConfig{Provider: "smtp", SMTPHost: "localhost", SMTPPort: 2525, FromAddress: "admin@wiki.test", FromName: "Wiki Admin", SiteName: "Test Wiki"}
	cfg.Run.LockTTL = time.Hour

	clock := quartz.NewMock(t)
	clock.Set(runNow)
	a, err := app.New(context.Background(), cfg, quietLogger(), app.Options{Clock: clock, Provider: stubProvider{}, WorkerID: "cli-test"})
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	store, ok := a.Stores.Users.(*sqlite.Store)
	if !ok {
		t.Fatalf("expected the sqlite store, got %T", a.Stores.Users)
	}
	return a, store, path
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// rejectLedgerWrites makes every ledger insert fail while reads keep working.
func rejectLedgerWrites(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open side connection: %v", err)
	}
	defer db.Close()
	_, err = db.Exec(`CREATE TRIGGER reject_ledger BEFORE INSERT ON inactivity_notifications
		BEGIN SELECT RAISE(ABORT, 'ledger is read-only'); END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}
}

func TestRunOnce_PerUserFailuresExitZero(t *testing.T) {
	ctx := context.Background()
	a, store, path := newFileApp(t)
	if _, err := store.CreateUser(ctx, "Alice", "alice@wiki.test", runNow.Add(-15*24*time.Hour), false); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := store.CreateUser(ctx, "Frank", "frank@wiki.test", runNow.Add(-9*24*time.Hour), false); err != nil {
		t.Fatalf("create user: %v", err)
	}
	rejectLedgerWrites(t, path)

	var out bytes.Buffer
	code := runOnce(ctx, a, runFlags{}, &out, quietLogger())

	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
	s := out.String()
	if !strings.Contains(s, "Errors:") {
		t.Errorf("per-user failures not printed: %s", s)
	}
	if !strings.Contains(s, "record lockout notice for user") || !strings.Contains(s, "record warning for user") {
		t.Errorf("missing failure detail: %s", s)
	}
	if !strings.Contains(s, "Alice") || !strings.Contains(s, "Frank") {
		t.Errorf("outcomes not printed: %s", s)
	}
}

func TestRunOnce_UnknownUserExitZero(t *testing.T) {
	a, _, _ := newFileApp(t)

	var out bytes.Buffer
	code := runOnce(context.Background(), a, runFlags{userID: 99}, &out, quietLogger())

	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "user 99 not found") {
		t.Errorf("lookup failure not printed: %s", out.String())
	}
}
