package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"inactivity/internal/config"
	"inactivity/internal/db"
	"inactivity/internal/db/sqlite"
	"inactivity/internal/runner"
	"inactivity/internal/scheduler"
)

// UserStore is the directory plus the activity write used by the admin API.
type UserStore interface {
	scheduler.Directory
	Touch(ctx context.Context, id int64, at time.Time) error
}

// Stores groups the persistence side of the lifecycle behind one backend.
type Stores struct {
	Users    UserStore
	Ledger   scheduler.Ledger
	Lockouts scheduler.LockoutStore
	Locks    runner.JobLocker
	History  runner.JobHistorian

	Ping  func(ctx context.Context) error
	Close func() error
}

// OpenStores connects to the configured backend. PostgreSQL schemas are
// managed by Migrate; the SQLite store migrates itself on open.
func OpenStores(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Stores, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlite.OpenURL(ctx, cfg.URL.Unmask())
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.InfoContext(ctx, "SQLite store opened")
		return &Stores{
			Users:    store,
			Ledger:   store,
			Lockouts: store,
			Locks:    store,
			History:  store,
			Ping:     store.Ping,
			Close:    store.Close,
		}, nil

	case "postgres", "":
		pool, err := db.Connect(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		logger.InfoContext(ctx, "Database connection established",
			"max_conns", cfg.MaxConns,
		)
		return &Stores{
			Users:    db.NewDirectoryRepository(pool),
			Ledger:   db.NewLedgerRepository(pool),
			Lockouts: db.NewLockoutRepository(pool),
			Locks:    db.NewJobLockRepository(pool),
			History:  db.NewJobHistoryRepository(pool),
			Ping:     pool.Ping,
			Close: func() error {
				pool.Close()
				return nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.Driver)
	}
}

// Migrate brings the configured database schema up to date.
func Migrate(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) error {
	if cfg.Driver == "sqlite" {
		store, err := sqlite.OpenURL(ctx, cfg.URL.Unmask())
		if err != nil {
			return fmt.Errorf("migrate sqlite store: %w", err)
		}
		logger.InfoContext(ctx, "SQLite schema up to date")
		return store.Close()
	}
	return db.Migrate(cfg.URL.Unmask(), logger)
}
