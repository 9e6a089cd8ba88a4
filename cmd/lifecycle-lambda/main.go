// Package main is the entrypoint for the scheduled lifecycle Lambda.
//
// An EventBridge schedule invokes it with a scheduler.RunPayload. An empty
// payload is a normal run at the current time.
//
// Handler flow:
//  1. Resolve the reference time.
//  2. Acquire the per-day job lock (skipped for dry runs).
//  3. Run the lifecycle and record job history.
//  4. Return a summary of the actions taken.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"inactivity/internal/app"
	"inactivity/internal/config"
	"inactivity/internal/runner"
	"inactivity/internal/scheduler"
	"inactivity/internal/types"
)

// Executor is satisfied by *runner.Runner.
type Executor interface {
	Execute(ctx context.Context, payload scheduler.RunPayload, delay time.Duration) (runner.Result, error)
}

// Response is returned to the invoker.
type Response struct {
	Summary           string `json:"summary"`
	LockID            string `json:"lock_id"`
	Skipped           bool   `json:"skipped"`
	Scanned           int    `json:"scanned"`
	Lockouts          int    `json:"lockouts"`
	DelayedWarnings   int    `json:"delayed_warnings"`
	ScheduledWarnings int    `json:"scheduled_warnings"`
	UserErrors        string `json:"user_errors,omitempty"`
}

// Handler holds the Lambda dependencies.
type Handler struct {
	Runner Executor
	Delay  time.Duration
	Logger *slog.Logger
}

// Handle runs the lifecycle once. Per-user failures are reported in the
// response without failing the invocation, so EventBridge does not retry a
// run that already sent mail.
func (h *Handler) Handle(ctx context.Context, payload scheduler.RunPayload) (Response, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	res, err := h.Runner.Execute(ctx, payload, h.Delay)
	if err != nil {
		logger.ErrorContext(ctx, "lifecycle run failed", "error", err)
		return Response{}, err
	}

	resp := Response{
		Summary: res.Summary(),
		LockID:  res.LockID,
		Skipped: res.Skipped,
	}
	if res.Report != nil {
		resp.Scanned = res.Report.Scanned
		resp.Lockouts = res.Report.Count(types.ActionLockout)
		resp.DelayedWarnings = res.Report.Count(types.ActionDelayedWarning)
		resp.ScheduledWarnings = res.Report.Count(types.ActionScheduledWarning)
		if res.Report.Err != nil {
			resp.UserErrors = res.Report.Err.Error()
		}
	}
	return resp, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("Lifecycle Lambda initializing (cold start)")

	if err := coldStart(logger); err != nil {
		logger.Error("Lifecycle Lambda failed to initialize", "error", err)
		os.Exit(1)
	}
}

func coldStart(logger *slog.Logger) error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger = app.NewLogger(os.Stdout, cfg.LogLevel)

	// The store outlives every invocation of this sandbox.
	a, err := app.New(context.Background(), cfg, logger, app.Options{WorkerID: uuid.NewString()})
	if err != nil {
		return err
	}

	handler := &Handler{Runner: a.Runner, Delay: cfg.Run.Delay, Logger: logger}
	logger.Info("Lifecycle Lambda initialized",
		"version", cfg.Build.Version,
		"email_provider", a.Provider.Name(),
	)

	lambda.Start(handler.Handle)
	return nil
}
