// Package main is the maintenance command of the inactivity lifecycle.
//
// Usage:
//
//	lifecycle [run] [--dry-run] [--no-lockout] [--filter=Alice,Bob] [--delay=5s]
//	          [--reference-time=2026-10-18T03:00:00Z] [--user=42]
//	lifecycle report [--limit=50] [--reference-time=...]
//	lifecycle daemon --schedule="0 3 * * *" [run flags]
//	lifecycle migrate
//
// --dry and --noblock are accepted as aliases of --dry-run and --no-lockout.
// A bare integer --delay is read as seconds. Configuration comes from the
// environment (and .env), see internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"inactivity/internal/app"
	"inactivity/internal/config"
	"inactivity/internal/scheduler"
	"inactivity/internal/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// runFlags are the options shared by run and daemon.
type runFlags struct {
	payload  scheduler.RunPayload
	delay    time.Duration
	userID   int64
	schedule string
	limit    int
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	flags, err := parseFlags(cmd, args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		fmt.Fprintf(stderr, "error: loading configuration: %v\n", err)
		return 1
	}
	logger := app.NewLogger(stderr, cfg.LogLevel)
	if flags.delay == 0 {
		flags.delay = cfg.Run.Delay
	}

	if cmd == "migrate" {
		if err := app.Migrate(ctx, cfg.Database, logger); err != nil {
			logger.Error("Migration failed", "error", err)
			return 1
		}
		return 0
	}

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Error("Failed to build lifecycle", "error", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to close lifecycle", "error", err)
		}
	}()

	switch cmd {
	case "run":
		return runOnce(ctx, a, flags, stdout, logger)
	case "report":
		return report(ctx, a, flags, stdout, logger)
	case "daemon":
		return daemon(ctx, a, cfg, flags, logger)
	default:
		fmt.Fprintf(stderr, "error: unknown command %q\n", cmd)
		return 2
	}
}

func parseFlags(cmd string, args []string, stderr io.Writer) (runFlags, error) {
	var (
		f       runFlags
		refTime string
		delay   string
		filter  []string
	)

	fs := pflag.NewFlagSet("lifecycle "+cmd, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		switch name {
		case "dry":
			name = "dry-run"
		case "noblock":
			name = "no-lockout"
		}
		return pflag.NormalizedName(name)
	})

	fs.StringVar(&refTime, "reference-time", "", "evaluate as of this instant (RFC 3339) instead of now")
	switch cmd {
	case "run", "daemon":
		fs.BoolVar(&f.payload.DryRun, "dry-run", false, "evaluate every user but send nothing and write nothing")
		fs.BoolVar(&f.payload.NoLockout, "no-lockout", false, "send and record lockout emails but do not lock accounts")
		fs.StringSliceVar(&filter, "filter", nil, "only act on these user names (comma separated)")
		fs.StringVar(&delay, "delay", "", "pause after each user that was emailed (duration, or seconds)")
		if cmd == "run" {
			fs.Int64Var(&f.userID, "user", 0, "evaluate a single user id")
		} else {
			fs.StringVar(&f.schedule, "schedule", "0 3 * * *", "cron expression in the reference timezone")
		}
	case "report":
		fs.IntVar(&f.limit, "limit", 100, "maximum number of rows")
	case "migrate":
	default:
		return f, fmt.Errorf("unknown command %q", cmd)
	}

	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if refTime != "" {
		t, err := time.Parse(time.RFC3339, refTime)
		if err != nil {
			return f, fmt.Errorf("invalid --reference-time %q: expected RFC 3339, e.g. 2026-10-18T03:00:00Z", refTime)
		}
		t = t.UTC()
		f.payload.ReferenceTime = &t
	}
	if delay != "" {
		d, err := parseDelay(delay)
		if err != nil {
			return f, err
		}
		f.delay = d
	}
	for _, name := range filter {
		if name = strings.TrimSpace(name); name != "" {
			f.payload.Filter = append(f.payload.Filter, name)
		}
	}
	return f, nil
}

func parseDelay(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("invalid --delay %q: must not be negative", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid --delay %q: expected a duration such as 5s", s)
	}
	return d, nil
}

func runOnce(ctx context.Context, a *app.App, f runFlags, stdout io.Writer, logger *slog.Logger) int {
	printHeader(stdout, a, f)

	if f.userID != 0 {
		now := a.Service.Now()
		if f.payload.ReferenceTime != nil {
			now = *f.payload.ReferenceTime
		}
		out, err := a.Service.RunUser(ctx, f.userID, now, scheduler.RunOptions{
			DryRun:    f.payload.DryRun,
			NoLockout: f.payload.NoLockout,
		})
		printOutcomes(stdout, []scheduler.Outcome{out})
		if err != nil {
			logger.Warn("User evaluation failed", "user_id", f.userID, "error", err)
			fmt.Fprintf(stdout, "\nErrors:\n%v\n", err)
		}
		return 0
	}

	res, err := a.Runner.Execute(ctx, f.payload, f.delay)
	if err != nil {
		logger.Error("Lifecycle run failed", "error", err)
		return 1
	}
	fmt.Fprintln(stdout, res.Summary())
	if res.Report == nil {
		return 0
	}
	printOutcomes(stdout, res.Report.Outcomes)
	// Per-user failures are reported but do not fail the run.
	if res.Report.Err != nil {
		fmt.Fprintf(stdout, "\nErrors:\n%v\n", res.Report.Err)
	}
	return 0
}

func report(ctx context.Context, a *app.App, f runFlags, stdout io.Writer, logger *slog.Logger) int {
	now := a.Service.Now()
	if f.payload.ReferenceTime != nil {
		now = *f.payload.ReferenceTime
	}
	rows, err := a.Service.Report(ctx, now, f.limit)
	if err != nil {
		logger.Error("Report failed", "error", err)
		return 1
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tINACTIVE DAYS\tDAYS LEFT\tLOCKOUT\tEMAIL")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%t\n",
			r.UserID, r.Name, r.InactiveDays, r.DaysUntilLockout,
			r.ProjectedLockout.Format(time.DateOnly), r.HasEmail)
	}
	_ = tw.Flush()
	return 0
}

// daemon runs the lifecycle on a cron schedule until ctx is cancelled. The
// reference time of each run is the tick itself.
func daemon(ctx context.Context, a *app.App, cfg *config.Config, f runFlags, logger *slog.Logger) int {
	loc := cfg.Policy.Location
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	_, err := c.AddFunc(f.schedule, func() {
		payload := f.payload
		payload.ReferenceTime = nil
		res, err := a.Runner.Execute(ctx, payload, f.delay)
		if err != nil {
			logger.ErrorContext(ctx, "Scheduled lifecycle run failed", "error", err)
			return
		}
		if res.Report != nil && res.Report.Err != nil {
			logger.WarnContext(ctx, "Scheduled lifecycle run finished with errors", "error", res.Report.Err)
		}
	})
	if err != nil {
		logger.Error("Invalid schedule", "schedule", f.schedule, "error", err)
		return 2
	}

	logger.Info("Lifecycle daemon started", "schedule", f.schedule, "timezone", loc.String())
	c.Start()
	<-ctx.Done()
	logger.Info("Lifecycle daemon stopping")
	<-c.Stop().Done()
	return 0
}

func printHeader(w io.Writer, a *app.App, f runFlags) {
	p := a.Service.Policy()
	now := a.Service.Now()
	if f.payload.ReferenceTime != nil {
		now = *f.payload.ReferenceTime
	}
	fmt.Fprintf(w, "Running at %s\n", now.Format("January 2, 2006, 3:04 pm"))
	if f.payload.DryRun {
		fmt.Fprintln(w, "\t- Running DRY mode")
	}
	if f.payload.NoLockout {
		fmt.Fprintln(w, "\t- Running NO LOCKOUT mode")
	}
	if len(f.payload.Filter) > 0 {
		fmt.Fprintf(w, "\t- Filtering by user names: %s\n", strings.Join(f.payload.Filter, ","))
	}
	fmt.Fprintf(w, "Looking for users inactive for >= %d days\n", p.InactivityThresholdDays)
	fmt.Fprintf(w, "Locking out users inactive for >= %d days\n", p.LockoutThresholdDays)
	fmt.Fprintf(w, "Sending warnings on the following schedule: %v days\n------\n", p.WarningScheduleDays)
}

func printOutcomes(w io.Writer, outcomes []scheduler.Outcome) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tACTION\tDAYS LEFT\tMAIL")
	for _, o := range outcomes {
		if o.Action == types.ActionNone {
			continue
		}
		mail := "-"
		if o.MailAttempted {
			mail = "sent"
			if !o.Mail.OK {
				mail = "failed: " + o.Mail.Message
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", o.UserID, o.UserName, o.Action, o.DaysLeft, mail)
	}
	_ = tw.Flush()
}
