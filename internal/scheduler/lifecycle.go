package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"inactivity/internal/types"
)

const (
	DefaultLockoutReason    = "Automatically locked for inactivity"
	DefaultLockoutPerformer = "inactivity-lifecycle"
)

// ServiceConfig wires a Service. Events and Metrics are optional.
type ServiceConfig struct {
	Policy    Policy
	Directory Directory
	Ledger    Ledger
	Lockouts  LockoutStore
	Mailer    Mailer
	Events    EventPublisher
	Metrics   RunMetrics
	Clock     quartz.Clock

	LockoutReason    string
	LockoutPerformer string

	Logger *slog.Logger
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithSleepFunc replaces the wait between sends. Tests use it to observe
// delays without waiting.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) ServiceOption {
	return func(s *Service) {
		s.sleep = fn
	}
}

// Service runs the inactivity lifecycle over the candidate population.
// A run is sequential: one candidate query, then one user at a time.
type Service struct {
	policy     Policy
	directory  Directory
	ledger     Ledger
	lockouts   LockoutStore
	mailer     Mailer
	reconciler *Reconciler
	events     EventPublisher
	metrics    RunMetrics
	clock      quartz.Clock
	sleep      func(ctx context.Context, d time.Duration) error

	reason    string
	performer string

	logger *slog.Logger
}

func NewService(cfg ServiceConfig, opts ...ServiceOption) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	reason := cfg.LockoutReason
	if reason == "" {
		reason = DefaultLockoutReason
	}
	performer := cfg.LockoutPerformer
	if performer == "" {
		performer = DefaultLockoutPerformer
	}

	s := &Service{
		policy:     cfg.Policy,
		directory:  cfg.Directory,
		ledger:     cfg.Ledger,
		lockouts:   cfg.Lockouts,
		mailer:     cfg.Mailer,
		reconciler: NewReconciler(cfg.Policy, cfg.Ledger),
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		clock:      clock,
		reason:     reason,
		performer:  performer,
		logger:     logger,
	}
	s.sleep = s.clockSleep
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock's current time in UTC.
func (s *Service) Now() time.Time {
	return s.clock.Now().UTC()
}

// Policy returns the policy the service evaluates against.
func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) clockSleep(ctx context.Context, d time.Duration) error {
	t := s.clock.NewTimer(d, "lifecycle", "delay")
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run evaluates every eligible candidate once, as of now. It returns an
// error only when the run could not proceed at all (candidate query failure
// or cancellation); per-user failures are collected in RunReport.Err.
func (s *Service) Run(ctx context.Context, now time.Time, opts RunOptions) (*RunReport, error) {
	report := &RunReport{ReferenceTime: now}

	s.logger.InfoContext(ctx, "Starting inactivity lifecycle run",
		"reference_time", now,
		"inactivity_threshold_days", s.policy.InactivityThresholdDays,
		"lockout_threshold_days", s.policy.LockoutThresholdDays,
		"warning_schedule_days", s.policy.WarningScheduleDays,
		"dry_run", opts.DryRun,
		"no_lockout", opts.NoLockout,
		"filter", opts.Filter,
	)

	candidates, err := s.directory.ListInactiveCandidates(ctx, s.policy.Cutoff(now))
	if err != nil {
		return nil, fmt.Errorf("list inactive candidates: %w", err)
	}
	candidates = FilterByName(Filter(candidates), opts.Filter)
	report.Scanned = len(candidates)
	if s.metrics != nil {
		s.metrics.RecordScanned(len(candidates))
	}

	var errs *multierror.Error
	sentPrevious := false
	for _, u := range candidates {
		if err := ctx.Err(); err != nil {
			report.Err = errs.ErrorOrNil()
			return report, err
		}

		if sentPrevious && opts.Delay > 0 {
			if err := s.sleep(ctx, opts.Delay); err != nil {
				report.Err = errs.ErrorOrNil()
				return report, err
			}
			sentPrevious = false
		}

		outcome, err := s.ProcessUser(ctx, u, now, opts)
		report.Outcomes = append(report.Outcomes, outcome)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to process user",
				"user_id", u.ID,
				"user_name", u.Name,
				"error", err,
			)
			errs = multierror.Append(errs, err)
		}
		if outcome.MailAttempted {
			sentPrevious = true
		}
		if s.metrics != nil && !opts.DryRun && outcome.Action != types.ActionNone {
			s.metrics.RecordAction(outcome.Action)
		}
	}

	report.Err = errs.ErrorOrNil()

	if s.metrics != nil && !opts.DryRun {
		if err := s.metrics.Flush(ctx); err != nil {
			s.logger.WarnContext(ctx, "Failed to flush run metrics", "error", err)
		}
	}

	s.logger.InfoContext(ctx, "Inactivity lifecycle run complete",
		"scanned", report.Scanned,
		"lockouts", report.Count(types.ActionLockout),
		"delayed_warnings", report.Count(types.ActionDelayedWarning),
		"scheduled_warnings", report.Count(types.ActionScheduledWarning),
		"failures", countErrors(errs),
	)

	return report, nil
}

// RunUser evaluates a single user looked up by id.
func (s *Service) RunUser(ctx context.Context, userID int64, now time.Time, opts RunOptions) (Outcome, error) {
	if userID == 0 {
		return Outcome{Action: types.ActionNone}, types.NewAppError(types.ErrCodeValidationInvalidUser, "user id must be non-zero", nil)
	}
	u, err := s.directory.LookupUser(ctx, userID)
	if err != nil {
		return Outcome{UserID: userID, Action: types.ActionNone}, err
	}
	return s.ProcessUser(ctx, *u, now, opts)
}

// ProcessUser applies the lifecycle decision to one user. At most one action
// is taken and lockout takes priority over any warning.
func (s *Service) ProcessUser(ctx context.Context, u types.User, now time.Time, opts RunOptions) (Outcome, error) {
	out := Outcome{UserID: u.ID, UserName: u.Name, Action: types.ActionNone}

	if !Eligible(u) || !s.policy.IsInactive(u, now) {
		return out, nil
	}

	out.DaysLeft = s.policy.DaysUntilLockout(u, now)
	out.ProjectedLockout = s.policy.ProjectedLockoutInstant(u, now)

	log := s.logger.With(
		"user_id", u.ID,
		"user_name", u.Name,
		"inactive_since", u.LastActivityAt,
		"days_left", out.DaysLeft,
		"projected_lockout", out.ProjectedLockout,
	)

	if out.DaysLeft <= 0 {
		out.Action = types.ActionLockout
		return s.lockout(ctx, log, u, now, opts, out)
	}

	if !u.HasEmail() {
		log.DebugContext(ctx, "User has no email address, skipped")
		return out, nil
	}

	missed, err := s.reconciler.FindMissed(ctx, u, now)
	if err != nil {
		return out, err
	}
	if pick, ok := MostRecentMissed(missed); ok {
		out.Action = types.ActionDelayedWarning
		out.MissedDay = pick.Day
		scheduledAt := pick.ScheduledAt
		log.InfoContext(ctx, "Sending delayed warning",
			"missed_day", pick.Day,
			"scheduled_at", scheduledAt,
			"dry_run", opts.DryRun,
		)
		return s.warn(ctx, log, u, now, opts, out, &scheduledAt, scheduledAt)
	}

	if s.policy.MatchesWarningSchedule(u, now) {
		already, err := s.reconciler.WarnedOn(ctx, u, now)
		if err != nil {
			return out, err
		}
		if already {
			log.DebugContext(ctx, "A warning was already sent today")
			return out, nil
		}
		out.Action = types.ActionScheduledWarning
		log.InfoContext(ctx, "Sending scheduled warning", "dry_run", opts.DryRun)
		return s.warn(ctx, log, u, now, opts, out, nil, now)
	}

	return out, nil
}

func (s *Service) warn(ctx context.Context, log *slog.Logger, u types.User, now time.Time, opts RunOptions, out Outcome, scheduledAt *time.Time, sentAt time.Time) (Outcome, error) {
	if opts.DryRun {
		return out, nil
	}

	out.Mail = s.mailer.Send(ctx, Notice{
		Kind:        types.MailKindWarning,
		User:        u,
		DaysLeft:    out.DaysLeft,
		LockoutAt:   out.ProjectedLockout,
		ScheduledAt: scheduledAt,
	})
	out.MailAttempted = true
	s.logMail(ctx, log, types.MailKindWarning, out.Mail)

	// The ledger is written whatever the transport said.
	if _, err := s.ledger.Insert(ctx, u.ID, u.Email, types.MailKindWarning, sentAt, now); err != nil {
		return out, fmt.Errorf("record warning for user %d: %w", u.ID, err)
	}
	return out, nil
}

func (s *Service) lockout(ctx context.Context, log *slog.Logger, u types.User, now time.Time, opts RunOptions, out Outcome) (Outcome, error) {
	log.InfoContext(ctx, "Locking out user",
		"email", u.Email,
		"dry_run", opts.DryRun,
		"no_lockout", opts.NoLockout,
	)
	if opts.DryRun {
		return out, nil
	}

	var errs *multierror.Error

	if u.HasEmail() {
		out.Mail = s.mailer.Send(ctx, Notice{
			Kind:      types.MailKindLockout,
			User:      u,
			DaysLeft:  out.DaysLeft,
			LockoutAt: out.ProjectedLockout,
		})
		out.MailAttempted = true
		s.logMail(ctx, log, types.MailKindLockout, out.Mail)
	} else {
		out.Mail = types.MailStatus{OK: false, Message: "user has no email address"}
		log.InfoContext(ctx, "User has no email address, lockout notice not sent")
	}

	if _, err := s.ledger.Insert(ctx, u.ID, u.Email, types.MailKindLockout, now, now); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("record lockout notice for user %d: %w", u.ID, err))
	}

	if opts.NoLockout {
		return out, errs.ErrorOrNil()
	}

	locked, err := s.lockouts.ApplyLockout(ctx, u, s.reason, s.performer)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("apply lockout for user %d: %w", u.ID, err))
		return out, errs.ErrorOrNil()
	}
	if !locked {
		log.InfoContext(ctx, "User already locked out")
		return out, errs.ErrorOrNil()
	}
	out.LockedOut = true

	if s.events != nil {
		event := types.LockoutEvent{
			EventID:   uuid.NewString(),
			UserID:    u.ID,
			UserName:  u.Name,
			Reason:    s.reason,
			Performer: s.performer,
			LockedAt:  now,
		}
		if err := s.events.PublishLockout(ctx, event); err != nil {
			log.WarnContext(ctx, "Failed to publish lockout event", "error", err)
		}
	}

	return out, errs.ErrorOrNil()
}

func (s *Service) logMail(ctx context.Context, log *slog.Logger, kind types.MailKind, status types.MailStatus) {
	if status.OK {
		log.InfoContext(ctx, "Mail delivered", "kind", kind.String(), "provider_message", status.Message)
		return
	}
	log.WarnContext(ctx, "Mail delivery failed", "kind", kind.String(), "error", status.Message)
	if s.metrics != nil {
		s.metrics.RecordMailFailure(kind)
	}
}

func countErrors(errs *multierror.Error) int {
	if errs == nil {
		return 0
	}
	return len(errs.Errors)
}
