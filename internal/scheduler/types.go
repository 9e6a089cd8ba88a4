// Package scheduler implements the inactivity lifecycle: deciding, per
// inactive user, whether a warning is due, whether a warning was missed by an
// irregular run, and whether the account must be locked out.
//
// The services accept a reference time for deterministic execution and
// backfilling, and treat every collaborator (directory, ledger, lockout store,
// mail transport) as an injected interface.
package scheduler

import (
	"context"
	"time"

	"inactivity/internal/types"
)

// Directory is the read side of the user store.
type Directory interface {
	// ListInactiveCandidates returns users whose last activity is at or
	// before cutoff and who have no lockout, ordered by last activity
	// ascending.
	ListInactiveCandidates(ctx context.Context, cutoff time.Time) ([]types.User, error)

	// LookupUser returns a single user. Returns a not_found_user AppError if
	// the user does not exist.
	LookupUser(ctx context.Context, id int64) (*types.User, error)
}

// LedgerQuery filters notification records. Nil fields are unconstrained.
// From and RecordedFrom are inclusive, Until and RecordedUntil exclusive.
type LedgerQuery struct {
	Kind  *types.MailKind
	From  *time.Time
	Until *time.Time

	RecordedFrom  *time.Time
	RecordedUntil *time.Time

	// Limit caps the number of records returned. Zero means no limit.
	Limit int
}

// Ledger is the append-only notification history.
type Ledger interface {
	// Insert appends a record for (user, kind) with the next attempt number.
	// A zero sentAt or recordedAt means "now" as seen by the store.
	Insert(ctx context.Context, userID int64, destination string, kind types.MailKind, sentAt, recordedAt time.Time) (*types.NotificationRecord, error)

	// FindForUser returns matching records ordered by SentAt descending.
	FindForUser(ctx context.Context, userID int64, q LedgerQuery) ([]types.NotificationRecord, error)
}

// LockoutStore applies the terminal action.
type LockoutStore interface {
	// ApplyLockout returns false without error when the user is already
	// locked out.
	ApplyLockout(ctx context.Context, user types.User, reason, performer string) (bool, error)
}

// Notice is the content-independent description of one email.
type Notice struct {
	Kind      types.MailKind
	User      types.User
	DaysLeft  int
	LockoutAt time.Time
	// ScheduledAt is set for delayed warnings and is the instant the warning
	// should originally have gone out.
	ScheduledAt *time.Time
}

// Mailer renders and delivers notices. Transport failures are reported in
// the returned status, never as an error.
type Mailer interface {
	Send(ctx context.Context, n Notice) types.MailStatus
}

// EventPublisher is notified after a lockout was applied.
type EventPublisher interface {
	PublishLockout(ctx context.Context, event types.LockoutEvent) error
}

// RunMetrics collects per-run counters.
type RunMetrics interface {
	RecordScanned(n int)
	RecordAction(action types.LifecycleAction)
	RecordMailFailure(kind types.MailKind)
	Flush(ctx context.Context) error
}

// RunOptions mirrors the maintenance command line.
type RunOptions struct {
	// DryRun evaluates every user but sends nothing and writes nothing.
	DryRun bool
	// NoLockout sends lockout emails and records them but does not apply
	// the lockout.
	NoLockout bool
	// Filter restricts the run to the listed user names. Empty means all.
	Filter []string
	// Delay is waited before the next user whenever the previous user was
	// sent an email.
	Delay time.Duration
}

// RunPayload is the JSON payload accepted by the scheduled entry point.
//
//	{
//	  "reference_time": "2026-10-18T03:00:00Z",
//	  "dry_run": false,
//	  "no_lockout": false,
//	  "filter": ["Alice"]
//	}
type RunPayload struct {
	// ReferenceTime overrides "now". If nil the service clock is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
	DryRun        bool       `json:"dry_run,omitempty"`
	NoLockout     bool       `json:"no_lockout,omitempty"`
	Filter        []string   `json:"filter,omitempty"`
}

// Outcome is the result of evaluating one user.
type Outcome struct {
	UserID           int64
	UserName         string
	Action           types.LifecycleAction
	DaysLeft         int
	ProjectedLockout time.Time
	// MailAttempted is true when a transport call was made.
	MailAttempted bool
	Mail          types.MailStatus
	// LockedOut is true when the lockout store accepted the lockout.
	LockedOut bool
	// MissedDay is the schedule day recovered by a delayed warning.
	MissedDay int
}

// RunReport summarizes one run.
type RunReport struct {
	ReferenceTime time.Time
	Scanned       int
	Outcomes      []Outcome
	// Err aggregates per-user failures. The run continues past them.
	Err error
}

// Count returns the number of outcomes with the given action.
func (r *RunReport) Count(action types.LifecycleAction) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action == action {
			n++
		}
	}
	return n
}

// Actions is the number of users for which something was done.
func (r *RunReport) Actions() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action != types.ActionNone {
			n++
		}
	}
	return n
}
