package scheduler

import (
	"context"
	"fmt"
	"time"

	"inactivity/internal/types"
)

// Reconciler finds scheduled warning days that passed without a warning
// being sent, typically because the scheduler did not run that day.
type Reconciler struct {
	policy Policy
	ledger Ledger
}

func NewReconciler(policy Policy, ledger Ledger) *Reconciler {
	return &Reconciler{policy: policy, ledger: ledger}
}

// HasPendingWarnings reports whether the user is inactive and has received
// fewer warnings than the schedule has entries.
func (r *Reconciler) HasPendingWarnings(ctx context.Context, u types.User, now time.Time) (bool, error) {
	if !r.policy.IsInactive(u, now) {
		return false, nil
	}

	kind := types.MailKindWarning
	sent, err := r.ledger.FindForUser(ctx, u.ID, LedgerQuery{Kind: &kind})
	if err != nil {
		return false, fmt.Errorf("count warnings for user %d: %w", u.ID, err)
	}
	return len(sent) < len(r.policy.WarningScheduleDays), nil
}

// FindMissed returns the missed warnings in schedule order. A schedule day is
// missed when its warning date is strictly before today, no warning was sent
// on that date, and no warning was sent on any later date.
func (r *Reconciler) FindMissed(ctx context.Context, u types.User, now time.Time) ([]types.MissedWarning, error) {
	pending, err := r.HasPendingWarnings(ctx, u, now)
	if err != nil || !pending {
		return nil, err
	}

	kind := types.MailKindWarning
	lockoutAt := r.policy.ProjectedLockoutInstant(u, now)
	today := r.policy.StartOfDay(now)

	var missed []types.MissedWarning
	for _, d := range r.policy.WarningScheduleDays {
		warnAt := lockoutAt.Add(-time.Duration(d) * day)
		warnDate := r.policy.StartOfDay(warnAt)
		if !warnDate.Before(today) {
			continue
		}
		nextDate := warnDate.AddDate(0, 0, 1)

		onDate, err := r.ledger.FindForUser(ctx, u.ID, LedgerQuery{
			Kind:  &kind,
			From:  &warnDate,
			Until: &nextDate,
			Limit: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("find warnings on %s for user %d: %w", warnDate.Format(time.DateOnly), u.ID, err)
		}
		if len(onDate) > 0 {
			continue
		}

		later, err := r.FindMoreRecentThan(ctx, u.ID, kind, warnAt)
		if err != nil {
			return nil, err
		}
		if len(later) > 0 {
			continue
		}

		missed = append(missed, types.MissedWarning{Day: d, ScheduledAt: warnAt})
	}

	return missed, nil
}

// FindMoreRecentThan returns the user's records of kind sent on a calendar
// date strictly after the date of at, newest first.
func (r *Reconciler) FindMoreRecentThan(ctx context.Context, userID int64, kind types.MailKind, at time.Time) ([]types.NotificationRecord, error) {
	from := r.policy.StartOfDay(at).AddDate(0, 0, 1)
	recs, err := r.ledger.FindForUser(ctx, userID, LedgerQuery{Kind: &kind, From: &from})
	if err != nil {
		return nil, fmt.Errorf("find %s records after %s for user %d: %w", kind, from.AddDate(0, 0, -1).Format(time.DateOnly), userID, err)
	}
	return recs, nil
}

// WarnedOn reports whether a warning is dated on the calendar date of at, or
// was written by a run whose reference time falls on that date. The second
// check catches a delayed warning sent earlier the same day, which is dated
// at its original schedule.
func (r *Reconciler) WarnedOn(ctx context.Context, u types.User, at time.Time) (bool, error) {
	kind := types.MailKindWarning
	from := r.policy.StartOfDay(at)
	until := from.AddDate(0, 0, 1)

	recs, err := r.ledger.FindForUser(ctx, u.ID, LedgerQuery{Kind: &kind, From: &from, Until: &until, Limit: 1})
	if err != nil {
		return false, fmt.Errorf("find warnings on %s for user %d: %w", from.Format(time.DateOnly), u.ID, err)
	}
	if len(recs) > 0 {
		return true, nil
	}

	recs, err = r.ledger.FindForUser(ctx, u.ID, LedgerQuery{Kind: &kind, RecordedFrom: &from, RecordedUntil: &until, Limit: 1})
	if err != nil {
		return false, fmt.Errorf("find warnings written on %s for user %d: %w", from.Format(time.DateOnly), u.ID, err)
	}
	return len(recs) > 0, nil
}

// MostRecentMissed picks the missed warning closest to the lockout, i.e. the
// one with the smallest Day.
func MostRecentMissed(missed []types.MissedWarning) (types.MissedWarning, bool) {
	if len(missed) == 0 {
		return types.MissedWarning{}, false
	}
	pick := missed[0]
	for _, m := range missed[1:] {
		if m.Day < pick.Day {
			pick = m
		}
	}
	return pick, true
}
