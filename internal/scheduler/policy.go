package scheduler

import (
	"math"
	"slices"
	"time"

	"inactivity/internal/types"
)

const day = 24 * time.Hour

// Policy holds the inactivity thresholds and the warning schedule. All
// methods are pure functions of the user and the supplied reference time.
type Policy struct {
	InactivityThresholdDays int
	LockoutThresholdDays    int
	// WarningScheduleDays lists "days before lockout" on which a warning is
	// due. Order is preserved in reconciler output.
	WarningScheduleDays []int
	// Location is used to truncate instants to calendar dates. Defaults to UTC.
	Location *time.Location
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// InactivityThreshold is the inactivity threshold as a duration.
func (p Policy) InactivityThreshold() time.Duration {
	return time.Duration(p.InactivityThresholdDays) * day
}

// LockoutThreshold is the lockout threshold as a duration.
func (p Policy) LockoutThreshold() time.Duration {
	return time.Duration(p.LockoutThresholdDays) * day
}

// Cutoff is the latest activity instant that still counts as inactive at now.
func (p Policy) Cutoff(now time.Time) time.Time {
	return now.Add(-p.InactivityThreshold())
}

// IsInactive reports whether the user has been inactive for at least the
// inactivity threshold.
func (p Policy) IsInactive(u types.User, now time.Time) bool {
	return !u.LastActivityAt.After(p.Cutoff(now))
}

// TimeUntilLockout is the signed time remaining before the lockout threshold
// is reached. Negative once the threshold has passed.
func (p Policy) TimeUntilLockout(u types.User, now time.Time) time.Duration {
	return p.LockoutThreshold() - now.Sub(u.LastActivityAt)
}

// SecondsUntilLockout is TimeUntilLockout in whole seconds.
func (p Policy) SecondsUntilLockout(u types.User, now time.Time) int64 {
	return int64(p.TimeUntilLockout(u, now) / time.Second)
}

// DaysUntilLockout rounds the remaining time to whole days, half away from
// zero, so 3.5 days is 4 and -3.5 days is -4.
func (p Policy) DaysUntilLockout(u types.User, now time.Time) int {
	return int(math.Round(p.TimeUntilLockout(u, now).Hours() / 24))
}

// ProjectedLockoutInstant is the unrounded instant at which the lockout
// threshold is reached.
func (p Policy) ProjectedLockoutInstant(u types.User, now time.Time) time.Time {
	return now.Add(p.TimeUntilLockout(u, now))
}

// MatchesWarningSchedule reports whether the rounded days-until-lockout is
// one of the configured warning days.
func (p Policy) MatchesWarningSchedule(u types.User, now time.Time) bool {
	return slices.Contains(p.WarningScheduleDays, p.DaysUntilLockout(u, now))
}

// StartOfDay truncates t to midnight of its calendar date in the policy's
// location.
func (p Policy) StartOfDay(t time.Time) time.Time {
	t = t.In(p.location())
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.location())
}

// SameDay reports whether a and b fall on the same calendar date.
func (p Policy) SameDay(a, b time.Time) bool {
	return p.StartOfDay(a).Equal(p.StartOfDay(b))
}

// InactiveDays is the whole number of days since the user's last activity,
// rounded down. Used by reports.
func (p Policy) InactiveDays(u types.User, now time.Time) int {
	return int(math.Floor(now.Sub(u.LastActivityAt).Hours() / 24))
}
