package scheduler

import (
	"context"
	"fmt"
	"time"
)

// ReportRow is one line of the inactive-user report.
type ReportRow struct {
	UserID           int64      `json:"user_id"`
	Name             string     `json:"name"`
	InactiveDays     int        `json:"inactive_days"`
	LastActivityAt   time.Time  `json:"last_activity_at"`
	LastNotifiedAt   *time.Time `json:"last_notified_at,omitempty"`
	DaysUntilLockout int        `json:"days_until_lockout"`
	ProjectedLockout time.Time  `json:"projected_lockout"`
	HasEmail         bool       `json:"has_email"`
}

// Report lists eligible inactive users, oldest activity first, capped at
// limit rows (zero means no cap).
func (s *Service) Report(ctx context.Context, now time.Time, limit int) ([]ReportRow, error) {
	candidates, err := s.directory.ListInactiveCandidates(ctx, s.policy.Cutoff(now))
	if err != nil {
		return nil, fmt.Errorf("list inactive candidates: %w", err)
	}
	candidates = Filter(candidates)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	rows := make([]ReportRow, 0, len(candidates))
	for _, u := range candidates {
		rows = append(rows, ReportRow{
			UserID:           u.ID,
			Name:             u.Name,
			InactiveDays:     s.policy.InactiveDays(u, now),
			LastActivityAt:   u.LastActivityAt,
			LastNotifiedAt:   u.LastNotifiedAt,
			DaysUntilLockout: s.policy.DaysUntilLockout(u, now),
			ProjectedLockout: s.policy.ProjectedLockoutInstant(u, now),
			HasEmail:         u.HasEmail(),
		})
	}
	return rows, nil
}
