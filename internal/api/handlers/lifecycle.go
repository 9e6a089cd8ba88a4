// Package handlers contains the admin API handlers for the inactivity
// lifecycle: the inactive-user report, a per-user dry-run preview, the
// notification history of a user, and recording activity for a user.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"inactivity/internal/core"
	"inactivity/internal/scheduler"
	"inactivity/internal/types"
)

// LifecycleService is the subset of scheduler.Service the handlers use.
type LifecycleService interface {
	Now() time.Time
	Policy() scheduler.Policy
	Report(ctx context.Context, now time.Time, limit int) ([]scheduler.ReportRow, error)
	RunUser(ctx context.Context, userID int64, now time.Time, opts scheduler.RunOptions) (scheduler.Outcome, error)
}

// UserToucher records activity for a user.
type UserToucher interface {
	Touch(ctx context.Context, id int64, at time.Time) error
}

// ReportQuery holds the GET /v1/inactive query parameters.
type ReportQuery struct {
	Limit int `query:"limit" validate:"min=1,max=1000"`
}

// PolicyMeta describes the policy a report was computed with.
type PolicyMeta struct {
	ReferenceTime           time.Time `json:"reference_time"`
	InactivityThresholdDays int       `json:"inactivity_threshold_days"`
	LockoutThresholdDays    int       `json:"lockout_threshold_days"`
	WarningScheduleDays     []int     `json:"warning_schedule_days"`
	Count                   int       `json:"count"`
}

// OutcomeDTO is the preview of what a run would do for one user.
type OutcomeDTO struct {
	UserID           int64                 `json:"user_id"`
	UserName         string                `json:"user_name,omitempty"`
	Action           types.LifecycleAction `json:"action"`
	DaysLeft         int                   `json:"days_left"`
	ProjectedLockout *time.Time            `json:"projected_lockout,omitempty"`
	MissedDay        int                   `json:"missed_day,omitempty"`
	ReferenceTime    time.Time             `json:"reference_time"`
}

// NotificationDTO is one ledger row.
type NotificationDTO struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	SentAt      time.Time `json:"sent_at"`
	RecordedAt  time.Time `json:"recorded_at"`
	Destination string    `json:"destination"`
	Attempt     int       `json:"attempt"`
}

// TouchRequest is the optional body of POST /v1/users/{id}/touch.
type TouchRequest struct {
	At *time.Time `json:"at,omitempty"`
}

// TouchResponse echoes the recorded activity instant.
type TouchResponse struct {
	UserID    int64     `json:"user_id"`
	TouchedAt time.Time `json:"touched_at"`
}

const defaultReportLimit = 100

// LifecycleHandler serves the admin lifecycle endpoints.
type LifecycleHandler struct {
	service   LifecycleService
	ledger    scheduler.Ledger
	users     UserToucher
	validator *core.Validator
	logger    *slog.Logger
}

func NewLifecycleHandler(
	service LifecycleService,
	ledger scheduler.Ledger,
	users UserToucher,
	v *core.Validator,
	l *slog.Logger,
) *LifecycleHandler {
	if l == nil {
		l = slog.Default()
	}
	return &LifecycleHandler{
		service:   service,
		ledger:    ledger,
		users:     users,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the handler on the /v1 router.
func (h *LifecycleHandler) RegisterRoutes(r chi.Router) {
	r.Get("/inactive", h.Report)
	r.Route("/users/{id}", func(r chi.Router) {
		r.Get("/preview", h.Preview)
		r.Get("/notifications", h.Notifications)
		r.Post("/touch", h.Touch)
	})
}

// Report handles GET /v1/inactive.
func (h *LifecycleHandler) Report(w http.ResponseWriter, r *http.Request) {
	q := ReportQuery{Limit: defaultReportLimit}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidQuery, "limit must be an integer", err))
			return
		}
		q.Limit = n
	}
	if err := h.validator.ValidateStruct(q); err != nil {
		core.Error(w, r, err)
		return
	}
	now, err := h.referenceTime(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	rows, err := h.service.Report(r.Context(), now, q.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to build inactive report", "error", err)
		core.Error(w, r, err)
		return
	}

	policy := h.service.Policy()
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: rows,
		Meta: PolicyMeta{
			ReferenceTime:           now,
			InactivityThresholdDays: policy.InactivityThresholdDays,
			LockoutThresholdDays:    policy.LockoutThresholdDays,
			WarningScheduleDays:     policy.WarningScheduleDays,
			Count:                   len(rows),
		},
	})
}

// Preview handles GET /v1/users/{id}/preview: the action a run at the
// reference time would take, evaluated as a dry run.
func (h *LifecycleHandler) Preview(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	now, err := h.referenceTime(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	out, err := h.service.RunUser(r.Context(), id, now, scheduler.RunOptions{DryRun: true})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	dto := OutcomeDTO{
		UserID:        out.UserID,
		UserName:      out.UserName,
		Action:        out.Action,
		DaysLeft:      out.DaysLeft,
		MissedDay:     out.MissedDay,
		ReferenceTime: now,
	}
	if !out.ProjectedLockout.IsZero() {
		dto.ProjectedLockout = &out.ProjectedLockout
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: dto})
}

// Notifications handles GET /v1/users/{id}/notifications.
func (h *LifecycleHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var q scheduler.LedgerQuery
	switch kind := r.URL.Query().Get("kind"); kind {
	case "":
	case types.MailKindWarning.String():
		k := types.MailKindWarning
		q.Kind = &k
	case types.MailKindLockout.String():
		k := types.MailKindLockout
		q.Kind = &k
	default:
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidQuery, "kind must be one of: warning, lockout", nil))
		return
	}

	recs, err := h.ledger.FindForUser(r.Context(), id, q)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	data := make([]NotificationDTO, 0, len(recs))
	for _, rec := range recs {
		data = append(data, NotificationDTO{
			ID:          rec.ID,
			Kind:        rec.Kind.String(),
			SentAt:      rec.SentAt,
			RecordedAt:  rec.RecordedAt,
			Destination: rec.Destination,
			Attempt:     rec.SentAttempt,
		})
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: data})
}

// Touch handles POST /v1/users/{id}/touch. Without a body the activity is
// recorded at the service clock's now. Future instants are rejected.
func (h *LifecycleHandler) Touch(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req TouchRequest
	if err := core.DecodeJSON(w, r, &req, true); err != nil {
		core.Error(w, r, err)
		return
	}

	now := h.service.Now()
	at := now
	if req.At != nil {
		if req.At.After(now) {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidQuery, "at must not be in the future", nil))
			return
		}
		at = req.At.UTC()
	}

	if err := h.users.Touch(r.Context(), id, at); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "User activity recorded",
		"user_id", id,
		"touched_at", at,
		"request_id", core.GetRequestID(r.Context()),
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: TouchResponse{UserID: id, TouchedAt: at}})
}

// referenceTime reads the optional reference_time query parameter (RFC 3339),
// defaulting to the service clock.
func (h *LifecycleHandler) referenceTime(r *http.Request) (time.Time, error) {
	s := r.URL.Query().Get("reference_time")
	if s == "" {
		return h.service.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidQuery, "reference_time must be RFC 3339", err)
	}
	return t.UTC(), nil
}

func userIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidUser, "user id must be a positive integer", err)
	}
	return id, nil
}
