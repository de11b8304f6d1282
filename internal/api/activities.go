package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/cleanup"
	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/store"
)

// ActivityHandler serves the mirror-job activity log.
type ActivityHandler struct {
	jobs    store.JobStore
	cleaner *cleanup.Reconciler
	logger  *zap.Logger
}

// NewActivityHandler creates a new ActivityHandler.
func NewActivityHandler(jobs store.JobStore, cleaner *cleanup.Reconciler, logger *zap.Logger) *ActivityHandler {
	return &ActivityHandler{
		jobs:    jobs,
		cleaner: cleaner,
		logger:  logger.Named("activity_handler"),
	}
}

// activityResponse is the JSON representation of a mirror job.
type activityResponse struct {
	ID             string  `json:"id"`
	BatchID        string  `json:"batch_id"`
	JobType        string  `json:"job_type"`
	Status         string  `json:"status"`
	Message        string  `json:"message"`
	TotalItems     int     `json:"total_items"`
	CompletedItems int     `json:"completed_items"`
	InProgress     bool    `json:"in_progress"`
	StartedAt      *string `json:"started_at"`
	CompletedAt    *string `json:"completed_at"`
	Timestamp      string  `json:"timestamp"`
}

func activityToResponse(j *db.MirrorJob) activityResponse {
	return activityResponse{
		ID:             j.ID.String(),
		BatchID:        j.BatchID.String(),
		JobType:        string(j.JobType),
		Status:         string(j.Status),
		Message:        j.Message,
		TotalItems:     j.TotalItems,
		CompletedItems: j.CompletedItems,
		InProgress:     j.InProgress,
		StartedAt:      timeString(j.StartedAt),
		CompletedAt:    timeString(j.CompletedAt),
		Timestamp:      j.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// listActivitiesResponse wraps a paginated list of activities.
type listActivitiesResponse struct {
	Items []activityResponse `json:"items"`
	Total int64              `json:"total"`
}

// List handles GET /api/v1/activities. Jobs are returned newest-first.
func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())
	opts := paginationOpts(r)

	jobs, total, err := h.jobs.ListByUser(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("failed to list activities", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]activityResponse, len(jobs))
	for i := range jobs {
		items[i] = activityToResponse(&jobs[i])
	}
	Ok(w, listActivitiesResponse{Items: items, Total: total})
}

// Purge handles POST /api/v1/activities/cleanup. It deletes the caller's
// jobs and events; in-progress jobs are forced to failed first so nothing
// is removed while logically running.
func (h *ActivityHandler) Purge(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	if err := h.cleaner.PurgeActivities(r.Context(), userID); err != nil {
		h.logger.Error("failed to purge activities", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
