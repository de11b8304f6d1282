package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/store"
)

// DashboardHandler aggregates the per-user overview.
type DashboardHandler struct {
	repos   store.RepoStore
	orgs    store.OrgStore
	jobs    store.JobStore
	configs store.ConfigStore
	logger  *zap.Logger
}

// NewDashboardHandler creates a new DashboardHandler.
func NewDashboardHandler(
	repos store.RepoStore,
	orgs store.OrgStore,
	jobs store.JobStore,
	configs store.ConfigStore,
	logger *zap.Logger,
) *DashboardHandler {
	return &DashboardHandler{
		repos:   repos,
		orgs:    orgs,
		jobs:    jobs,
		configs: configs,
		logger:  logger.Named("dashboard_handler"),
	}
}

// dashboardResponse is the aggregated overview payload.
type dashboardResponse struct {
	Counts           map[string]int64     `json:"counts"`
	TotalRepos       int64                `json:"total_repositories"`
	Repositories     []repositoryResponse `json:"repositories"`
	Organizations    []orgResponse        `json:"organizations"`
	Activities       []activityResponse   `json:"activities"`
	LastSync         *string              `json:"last_sync"`
	ScheduleEnabled  bool                 `json:"schedule_enabled"`
	NextScheduledRun *string              `json:"next_scheduled_run"`
}

// Get handles GET /api/v1/dashboard. It returns the status breakdown, the
// latest repositories, organizations and activities, and the schedule
// stamps from the active configuration.
func (h *DashboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())
	ctx := r.Context()

	counts, err := h.repos.CountByStatus(ctx, userID)
	if err != nil {
		h.logger.Error("failed to count repositories", zap.Error(err))
		ErrInternal(w)
		return
	}
	byStatus := make(map[string]int64, len(counts))
	var total int64
	for status, n := range counts {
		byStatus[string(status)] = n
		total += n
	}

	repos, _, err := h.repos.ListByUser(ctx, userID, store.ListOptions{Limit: 10})
	if err != nil {
		h.logger.Error("failed to list repositories", zap.Error(err))
		ErrInternal(w)
		return
	}

	orgs, err := h.orgs.ListByUser(ctx, userID)
	if err != nil {
		h.logger.Error("failed to list organizations", zap.Error(err))
		ErrInternal(w)
		return
	}

	jobs, _, err := h.jobs.ListByUser(ctx, userID, store.ListOptions{Limit: 10})
	if err != nil {
		h.logger.Error("failed to list activities", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := dashboardResponse{
		Counts:     byStatus,
		TotalRepos: total,
	}
	resp.Repositories = make([]repositoryResponse, len(repos))
	for i := range repos {
		resp.Repositories[i] = repositoryToResponse(&repos[i])
	}
	resp.Organizations = make([]orgResponse, len(orgs))
	for i := range orgs {
		resp.Organizations[i] = orgToResponse(&orgs[i])
	}
	resp.Activities = make([]activityResponse, len(jobs))
	for i := range jobs {
		resp.Activities[i] = activityToResponse(&jobs[i])
	}

	cfg, err := h.configs.GetActiveForUser(ctx, userID)
	switch {
	case err == nil:
		resp.LastSync = timeString(cfg.LastRun)
		resp.ScheduleEnabled = cfg.ScheduleEnabled
		resp.NextScheduledRun = timeString(cfg.NextRun)
	case errors.Is(err, store.ErrNotFound):
		// No active config yet; the dashboard still renders.
	default:
		h.logger.Error("failed to load active config", zap.Error(err))
		ErrInternal(w)
		return
	}

	// The last completed sync beats the schedule stamp when more recent.
	var lastRun *time.Time
	if cfg != nil {
		lastRun = cfg.LastRun
	}
	for i := range jobs {
		j := &jobs[i]
		if j.JobType != db.JobTypeSync || j.CompletedAt == nil {
			continue
		}
		if lastRun == nil || j.CompletedAt.After(*lastRun) {
			resp.LastSync = timeString(j.CompletedAt)
		}
		break
	}

	Ok(w, resp)
}
