package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/batch"
	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/discovery"
	"github.com/forgesync-io/forgesync/internal/schedule"
	"github.com/forgesync-io/forgesync/internal/store"
)

// JobHandler starts and cancels batch jobs.
type JobHandler struct {
	runner     *batch.Runner
	repos      store.RepoStore
	jobs       store.JobStore
	configs    store.ConfigStore
	discoverer *discovery.Discoverer
	factory    batch.ClientFactory
	schedule   *schedule.Controller
	logger     *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(
	runner *batch.Runner,
	repos store.RepoStore,
	jobs store.JobStore,
	configs store.ConfigStore,
	discoverer *discovery.Discoverer,
	factory batch.ClientFactory,
	scheduleCtl *schedule.Controller,
	logger *zap.Logger,
) *JobHandler {
	return &JobHandler{
		runner:     runner,
		repos:      repos,
		jobs:       jobs,
		configs:    configs,
		discoverer: discoverer,
		factory:    factory,
		schedule:   scheduleCtl,
		logger:     logger.Named("job_handler"),
	}
}

// batchRequest is the shared body shape of the batch-starting endpoints.
type batchRequest struct {
	RepositoryIDs []string `json:"repositoryIds"`
	All           bool     `json:"all"`
}

// batchResponse acknowledges a started batch.
type batchResponse struct {
	JobID      string `json:"job_id"`
	BatchID    string `json:"batch_id"`
	JobType    string `json:"job_type"`
	TotalItems int    `json:"total_items"`
}

func batchToResponse(j *db.MirrorJob) batchResponse {
	return batchResponse{
		JobID:      j.ID.String(),
		BatchID:    j.BatchID.String(),
		JobType:    string(j.JobType),
		TotalItems: j.TotalItems,
	}
}

// Mirror handles POST /api/v1/job/mirror. With all=true it first runs
// discovery so newly created source repositories join the batch.
func (h *JobHandler) Mirror(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	var req batchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg, ok := h.activeConfig(w, r, userID)
	if !ok {
		return
	}

	var ids []uuid.UUID
	if req.All {
		src, _, err := h.factory.SourceClient(cfg)
		if err != nil {
			ErrKind(w, err)
			return
		}
		if _, err := h.discoverer.Run(r.Context(), cfg, src); err != nil {
			h.logger.Error("discovery before mirror batch failed", zap.Error(err))
			ErrKind(w, err)
			return
		}
		all, err := h.repos.ListByStatuses(r.Context(), userID, []db.RepoStatus{
			db.StatusImported, db.StatusFailed, db.StatusSkipped, db.StatusArchived,
		})
		if err != nil {
			h.logger.Error("failed to list mirrorable repositories", zap.Error(err))
			ErrInternal(w)
			return
		}
		for i := range all {
			ids = append(ids, all[i].ID)
		}
	} else {
		var ok bool
		ids, ok = h.ownedIDs(w, r, userID, req.RepositoryIDs)
		if !ok {
			return
		}
	}

	h.startBatch(w, r, batch.Params{
		UserID:  userID,
		Type:    db.JobTypeMirror,
		RepoIDs: ids,
	})
}

// Sync handles POST /api/v1/job/sync.
func (h *JobHandler) Sync(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	var req batchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, ok := h.activeConfig(w, r, userID); !ok {
		return
	}

	var ids []uuid.UUID
	if req.All || len(req.RepositoryIDs) == 0 {
		eligible, err := h.repos.ListByStatuses(r.Context(), userID, []db.RepoStatus{
			db.StatusMirrored, db.StatusSynced, db.StatusFailed,
		})
		if err != nil {
			h.logger.Error("failed to list syncable repositories", zap.Error(err))
			ErrInternal(w)
			return
		}
		for i := range eligible {
			ids = append(ids, eligible[i].ID)
		}
	} else {
		var ok bool
		ids, ok = h.ownedIDs(w, r, userID, req.RepositoryIDs)
		if !ok {
			return
		}
	}

	h.startBatch(w, r, batch.Params{
		UserID:  userID,
		Type:    db.JobTypeSync,
		RepoIDs: ids,
	})
}

// Retry handles POST /api/v1/job/retry. Only repositories currently in
// failed state are re-entered; others in the request are dropped.
func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	var req batchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, ok := h.activeConfig(w, r, userID); !ok {
		return
	}

	var candidates []db.Repository
	var err error
	if req.All || len(req.RepositoryIDs) == 0 {
		candidates, err = h.repos.ListByStatuses(r.Context(), userID, []db.RepoStatus{db.StatusFailed})
	} else {
		var requested []uuid.UUID
		requested, err = parseUUIDList(req.RepositoryIDs)
		if err != nil {
			ErrBadRequest(w, "repositoryIds must be valid UUIDs")
			return
		}
		candidates, err = h.repos.ListByIDs(r.Context(), userID, requested)
	}
	if err != nil {
		h.logger.Error("failed to list retry candidates", zap.Error(err))
		ErrInternal(w)
		return
	}

	var ids []uuid.UUID
	for i := range candidates {
		if candidates[i].Status == db.StatusFailed {
			ids = append(ids, candidates[i].ID)
		}
	}

	h.startBatch(w, r, batch.Params{
		UserID:  userID,
		Type:    db.JobTypeRetry,
		RepoIDs: ids,
	})
}

// ResetMetadata handles POST /api/v1/job/reset-metadata. It nulls out the
// metadata cursor blobs so the next mirror replays all metadata kinds.
func (h *JobHandler) ResetMetadata(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	var req batchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ids, ok := h.ownedIDs(w, r, userID, req.RepositoryIDs)
	if !ok {
		return
	}

	for _, id := range ids {
		if err := h.repos.SetMetadataState(r.Context(), id, "{}"); err != nil {
			h.logger.Error("failed to reset metadata state",
				zap.String("repository_id", id.String()),
				zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	Ok(w, map[string]int{"reset": len(ids)})
}

// ScheduleSync handles POST /api/v1/job/schedule-sync. It runs the
// scheduled-sync path for the caller immediately.
func (h *JobHandler) ScheduleSync(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	cfg, ok := h.activeConfig(w, r, userID)
	if !ok {
		return
	}

	if err := h.schedule.TriggerUser(r.Context(), cfg); err != nil {
		h.logger.Error("failed to trigger scheduled sync", zap.Error(err))
		ErrKind(w, err)
		return
	}
	Ok(w, map[string]string{"status": "triggered"})
}

// Cancel handles POST /api/v1/job/{id}/cancel. Cancellation is
// cooperative: in-flight items finish, no new items are dequeued.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.Error(err))
		ErrInternal(w)
		return
	}
	if job.UserID != userID {
		ErrNotFound(w)
		return
	}
	if !job.InProgress {
		ErrConflict(w, "job is not running")
		return
	}

	if err := h.runner.Cancel(r.Context(), id); err != nil {
		h.logger.Error("failed to cancel job", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// activeConfig loads the caller's active configuration or writes the
// appropriate error response.
func (h *JobHandler) activeConfig(w http.ResponseWriter, r *http.Request, userID uuid.UUID) (*db.Config, bool) {
	cfg, err := h.configs.GetActiveForUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrUnprocessable(w, "no active configuration")
			return nil, false
		}
		h.logger.Error("failed to load active config", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	return cfg, true
}

// ownedIDs parses the requested repository IDs and narrows them to rows
// owned by the caller. Unknown or foreign IDs are dropped silently.
func (h *JobHandler) ownedIDs(w http.ResponseWriter, r *http.Request, userID uuid.UUID, raw []string) ([]uuid.UUID, bool) {
	if len(raw) == 0 {
		ErrBadRequest(w, "repositoryIds is required")
		return nil, false
	}
	requested, err := parseUUIDList(raw)
	if err != nil {
		ErrBadRequest(w, "repositoryIds must be valid UUIDs")
		return nil, false
	}

	owned, err := h.repos.ListByIDs(r.Context(), userID, requested)
	if err != nil {
		h.logger.Error("failed to resolve repositories", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	ids := make([]uuid.UUID, 0, len(owned))
	for i := range owned {
		ids = append(ids, owned[i].ID)
	}
	return ids, true
}

func (h *JobHandler) startBatch(w http.ResponseWriter, r *http.Request, p batch.Params) {
	job, err := h.runner.StartBatch(r.Context(), p)
	if err != nil {
		h.logger.Error("failed to start batch",
			zap.String("job_type", string(p.Type)),
			zap.Error(err))
		ErrKind(w, err)
		return
	}
	Created(w, batchToResponse(job))
}
