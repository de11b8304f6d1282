package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/store"
)

// RepoHandler serves per-repository overrides.
type RepoHandler struct {
	repos  store.RepoStore
	logger *zap.Logger
}

// NewRepoHandler creates a new RepoHandler.
func NewRepoHandler(repos store.RepoStore, logger *zap.Logger) *RepoHandler {
	return &RepoHandler{
		repos:  repos,
		logger: logger.Named("repo_handler"),
	}
}

// updateRepositoryRequest is the body of PATCH /repositories/{id}.
type updateRepositoryRequest struct {
	DestinationOrg *string `json:"destinationOrg"`
}

// Update handles PATCH /api/v1/repositories/{id}. The destination-org
// override supersedes the configured mirror strategy on the next batch.
func (h *RepoHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateRepositoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DestinationOrg == nil {
		ErrBadRequest(w, "destinationOrg is required")
		return
	}

	repo, err := h.repos.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get repository", zap.Error(err))
		ErrInternal(w)
		return
	}
	if repo.UserID != userID {
		ErrNotFound(w)
		return
	}

	if err := h.repos.SetDestinationOrg(r.Context(), id, *req.DestinationOrg); err != nil {
		h.logger.Error("failed to set destination org", zap.Error(err))
		ErrInternal(w)
		return
	}

	repo.DestinationOrg = *req.DestinationOrg
	Ok(w, repositoryToResponse(repo))
}

// updateStatusRequest is the body of PATCH /repositories/{id}/status.
type updateStatusRequest struct {
	Status string `json:"status"`
}

// statusOverrideAllowed is the subset of the status enum an operator may
// set directly. Engine-owned transient states are excluded.
func statusOverrideAllowed(s db.RepoStatus) bool {
	switch s {
	case db.StatusImported, db.StatusIgnored, db.StatusSkipped, db.StatusArchived, db.StatusFailed:
		return true
	}
	return false
}

// UpdateStatus handles PATCH /api/v1/repositories/{id}/status.
func (h *RepoHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status := db.RepoStatus(req.Status)
	if !status.Valid() {
		ErrBadRequest(w, "unknown status "+req.Status)
		return
	}
	if !statusOverrideAllowed(status) {
		ErrUnprocessable(w, "status "+req.Status+" cannot be set directly")
		return
	}

	repo, err := h.repos.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get repository", zap.Error(err))
		ErrInternal(w)
		return
	}
	if repo.UserID != userID {
		ErrNotFound(w)
		return
	}

	if err := h.repos.UpdateStatus(r.Context(), id, status, ""); err != nil {
		h.logger.Error("failed to update status", zap.Error(err))
		ErrInternal(w)
		return
	}

	repo.Status = status
	repo.ErrorMessage = ""
	Ok(w, repositoryToResponse(repo))
}
