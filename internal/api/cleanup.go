package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/batch"
	"github.com/forgesync-io/forgesync/internal/cleanup"
	"github.com/forgesync-io/forgesync/internal/store"
)

// CleanupHandler triggers the destination-side cleanup reconciler.
type CleanupHandler struct {
	cleaner *cleanup.Reconciler
	configs store.ConfigStore
	factory batch.ClientFactory
	logger  *zap.Logger
}

// NewCleanupHandler creates a new CleanupHandler.
func NewCleanupHandler(
	cleaner *cleanup.Reconciler,
	configs store.ConfigStore,
	factory batch.ClientFactory,
	logger *zap.Logger,
) *CleanupHandler {
	return &CleanupHandler{
		cleaner: cleaner,
		configs: configs,
		factory: factory,
		logger:  logger.Named("cleanup_handler"),
	}
}

// cleanupOrphanResponse is one orphaned destination repository and what
// happened to it.
type cleanupOrphanResponse struct {
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	Action string `json:"action"`
}

// cleanupReportResponse is the JSON form of a reconciler run.
type cleanupReportResponse struct {
	Scanned  int                     `json:"scanned"`
	Archived int                     `json:"archived"`
	Deleted  int                     `json:"deleted"`
	DryRun   bool                    `json:"dry_run"`
	Orphans  []cleanupOrphanResponse `json:"orphans"`
}

// Auto handles POST /api/v1/cleanup/auto. It runs the cleanup reconciler
// for the caller synchronously and returns the report.
func (h *CleanupHandler) Auto(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	cfg, err := h.configs.GetActiveForUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrUnprocessable(w, "no active configuration")
			return
		}
		h.logger.Error("failed to load active config", zap.Error(err))
		ErrInternal(w)
		return
	}

	dst, err := h.factory.DestClient(cfg)
	if err != nil {
		ErrKind(w, err)
		return
	}

	report, err := h.cleaner.Run(r.Context(), cfg, dst)
	if err != nil {
		h.logger.Error("cleanup run failed", zap.Error(err))
		ErrKind(w, err)
		return
	}

	resp := cleanupReportResponse{
		Scanned:  report.Scanned,
		Archived: report.Archived,
		Deleted:  report.Deleted,
		DryRun:   report.DryRun,
		Orphans:  make([]cleanupOrphanResponse, len(report.Orphans)),
	}
	for i, o := range report.Orphans {
		resp.Orphans[i] = cleanupOrphanResponse{
			Owner:  o.Owner,
			Name:   o.Name,
			Action: o.Action,
		}
	}
	Ok(w, resp)
}
