package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/config"
	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/store"
)

// ConfigHandler serves the caller's active configuration. Credentials are
// write-only: responses carry presence flags, never token material.
type ConfigHandler struct {
	configs store.ConfigStore
	logger  *zap.Logger
}

// NewConfigHandler creates a new ConfigHandler.
func NewConfigHandler(configs store.ConfigStore, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{
		configs: configs,
		logger:  logger.Named("config_handler"),
	}
}

// configResponse is the JSON representation of a configuration.
type configResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	SourceUsername string `json:"sourceUsername"`
	SourceTokenSet bool   `json:"sourceTokenSet"`
	DestURL        string `json:"destUrl"`
	DestUser       string `json:"destUser"`
	DestTokenSet   bool   `json:"destTokenSet"`

	MirrorOptions db.MirrorOptions `json:"mirrorOptions"`
	CleanupConfig db.CleanupConfig `json:"cleanupConfig"`

	ScheduleEnabled bool    `json:"scheduleEnabled"`
	IntervalSeconds int     `json:"intervalSeconds"`
	LastRun         *string `json:"lastRun"`
	NextRun         *string `json:"nextRun"`
}

func configToResponse(cfg *db.Config) (configResponse, error) {
	opts, err := cfg.Options()
	if err != nil {
		return configResponse{}, err
	}
	cc, err := cfg.Cleanup()
	if err != nil {
		return configResponse{}, err
	}
	return configResponse{
		ID:              cfg.ID.String(),
		Name:            cfg.Name,
		SourceUsername:  cfg.SourceUsername,
		SourceTokenSet:  cfg.SourceToken != "",
		DestURL:         cfg.DestURL,
		DestUser:        cfg.DestUser,
		DestTokenSet:    cfg.DestToken != "",
		MirrorOptions:   opts,
		CleanupConfig:   cc,
		ScheduleEnabled: cfg.ScheduleEnabled,
		IntervalSeconds: cfg.IntervalSeconds,
		LastRun:         timeString(cfg.LastRun),
		NextRun:         timeString(cfg.NextRun),
	}, nil
}

// upsertConfigRequest is the body of PUT /config. Omitted tokens keep any
// stored credential.
type upsertConfigRequest struct {
	Name           string `json:"name"`
	SourceUsername string `json:"sourceUsername"`
	SourceToken    string `json:"sourceToken"`
	DestURL        string `json:"destUrl"`
	DestUser       string `json:"destUser"`
	DestToken      string `json:"destToken"`

	MirrorOptions db.MirrorOptions `json:"mirrorOptions"`
	CleanupConfig db.CleanupConfig `json:"cleanupConfig"`

	ScheduleEnabled bool `json:"scheduleEnabled"`
	IntervalSeconds int  `json:"intervalSeconds"`
}

// Get handles GET /api/v1/config.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	cfg, err := h.configs.GetActiveForUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load active config", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp, err := configToResponse(cfg)
	if err != nil {
		h.logger.Error("failed to decode config blobs", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, resp)
}

// Put handles PUT /api/v1/config. It updates the active configuration or
// creates one when the caller has none.
func (h *ConfigHandler) Put(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	var req upsertConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	existing, err := h.configs.GetActiveForUser(r.Context(), userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("failed to load active config", zap.Error(err))
		ErrInternal(w)
		return
	}

	cfg := existing
	created := false
	if cfg == nil {
		cfg = &db.Config{UserID: userID, IsActive: true}
		created = true
	}

	if req.Name != "" {
		cfg.Name = req.Name
	} else if cfg.Name == "" {
		cfg.Name = "default"
	}
	cfg.SourceUsername = req.SourceUsername
	cfg.DestURL = req.DestURL
	cfg.DestUser = req.DestUser
	if req.SourceToken != "" {
		cfg.SourceToken = db.EncryptedString(req.SourceToken)
	}
	if req.DestToken != "" {
		cfg.DestToken = db.EncryptedString(req.DestToken)
	}

	if err := cfg.SetOptions(req.MirrorOptions); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	if err := cfg.SetCleanup(req.CleanupConfig); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	cfg.ScheduleEnabled = req.ScheduleEnabled
	cfg.IntervalSeconds = req.IntervalSeconds
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 3600
	}
	cfg.CronExpr = config.CronFromInterval(cfg.IntervalSeconds)

	if created {
		err = h.configs.Create(r.Context(), cfg)
	} else {
		err = h.configs.Update(r.Context(), cfg)
	}
	if err != nil {
		h.logger.Error("failed to save config", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp, err := configToResponse(cfg)
	if err != nil {
		h.logger.Error("failed to decode config blobs", zap.Error(err))
		ErrInternal(w)
		return
	}
	if created {
		Created(w, resp)
		return
	}
	Ok(w, resp)
}
