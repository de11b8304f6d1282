package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/auth"
	"github.com/forgesync-io/forgesync/internal/batch"
	"github.com/forgesync-io/forgesync/internal/cleanup"
	"github.com/forgesync-io/forgesync/internal/discovery"
	"github.com/forgesync-io/forgesync/internal/events"
	"github.com/forgesync-io/forgesync/internal/metrics"
	"github.com/forgesync-io/forgesync/internal/schedule"
	"github.com/forgesync-io/forgesync/internal/store"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main after all components are initialized and passed
// to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Resolver *auth.Resolver
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	Users   store.UserStore
	Configs store.ConfigStore
	Repos   store.RepoStore
	Orgs    store.OrgStore
	Jobs    store.JobStore
	Events  store.EventStore

	Bus        *events.Bus
	Runner     *batch.Runner
	Discoverer *discovery.Discoverer
	Cleaner    *cleanup.Reconciler
	Schedule   *schedule.Controller
	Factory    batch.ClientFactory

	// HealthPing is the database liveness probe behind /healthz.
	HealthPing func(ctx context.Context) error
}

// NewRouter builds and returns the fully configured Chi router. All
// routes are registered under /api/v1; /metrics and /healthz are public.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger, cfg.Metrics))
	r.Use(middleware.Recoverer)

	activityHandler := NewActivityHandler(cfg.Jobs, cfg.Cleaner, cfg.Logger)
	dashboardHandler := NewDashboardHandler(cfg.Repos, cfg.Orgs, cfg.Jobs, cfg.Configs, cfg.Logger)
	githubHandler := NewGithubHandler(cfg.Repos, cfg.Orgs, cfg.Configs, cfg.Discoverer, cfg.Factory, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Runner, cfg.Repos, cfg.Jobs, cfg.Configs, cfg.Discoverer, cfg.Factory, cfg.Schedule, cfg.Logger)
	repoHandler := NewRepoHandler(cfg.Repos, cfg.Logger)
	cleanupHandler := NewCleanupHandler(cfg.Cleaner, cfg.Configs, cfg.Factory, cfg.Logger)
	configHandler := NewConfigHandler(cfg.Configs, cfg.Logger)
	streamHandler := NewStreamHandler(cfg.Bus, cfg.Events, cfg.Metrics, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes ---
		r.Group(func(r chi.Router) {
			r.Get("/healthz", healthHandler(cfg.HealthPing))
			r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
		})

		// --- Authenticated routes ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Resolver))

			// Activity log
			r.Get("/activities", activityHandler.List)
			r.Post("/activities/cleanup", activityHandler.Purge)

			// Dashboard
			r.Get("/dashboard", dashboardHandler.Get)

			// Stored source graph
			r.Get("/github/repositories", githubHandler.ListRepositories)
			r.Get("/github/organizations", githubHandler.ListOrganizations)
			r.Post("/sync/organization", githubHandler.SyncOrganization)

			// Batch jobs
			r.Post("/job/mirror", jobHandler.Mirror)
			r.Post("/job/sync", jobHandler.Sync)
			r.Post("/job/retry", jobHandler.Retry)
			r.Post("/job/reset-metadata", jobHandler.ResetMetadata)
			r.Post("/job/schedule-sync", jobHandler.ScheduleSync)
			r.Post("/job/{id}/cancel", jobHandler.Cancel)

			// Per-repository overrides
			r.Patch("/repositories/{id}", repoHandler.Update)
			r.Patch("/repositories/{id}/status", repoHandler.UpdateStatus)

			// Cleanup reconciler
			r.Post("/cleanup/auto", cleanupHandler.Auto)

			// Active configuration
			r.Get("/config", configHandler.Get)
			r.Put("/config", configHandler.Put)

			// Event streams. /sse is the historical path, /events the
			// canonical one; both serve the same stream.
			r.Get("/events", streamHandler.SSE)
			r.Get("/sse", streamHandler.SSE)
			r.Get("/ws", streamHandler.WebSocket)
			r.Get("/events/unread", streamHandler.ListUnread)
			r.Post("/events/read-all", streamHandler.MarkAllRead)
		})
	})

	return r
}

func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				errJSON(w, http.StatusServiceUnavailable, "database unavailable", "unhealthy")
				return
			}
		}
		Ok(w, map[string]string{"status": "ok"})
	}
}
