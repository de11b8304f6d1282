// Package schedule drives periodic replication. A single per-process
// ticker scans for configurations whose next run is due, creates a sync
// batch for each and advances the last/next-run stamps. The stamps are
// updated only after the batch row exists — a crash between the two leaves
// a benign replay since batches are idempotent.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/batch"
	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/events"
	"github.com/forgesync-io/forgesync/internal/store"
)

const (
	// defaultCadence is the scan interval. Must stay at or under one
	// minute so a due schedule is picked up within its window.
	defaultCadence = 30 * time.Second

	// retentionCadence is how often the event retention pruner runs.
	retentionCadence = 10 * time.Minute
)

// Controller owns the periodic scan and the event retention pruner.
type Controller struct {
	cron    gocron.Scheduler
	configs store.ConfigStore
	repos   store.RepoStore
	jobs    store.JobStore
	runner  *batch.Runner
	bus     *events.Bus
	logger  *zap.Logger
	cadence time.Duration
}

// New creates the controller. Call Start to begin ticking.
func New(
	configs store.ConfigStore,
	repos store.RepoStore,
	jobs store.JobStore,
	runner *batch.Runner,
	bus *events.Bus,
	logger *zap.Logger,
	cadence time.Duration,
) (*Controller, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("schedule: create scheduler: %w", err)
	}
	if cadence <= 0 || cadence > time.Minute {
		cadence = defaultCadence
	}
	return &Controller{
		cron:    s,
		configs: configs,
		repos:   repos,
		jobs:    jobs,
		runner:  runner,
		bus:     bus,
		logger:  logger.Named("schedule"),
		cadence: cadence,
	}, nil
}

// Start registers the tick and retention jobs and starts the underlying
// scheduler. Singleton mode keeps a slow scan from overlapping the next.
func (c *Controller) Start(ctx context.Context) error {
	_, err := c.cron.NewJob(
		gocron.DurationJob(c.cadence),
		gocron.NewTask(func() { c.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule: register tick job: %w", err)
	}

	_, err = c.cron.NewJob(
		gocron.DurationJob(retentionCadence),
		gocron.NewTask(func() { c.pruneEvents(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule: register retention job: %w", err)
	}

	c.cron.Start()
	c.logger.Info("schedule controller started", zap.Duration("cadence", c.cadence))
	return nil
}

// Stop shuts the underlying scheduler down, waiting for a running scan to
// finish.
func (c *Controller) Stop() error {
	if err := c.cron.Shutdown(); err != nil {
		return fmt.Errorf("schedule: shutdown: %w", err)
	}
	c.logger.Info("schedule controller stopped")
	return nil
}

// tick scans due configurations and creates one sync batch per user.
func (c *Controller) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := c.configs.ListDue(ctx, now)
	if err != nil {
		c.logger.Error("scan due configs", zap.Error(err))
		return
	}

	for i := range due {
		cfg := due[i]
		if err := c.runDue(ctx, &cfg, now); err != nil {
			c.logger.Error("scheduled run failed",
				zap.String("user_id", cfg.UserID.String()),
				zap.Error(err))
		}
	}
}

func (c *Controller) runDue(ctx context.Context, cfg *db.Config, now time.Time) error {
	// At most one active scheduled batch per user.
	busy, err := c.jobs.HasInProgress(ctx, cfg.UserID, db.JobTypeSync)
	if err != nil {
		return err
	}
	if busy {
		c.logger.Debug("scheduled sync still running, skipping user",
			zap.String("user_id", cfg.UserID.String()))
		return nil
	}

	eligible, err := c.repos.ListByStatuses(ctx, cfg.UserID, []db.RepoStatus{
		db.StatusMirrored, db.StatusSynced, db.StatusFailed,
	})
	if err != nil {
		return err
	}

	if len(eligible) > 0 {
		ids := make([]uuid.UUID, 0, len(eligible))
		for _, repo := range eligible {
			ids = append(ids, repo.ID)
		}
		job, err := c.runner.StartBatch(ctx, batch.Params{
			UserID:    cfg.UserID,
			Type:      db.JobTypeSync,
			RepoIDs:   ids,
			Scheduled: true,
		})
		if err != nil {
			return err
		}
		c.logger.Info("scheduled sync batch created",
			zap.String("user_id", cfg.UserID.String()),
			zap.String("job_id", job.ID.String()),
			zap.Int("items", len(ids)))
	}

	// Stamps advance only after the batch exists (or there was nothing to
	// do), never before.
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	return c.configs.UpdateSchedule(ctx, cfg.ID, now, now.Add(interval))
}

// pruneEvents deletes durable events older than each user's cleanup
// retention window.
func (c *Controller) pruneEvents(ctx context.Context) {
	cfgs, err := c.configs.ListActive(ctx)
	if err != nil {
		c.logger.Error("list active configs for retention", zap.Error(err))
		return
	}
	for i := range cfgs {
		cfg := cfgs[i]
		policy, err := cfg.Cleanup()
		if err != nil || policy.RetentionSeconds <= 0 {
			continue
		}
		cutoff := time.Now().UTC().Add(-time.Duration(policy.RetentionSeconds) * time.Second)
		if _, err := c.bus.Prune(ctx, cfg.UserID, cutoff); err != nil {
			c.logger.Warn("prune events",
				zap.String("user_id", cfg.UserID.String()),
				zap.Error(err))
		}
	}
}

// TriggerUser runs the due-path for one user immediately, bypassing the
// next-run stamp. Used by the schedule-sync endpoint.
func (c *Controller) TriggerUser(ctx context.Context, cfg *db.Config) error {
	return c.runDue(ctx, cfg, time.Now().UTC())
}
