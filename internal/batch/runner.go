// Package batch runs resumable repository batches over a bounded worker
// pool. A batch is one mirror_jobs row: its item list is fixed at creation,
// progress is checkpointed after every item, and a crashed process can
// resume from the checkpoint on restart. Cancellation is cooperative —
// clearing in_progress stops workers from pulling new items while in-flight
// items finish and are still checkpointed.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/dest"
	"github.com/forgesync-io/forgesync/internal/discovery"
	"github.com/forgesync-io/forgesync/internal/errkind"
	"github.com/forgesync-io/forgesync/internal/events"
	"github.com/forgesync-io/forgesync/internal/metrics"
	"github.com/forgesync-io/forgesync/internal/mirror"
	"github.com/forgesync-io/forgesync/internal/source"
	"github.com/forgesync-io/forgesync/internal/store"
)

const (
	defaultPerUserWorkers = 4
	defaultGlobalCap      = 16

	// defaultItemTimeout is the soft per-item timeout; an item exceeding it
	// fails with a timeout message and the batch continues.
	defaultItemTimeout = 15 * time.Minute

	// defaultStaleAfter is how long a recovered job may sit without a
	// checkpoint before recovery declares it interrupted.
	defaultStaleAfter = time.Hour

	// cancelPollInterval is how often workers re-read the job row to notice
	// a cooperative cancel, and how often paused scheduled jobs re-check
	// for user-initiated traffic.
	cancelPollInterval = time.Second

	interruptedMessage = "interrupted"
	cancelledMessage   = "cancelled"
)

// Runner owns the worker pools of all running batches in this process.
type Runner struct {
	jobs    store.JobStore
	repos   store.RepoStore
	configs store.ConfigStore
	engine  *mirror.Engine
	factory ClientFactory
	bus     *events.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics

	perUserWorkers int
	itemTimeout    time.Duration
	staleAfter     time.Duration

	// globalSem caps concurrently processed items across all users.
	globalSem chan struct{}

	mu            sync.Mutex
	baseCtx       context.Context
	userInitiated map[uuid.UUID]int
	wg            sync.WaitGroup
}

// NewRunner builds a Runner. Call Start before creating batches.
func NewRunner(
	jobs store.JobStore,
	repos store.RepoStore,
	configs store.ConfigStore,
	engine *mirror.Engine,
	factory ClientFactory,
	bus *events.Bus,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		jobs:           jobs,
		repos:          repos,
		configs:        configs,
		engine:         engine,
		factory:        factory,
		bus:            bus,
		logger:         logger.Named("batch"),
		perUserWorkers: defaultPerUserWorkers,
		itemTimeout:    defaultItemTimeout,
		staleAfter:     defaultStaleAfter,
		globalSem:      make(chan struct{}, defaultGlobalCap),
		userInitiated:  make(map[uuid.UUID]int),
	}
}

// SetMetrics attaches the Prometheus collectors. A runner without them runs
// uninstrumented.
func (r *Runner) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// Start binds the runner to the process lifetime context. Batches spawned
// afterwards unwind with Cancelled when ctx is cancelled; unfinished jobs
// stay in_progress and are resumed by Recover on the next start.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()
}

// Wait blocks until every running batch goroutine has returned. Used by
// graceful shutdown after the base context is cancelled.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Params describes one batch to start.
type Params struct {
	UserID  uuid.UUID
	Type    db.JobType
	RepoIDs []uuid.UUID

	// Scheduled marks batches created by the schedule controller; they
	// yield to user-initiated batches at item boundaries.
	Scheduled bool
}

// StartBatch creates the job row and launches its worker pool. The returned
// job reflects the freshly created row; progress is observable through the
// jobs store and the event stream.
func (r *Runner) StartBatch(ctx context.Context, p Params) (*db.MirrorJob, error) {
	batchID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("batch: new batch id: %w", err)
	}
	now := time.Now().UTC()
	job := &db.MirrorJob{
		UserID:     p.UserID,
		BatchID:    batchID,
		JobType:    p.Type,
		Status:     runningStatus(p.Type),
		TotalItems: len(p.RepoIDs),
		ItemIDs:    store.EncodeItemIDs(p.RepoIDs),
		InProgress: true,
		StartedAt:  &now,
		Timestamp:  now,
	}
	if err := r.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	r.publish(ctx, p.UserID, channelFor(p.Type), map[string]any{
		"action": "job.started",
		"jobId":  job.ID,
		"type":   string(p.Type),
		"total":  job.TotalItems,
	})

	r.launch(job, p.Scheduled)
	return job, nil
}

// Cancel flips the job to not-in-progress. Workers notice at the next item
// boundary; in-flight items finish and are checkpointed.
func (r *Runner) Cancel(ctx context.Context, jobID uuid.UUID) error {
	return r.jobs.Cancel(ctx, jobID)
}

// Recover scans for jobs left in_progress by a previous process. Jobs with
// a recent checkpoint resume with their remaining items; stale ones are
// declared interrupted.
func (r *Runner) Recover(ctx context.Context) error {
	jobs, err := r.jobs.ListInProgress(ctx)
	if err != nil {
		return err
	}
	for i := range jobs {
		job := jobs[i]
		last := job.StartedAt
		if job.LastCheckpoint != nil {
			last = job.LastCheckpoint
		}
		if last == nil || time.Since(*last) > r.staleAfter {
			r.logger.Warn("marking stale job interrupted",
				zap.String("job_id", job.ID.String()))
			if err := r.jobs.Finish(ctx, job.ID, db.StatusFailed, interruptedMessage); err != nil {
				return err
			}
			continue
		}
		r.logger.Info("resuming interrupted job",
			zap.String("job_id", job.ID.String()),
			zap.Int("completed", job.CompletedItems),
			zap.Int("total", job.TotalItems))
		r.launch(&job, job.JobType == db.JobTypeSync)
	}
	return nil
}

func (r *Runner) launch(job *db.MirrorJob, scheduled bool) {
	r.mu.Lock()
	base := r.baseCtx
	if !scheduled {
		r.userInitiated[job.UserID]++
	}
	r.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if !scheduled {
			defer func() {
				r.mu.Lock()
				r.userInitiated[job.UserID]--
				if r.userInitiated[job.UserID] <= 0 {
					delete(r.userInitiated, job.UserID)
				}
				r.mu.Unlock()
			}()
		}
		r.run(base, job, scheduled)
	}()
}

func (r *Runner) hasUserInitiated(userID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userInitiated[userID] > 0
}

// run executes one batch to completion. It owns the job's terminal write.
func (r *Runner) run(ctx context.Context, job *db.MirrorJob, scheduled bool) {
	log := r.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("user_id", job.UserID.String()),
		zap.String("type", string(job.JobType)))

	cfg, err := r.configs.GetActiveForUser(ctx, job.UserID)
	if err != nil {
		r.finish(ctx, job, db.StatusFailed, "no active configuration")
		return
	}
	opts, err := cfg.Options()
	if err != nil {
		r.finish(ctx, job, db.StatusFailed, errkind.UserMessage(
			errkind.Wrap(errkind.ConfigInvalid, "mirror options are invalid", err)))
		return
	}

	src, srcToken, err := r.factory.SourceClient(cfg)
	if err != nil {
		r.finish(ctx, job, db.StatusFailed, errkind.UserMessage(err))
		return
	}
	dst, err := r.factory.DestClient(cfg)
	if err != nil {
		r.finish(ctx, job, db.StatusFailed, errkind.UserMessage(err))
		return
	}
	destUser, err := dst.AuthenticatedUser(ctx)
	if err != nil {
		r.finish(ctx, job, db.StatusFailed, errkind.UserMessage(err))
		return
	}

	itemIDs, err := store.DecodeItemIDs(job.ItemIDs)
	if err != nil {
		r.finish(ctx, job, db.StatusFailed, "corrupt item list")
		return
	}
	doneIDs, err := store.DecodeItemIDs(job.CompletedItemIDs)
	if err != nil {
		r.finish(ctx, job, db.StatusFailed, "corrupt checkpoint list")
		return
	}
	done := make(map[uuid.UUID]bool, len(doneIDs))
	for _, id := range doneIDs {
		done[id] = true
	}
	var remaining []uuid.UUID
	for _, id := range itemIDs {
		if !done[id] {
			remaining = append(remaining, id)
		}
	}

	if len(remaining) == 0 {
		r.finish(ctx, job, successStatus(job.JobType), "")
		return
	}

	// Plan destinations once over the whole tracked set so duplicate-name
	// resolution is stable across batches.
	plan, err := r.planDestinations(ctx, cfg, opts, destUser.Login)
	if err != nil {
		r.finish(ctx, job, db.StatusFailed, errkind.UserMessage(err))
		return
	}

	workers := r.perUserWorkers
	if workers > len(remaining) {
		workers = len(remaining)
	}

	itemCh := make(chan uuid.UUID)
	var (
		wg        sync.WaitGroup
		stateMu   sync.Mutex
		itemFails int
		batchErr  error
		sawCancel bool
	)

	setBatchErr := func(err error) {
		stateMu.Lock()
		if batchErr == nil {
			batchErr = err
		}
		stateMu.Unlock()
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range itemCh {
				if scheduled {
					r.yieldToUserJobs(ctx, job)
				}

				err := r.runItem(ctx, job, cfg, opts, src, srcToken, dst, plan, id)
				switch {
				case err == nil:
					r.countItem(job.JobType, "ok")
					r.checkpoint(ctx, job, id)
				case errkind.KindOf(err) == errkind.Cancelled:
					// Process shutdown: leave the item unchecked so a
					// resumed batch re-runs it.
					return
				case errkind.KindOf(err).BatchFatal():
					setBatchErr(err)
					return
				default:
					stateMu.Lock()
					itemFails++
					stateMu.Unlock()
					r.countItem(job.JobType, "failed")
					r.checkpoint(ctx, job, id)
				}
			}
		}()
	}

feed:
	for _, id := range remaining {
		stateMu.Lock()
		stop := batchErr != nil
		stateMu.Unlock()
		if stop || ctx.Err() != nil {
			break
		}
		if !r.stillInProgress(ctx, job.ID) {
			sawCancel = true
			break
		}
		select {
		case itemCh <- id:
		case <-ctx.Done():
			break feed
		}
	}
	close(itemCh)
	wg.Wait()

	switch {
	case ctx.Err() != nil:
		// Shutdown: keep in_progress so recovery resumes the batch.
		log.Info("batch suspended by shutdown")
	case batchErr != nil:
		r.finish(ctx, job, db.StatusFailed, errkind.UserMessage(batchErr))
	case sawCancel || !r.stillInProgress(ctx, job.ID):
		r.finish(ctx, job, db.StatusFailed, cancelledMessage)
	default:
		msg := ""
		if itemFails > 0 {
			msg = fmt.Sprintf("%d of %d items failed", itemFails, job.TotalItems)
		}
		r.finish(ctx, job, successStatus(job.JobType), msg)
	}
}

// runItem processes one repository under the per-item timeout and the
// global concurrency cap.
func (r *Runner) runItem(
	ctx context.Context,
	job *db.MirrorJob,
	cfg *db.Config,
	opts db.MirrorOptions,
	src source.Client,
	srcToken string,
	dst dest.Client,
	plan map[uuid.UUID]discovery.Destination,
	id uuid.UUID,
) error {
	select {
	case r.globalSem <- struct{}{}:
	case <-ctx.Done():
		return errkind.Wrap(errkind.Cancelled, "acquire worker slot", ctx.Err())
	}
	defer func() { <-r.globalSem }()

	itemCtx, cancel := context.WithTimeout(ctx, r.itemTimeout)
	defer cancel()

	repo, err := r.repos.GetByID(itemCtx, id)
	if err != nil {
		return err
	}
	if repo.UserID != job.UserID {
		return errkind.New(errkind.Fatal, "repository belongs to another user")
	}

	planned, ok := plan[repo.ID]
	if !ok {
		planned = discovery.Destination{Owner: repo.Owner, Name: repo.Name}
	}

	item := mirror.Item{
		Repo:        repo,
		Source:      src,
		Dest:        dst,
		Options:     opts,
		Destination: planned,
		SourceToken: srcToken,
	}

	switch job.JobType {
	case db.JobTypeSync:
		return r.engine.Sync(itemCtx, item)
	case db.JobTypeMetadata:
		return r.engine.Mirror(itemCtx, item)
	default: // mirror, retry
		return r.engine.Mirror(itemCtx, item)
	}
}

// yieldToUserJobs pauses a scheduled batch at the item boundary while the
// user has an active user-initiated batch.
func (r *Runner) yieldToUserJobs(ctx context.Context, job *db.MirrorJob) {
	for r.hasUserInitiated(job.UserID) {
		if ctx.Err() != nil || !r.stillInProgress(ctx, job.ID) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(cancelPollInterval):
		}
	}
}

func (r *Runner) stillInProgress(ctx context.Context, jobID uuid.UUID) bool {
	job, err := r.jobs.GetByID(ctx, jobID)
	if err != nil {
		return false
	}
	return job.InProgress
}

func (r *Runner) checkpoint(ctx context.Context, job *db.MirrorJob, itemID uuid.UUID) {
	// Checkpoints must land even during shutdown so completed work is
	// never repeated on resume.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := r.jobs.Checkpoint(bg, job.ID, itemID); err != nil {
		r.logger.Error("checkpoint failed",
			zap.String("job_id", job.ID.String()),
			zap.Error(err))
		return
	}
	r.publish(bg, job.UserID, channelFor(job.JobType), map[string]any{
		"action": "job.progress",
		"jobId":  job.ID,
		"itemId": itemID,
	})
}

func (r *Runner) countItem(t db.JobType, result string) {
	if r.metrics != nil {
		r.metrics.BatchItemsTotal.WithLabelValues(string(t), result).Inc()
	}
}

func (r *Runner) finish(ctx context.Context, job *db.MirrorJob, status db.RepoStatus, message string) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if r.metrics != nil {
		r.metrics.BatchesTotal.WithLabelValues(string(job.JobType), string(status)).Inc()
		if job.StartedAt != nil {
			r.metrics.BatchDuration.
				WithLabelValues(string(job.JobType)).
				Observe(time.Since(*job.StartedAt).Seconds())
		}
	}

	if err := r.jobs.Finish(bg, job.ID, status, message); err != nil {
		r.logger.Error("finish job",
			zap.String("job_id", job.ID.String()),
			zap.Error(err))
		return
	}
	r.publish(bg, job.UserID, channelFor(job.JobType), map[string]any{
		"action":  "job.completed",
		"jobId":   job.ID,
		"status":  string(status),
		"message": message,
	})
}

// planDestinations assigns destinations over every tracked, non-ignored
// repository of the user.
func (r *Runner) planDestinations(ctx context.Context, cfg *db.Config, opts db.MirrorOptions, destUser string) (map[uuid.UUID]discovery.Destination, error) {
	all, _, err := r.repos.ListByUser(ctx, cfg.UserID, store.ListOptions{})
	if err != nil {
		return nil, err
	}
	eligible := all[:0]
	for _, repo := range all {
		if repo.Status != db.StatusIgnored {
			eligible = append(eligible, repo)
		}
	}
	return discovery.AssignDestinations(opts, cfg.SourceUsername, destUser, eligible), nil
}

func (r *Runner) publish(ctx context.Context, userID uuid.UUID, channel string, payload map[string]any) {
	if err := r.bus.Publish(ctx, userID, channel, payload); err != nil {
		r.logger.Warn("publish event", zap.Error(err))
	}
}

func runningStatus(t db.JobType) db.RepoStatus {
	if t == db.JobTypeSync {
		return db.StatusSyncing
	}
	return db.StatusMirroring
}

func successStatus(t db.JobType) db.RepoStatus {
	if t == db.JobTypeSync {
		return db.StatusSynced
	}
	return db.StatusMirrored
}

func channelFor(t db.JobType) string {
	switch t {
	case db.JobTypeSync:
		return events.ChannelSync
	case db.JobTypeCleanup:
		return events.ChannelCleanup
	default:
		return events.ChannelMirror
	}
}
