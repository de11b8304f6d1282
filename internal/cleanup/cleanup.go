// Package cleanup reconciles the destination forge against the tracked
// repository set: destination mirrors that no longer correspond to any
// tracked source repository are orphans, handled per the user's cleanup
// policy (skip, archive or delete). It also owns the activity purge used
// by the activities endpoint.
package cleanup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/dest"
	"github.com/forgesync-io/forgesync/internal/events"
	"github.com/forgesync-io/forgesync/internal/store"
)

// purgeMessage is written on in-progress jobs forced terminal by an
// activity purge.
const purgeMessage = "Job interrupted and cleaned up by user"

// Reconciler finds and retires orphaned destination repositories.
type Reconciler struct {
	repos  store.RepoStore
	jobs   store.JobStore
	bus    *events.Bus
	logger *zap.Logger
}

// New builds a Reconciler.
func New(repos store.RepoStore, jobs store.JobStore, bus *events.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		repos:  repos,
		jobs:   jobs,
		bus:    bus,
		logger: logger.Named("cleanup"),
	}
}

// Orphan is one destination repository with no tracked source counterpart.
type Orphan struct {
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	Action string `json:"action"` // skipped, protected, archived, deleted, would-delete, would-archive
}

// Report summarizes one reconciler run.
type Report struct {
	Scanned  int      `json:"scanned"`
	Orphans  []Orphan `json:"orphans"`
	Archived int      `json:"archived"`
	Deleted  int      `json:"deleted"`
	DryRun   bool     `json:"dryRun"`
}

// Run scans every destination owner the user mirrors into and applies the
// cleanup policy to orphans. Only pull mirrors are considered — repositories
// created by hand on the destination are never touched.
func (r *Reconciler) Run(ctx context.Context, cfg *db.Config, dst dest.Client) (*Report, error) {
	policy, err := cfg.Cleanup()
	if err != nil {
		return nil, err
	}

	self, err := dst.AuthenticatedUser(ctx)
	if err != nil {
		return nil, err
	}

	stored, _, err := r.repos.ListByUser(ctx, cfg.UserID, store.ListOptions{})
	if err != nil {
		return nil, err
	}

	// Tracked destinations: every row still participating in replication.
	tracked := make(map[string]*db.Repository, len(stored))
	owners := map[string]bool{strings.ToLower(self.Login): true}
	byDest := make(map[string]*db.Repository, len(stored))
	for i := range stored {
		repo := &stored[i]
		if repo.DestinationOwner == "" {
			continue
		}
		key := destKey(repo.DestinationOwner, repo.DestinationName)
		byDest[key] = repo
		owners[strings.ToLower(repo.DestinationOwner)] = true
		switch repo.Status {
		case db.StatusDeleted, db.StatusIgnored:
		default:
			tracked[key] = repo
		}
	}

	protected := make(map[string]bool, len(policy.ProtectedRepos))
	for _, p := range policy.ProtectedRepos {
		protected[strings.ToLower(p)] = true
	}

	report := &Report{DryRun: policy.DryRun}
	var deletable []dest.RepoRef

	for owner := range owners {
		refs, err := dst.ListOwnerRepos(ctx, owner)
		if err != nil {
			r.logger.Warn("listing destination owner failed",
				zap.String("owner", owner), zap.Error(err))
			continue
		}
		for _, ref := range refs {
			if !ref.Mirror {
				continue
			}
			report.Scanned++
			key := destKey(ref.Owner, ref.Name)
			if _, ok := tracked[key]; ok {
				continue
			}

			full := ref.Owner + "/" + ref.Name
			switch {
			case protected[strings.ToLower(full)]:
				report.Orphans = append(report.Orphans, Orphan{ref.Owner, ref.Name, "protected"})
			case policy.OrphanAction == db.OrphanArchive:
				report.Orphans = append(report.Orphans, r.archive(ctx, cfg, dst, ref, byDest[key], policy.DryRun, report))
			case policy.OrphanAction == db.OrphanDelete && policy.DeleteIfNotInGitHub:
				deletable = append(deletable, ref)
			default:
				report.Orphans = append(report.Orphans, Orphan{ref.Owner, ref.Name, "skipped"})
			}
		}
	}

	if len(deletable) > 0 {
		r.deleteBatched(ctx, cfg, dst, deletable, byDest, policy, report)
	}

	r.record(ctx, cfg, report)
	return report, nil
}

func (r *Reconciler) archive(ctx context.Context, cfg *db.Config, dst dest.Client, ref dest.RepoRef, row *db.Repository, dryRun bool, report *Report) Orphan {
	if dryRun {
		return Orphan{ref.Owner, ref.Name, "would-archive"}
	}
	if ref.Archived {
		// Destination already matches the policy; only the local row and
		// the report need catching up.
		if row != nil && row.Status != db.StatusArchived {
			if err := r.repos.UpdateStatus(ctx, row.ID, db.StatusArchived, ""); err != nil {
				r.logger.Warn("mark local row archived", zap.Error(err))
			}
		}
		report.Archived++
		return Orphan{ref.Owner, ref.Name, "archived"}
	}
	if err := dst.ArchiveRepo(ctx, ref.Owner, ref.Name); err != nil {
		r.logger.Warn("archive orphan failed",
			zap.String("repo", ref.Owner+"/"+ref.Name), zap.Error(err))
		return Orphan{ref.Owner, ref.Name, "skipped"}
	}
	if row != nil {
		if err := r.repos.UpdateStatus(ctx, row.ID, db.StatusArchived, ""); err != nil {
			r.logger.Warn("mark local row archived", zap.Error(err))
		}
	}
	report.Archived++
	return Orphan{ref.Owner, ref.Name, "archived"}
}

// deleteBatched removes orphans in batches with a pause between them so a
// large cleanup does not hammer the destination.
func (r *Reconciler) deleteBatched(ctx context.Context, cfg *db.Config, dst dest.Client, refs []dest.RepoRef, byDest map[string]*db.Repository, policy db.CleanupConfig, report *Report) {
	pause := time.Duration(policy.PauseSeconds) * time.Second

	for i, ref := range refs {
		if i > 0 && i%policy.BatchSize == 0 && pause > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pause):
			}
		}

		if policy.DryRun {
			report.Orphans = append(report.Orphans, Orphan{ref.Owner, ref.Name, "would-delete"})
			continue
		}
		if err := dst.DeleteRepo(ctx, ref.Owner, ref.Name); err != nil {
			r.logger.Warn("delete orphan failed",
				zap.String("repo", ref.Owner+"/"+ref.Name), zap.Error(err))
			report.Orphans = append(report.Orphans, Orphan{ref.Owner, ref.Name, "skipped"})
			continue
		}
		if row := byDest[destKey(ref.Owner, ref.Name)]; row != nil {
			if err := r.repos.UpdateStatus(ctx, row.ID, db.StatusDeleted, ""); err != nil {
				r.logger.Warn("mark local row deleted", zap.Error(err))
			}
		}
		report.Deleted++
		report.Orphans = append(report.Orphans, Orphan{ref.Owner, ref.Name, "deleted"})
	}
}

// record writes the cleanup job row and publishes the summary event.
func (r *Reconciler) record(ctx context.Context, cfg *db.Config, report *Report) {
	now := time.Now().UTC()
	job := &db.MirrorJob{
		UserID:     cfg.UserID,
		BatchID:    uuid.Must(uuid.NewV7()),
		JobType:    db.JobTypeCleanup,
		Status:     db.StatusMirrored,
		Message:    fmt.Sprintf("%d orphans, %d archived, %d deleted", len(report.Orphans), report.Archived, report.Deleted),
		InProgress: false,
		StartedAt:  &now,
		Timestamp:  now,
	}
	job.CompletedAt = &now
	if err := r.jobs.Create(ctx, job); err != nil {
		r.logger.Warn("record cleanup job", zap.Error(err))
	}

	if err := r.bus.Publish(ctx, cfg.UserID, events.ChannelCleanup, map[string]any{
		"action":   "cleanup.completed",
		"orphans":  len(report.Orphans),
		"archived": report.Archived,
		"deleted":  report.Deleted,
		"dryRun":   report.DryRun,
	}); err != nil {
		r.logger.Warn("publish cleanup event", zap.Error(err))
	}
}

// PurgeActivities deletes the user's jobs and events. In-progress jobs are
// forced to failed with an explanatory message inside the same transaction.
func (r *Reconciler) PurgeActivities(ctx context.Context, userID uuid.UUID) error {
	if err := r.jobs.PurgeByUser(ctx, userID, purgeMessage); err != nil {
		return err
	}
	r.logger.Info("activities purged", zap.String("user_id", userID.String()))
	return nil
}

func destKey(owner, name string) string {
	return strings.ToLower(owner) + "/" + strings.ToLower(name)
}
