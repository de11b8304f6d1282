// Package mirror implements the per-repository state machine: provisioning
// pull mirrors on the destination, triggering re-syncs, and replicating
// ancillary metadata. All transitions go through CanTransition and are
// committed to the store before the corresponding event is published.
package mirror

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/dest"
	"github.com/forgesync-io/forgesync/internal/discovery"
	"github.com/forgesync-io/forgesync/internal/errkind"
	"github.com/forgesync-io/forgesync/internal/events"
	"github.com/forgesync-io/forgesync/internal/source"
	"github.com/forgesync-io/forgesync/internal/store"
)

const (
	// defaultPollTimeout bounds how long Mirror waits for the destination
	// to report the new mirror as existing.
	defaultPollTimeout = 60 * time.Second

	defaultPollInterval = 2 * time.Second
)

// Engine drives individual repositories through the mirror state machine.
type Engine struct {
	repos  store.RepoStore
	bus    *events.Bus
	logger *zap.Logger

	pollTimeout  time.Duration
	pollInterval time.Duration
}

// NewEngine builds an Engine over the repository store and event bus.
func NewEngine(repos store.RepoStore, bus *events.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		repos:        repos,
		bus:          bus,
		logger:       logger.Named("mirror"),
		pollTimeout:  defaultPollTimeout,
		pollInterval: defaultPollInterval,
	}
}

// Item carries everything one mirror or sync attempt needs: the repository
// row, the clients bound to the owning user's credentials, the decoded
// policy and the plaintext source token for private clone auth.
type Item struct {
	Repo        *db.Repository
	Source      source.Client
	Dest        dest.Client
	Options     db.MirrorOptions
	Destination discovery.Destination
	SourceToken string
}

// Mirror provisions the pull mirror for item.Repo and waits for the
// destination to acknowledge it. Idempotent: a repo already mirrored at the
// planned location short-circuits straight to the metadata pass.
func (e *Engine) Mirror(ctx context.Context, item Item) error {
	repo := item.Repo
	log := e.logger.With(
		zap.String("repo", repo.FullName),
		zap.String("user_id", repo.UserID.String()))

	plannedLocation := item.Dest.CloneURL(item.Destination.Owner, item.Destination.Name)
	if repo.Status == db.StatusMirrored && repo.MirroredLocation == plannedLocation {
		log.Debug("already mirrored at planned location, running metadata only")
		return e.runMetadata(ctx, item, repo.DestinationOwner, repo.DestinationName)
	}

	if err := e.transition(ctx, repo, db.StatusMirroring, ""); err != nil {
		return err
	}

	owner, fellBack, err := item.Dest.EnsureOwner(ctx, item.Destination.Owner)
	if err != nil {
		return e.fail(ctx, repo, events.ChannelMirror, err)
	}
	if fellBack {
		e.publish(ctx, repo.UserID, events.ChannelMirror, map[string]any{
			"action":     "owner_fallback",
			"repository": repo.FullName,
			"wanted":     item.Destination.Owner,
			"actual":     owner,
		})
	}

	name := item.Destination.Name
	err = item.Dest.CreatePullMirror(ctx, dest.MirrorParams{
		Owner:       owner,
		Name:        name,
		CloneAddr:   repo.CloneURL,
		AuthToken:   item.SourceToken,
		Private:     repo.IsPrivate,
		Description: repo.Description,
		Wiki:        e.wantWiki(item),
	})
	if err != nil {
		return e.fail(ctx, repo, events.ChannelMirror, err)
	}

	location := item.Dest.CloneURL(owner, name)
	if err := e.repos.SetMirroredLocation(ctx, repo.ID, owner, name, location); err != nil {
		return e.fail(ctx, repo, events.ChannelMirror, err)
	}
	repo.DestinationOwner = owner
	repo.DestinationName = name
	repo.MirroredLocation = location

	if err := e.waitForRepo(ctx, item.Dest, owner, name); err != nil {
		return e.fail(ctx, repo, events.ChannelMirror, err)
	}

	if err := e.transition(ctx, repo, db.StatusMirrored, ""); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := e.repos.SetLastMirrored(ctx, repo.ID, now); err != nil {
		return err
	}
	repo.LastMirrored = &now

	e.publish(ctx, repo.UserID, events.ChannelMirror, map[string]any{
		"action":     "repo.mirrored",
		"repository": repo.FullName,
		"location":   location,
	})
	log.Info("repository mirrored", zap.String("location", location))

	return e.runMetadata(ctx, item, owner, name)
}

// Sync asks the destination to pull from upstream. Legal only from
// mirrored, synced or failed. A failed repo whose destination no longer
// exists is silently skipped: the cleanup reconciler owns that case.
func (e *Engine) Sync(ctx context.Context, item Item) error {
	repo := item.Repo
	switch repo.Status {
	case db.StatusMirrored, db.StatusSynced, db.StatusFailed:
	default:
		return errkind.Newf(errkind.Fatal, "cannot sync repository in status %s", repo.Status)
	}

	owner, name := repo.DestinationOwner, repo.DestinationName
	if owner == "" || name == "" {
		return errkind.New(errkind.Fatal, "repository has no mirrored location")
	}

	exists, err := item.Dest.RepoExists(ctx, owner, name)
	if err != nil {
		return e.fail(ctx, repo, events.ChannelSync, err)
	}
	if !exists {
		if repo.Status == db.StatusFailed {
			e.logger.Debug("destination gone for failed repo, skipping sync",
				zap.String("repo", repo.FullName))
			return nil
		}
		return e.fail(ctx, repo, events.ChannelSync,
			errkind.Newf(errkind.NotFound, "destination %s/%s is missing", owner, name))
	}

	if err := e.transition(ctx, repo, db.StatusSyncing, ""); err != nil {
		return err
	}

	if err := item.Dest.TriggerSync(ctx, owner, name); err != nil {
		return e.fail(ctx, repo, events.ChannelSync, err)
	}

	if err := e.transition(ctx, repo, db.StatusSynced, ""); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := e.repos.SetLastMirrored(ctx, repo.ID, now); err != nil {
		return err
	}

	e.publish(ctx, repo.UserID, events.ChannelSync, map[string]any{
		"action":     "repo.synced",
		"repository": repo.FullName,
	})
	return nil
}

// Delete removes the destination mirror and walks the repo through
// deleting → deleted. Used by the cleanup reconciler.
func (e *Engine) Delete(ctx context.Context, item Item) error {
	repo := item.Repo
	if err := e.transition(ctx, repo, db.StatusDeleting, ""); err != nil {
		return err
	}
	if err := item.Dest.DeleteRepo(ctx, repo.DestinationOwner, repo.DestinationName); err != nil {
		return e.fail(ctx, repo, events.ChannelCleanup, err)
	}
	if err := e.transition(ctx, repo, db.StatusDeleted, ""); err != nil {
		return err
	}
	e.publish(ctx, repo.UserID, events.ChannelCleanup, map[string]any{
		"action":     "repo.deleted",
		"repository": repo.FullName,
	})
	return nil
}

// wantWiki reports whether the migration should carry the wiki.
func (e *Engine) wantWiki(item Item) bool {
	if !item.Options.MirrorWiki || !item.Repo.HasWiki {
		return false
	}
	if item.Repo.IsStarred && item.Options.StarredCodeOnly {
		return false
	}
	return true
}

// waitForRepo polls the destination until the new mirror is visible or the
// timeout expires.
func (e *Engine) waitForRepo(ctx context.Context, d dest.Client, owner, name string) error {
	deadline := time.Now().Add(e.pollTimeout)
	for {
		exists, err := d.RepoExists(ctx, owner, name)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if time.Now().After(deadline) {
			return errkind.Newf(errkind.Transient,
				"destination did not report %s/%s within %s", owner, name, e.pollTimeout)
		}
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.KindOf(ctx.Err()), "wait for mirror", ctx.Err())
		case <-time.After(e.pollInterval):
		}
	}
}

// transition validates and commits a status change, clearing or setting the
// error message alongside it.
func (e *Engine) transition(ctx context.Context, repo *db.Repository, to db.RepoStatus, errMsg string) error {
	if !CanTransition(repo.Status, to) {
		return errkind.Newf(errkind.Fatal, "illegal transition %s -> %s for %s",
			repo.Status, to, repo.FullName)
	}
	if err := e.repos.UpdateStatus(ctx, repo.ID, to, errMsg); err != nil {
		return err
	}
	repo.Status = to
	repo.ErrorMessage = errMsg
	return nil
}

// fail commits the failed status with a sanitized message, publishes the
// failure event and returns the original error for job accounting.
// Cancellation is not a failure: the status is left as-is so a resumed
// batch re-enters the item cleanly.
func (e *Engine) fail(ctx context.Context, repo *db.Repository, channel string, cause error) error {
	if errkind.KindOf(cause) == errkind.Cancelled {
		return cause
	}

	msg := errkind.UserMessage(cause)
	// Failure bookkeeping must survive the cancellation of the batch ctx.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if CanTransition(repo.Status, db.StatusFailed) {
		if err := e.repos.UpdateStatus(bg, repo.ID, db.StatusFailed, msg); err != nil {
			e.logger.Error("persist failure status", zap.Error(err))
		} else {
			repo.Status = db.StatusFailed
			repo.ErrorMessage = msg
		}
	} else {
		if err := e.repos.UpdateStatus(bg, repo.ID, repo.Status, msg); err != nil {
			e.logger.Error("persist failure message", zap.Error(err))
		}
	}

	e.publish(bg, repo.UserID, channel, map[string]any{
		"action":     "repo.failed",
		"repository": repo.FullName,
		"error":      msg,
		"kind":       errkind.KindOf(cause).String(),
	})
	e.logger.Warn("repository operation failed",
		zap.String("repo", repo.FullName),
		zap.Error(cause))
	return cause
}

func (e *Engine) publish(ctx context.Context, userID uuid.UUID, channel string, payload map[string]any) {
	if err := e.bus.Publish(ctx, userID, channel, payload); err != nil {
		e.logger.Warn("publish event", zap.Error(err))
	}
}
