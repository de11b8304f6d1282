// Package store provides typed database accessors for the replication
// engine. Each entity gets one interface and one GORM-backed implementation;
// the interfaces are what the engine components depend on, which keeps them
// trivially fakeable in tests.
//
// Ownership rule: every repository, organization, job and event belongs to
// exactly one user, and all queries are keyed on user_id. Cross-entity
// references are stored as keys, never as owning pointers — traversal goes
// through this package.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/forgesync-io/forgesync/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserStore
// -----------------------------------------------------------------------------

type UserStore interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	GetByUsername(ctx context.Context, username string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}

// -----------------------------------------------------------------------------
// ConfigStore
// -----------------------------------------------------------------------------

type ConfigStore interface {
	Create(ctx context.Context, cfg *db.Config) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Config, error)

	// GetActiveForUser returns the single configuration with is_active=true
	// for the user. ErrNotFound when the user has no active config.
	GetActiveForUser(ctx context.Context, userID uuid.UUID) (*db.Config, error)

	Update(ctx context.Context, cfg *db.Config) error

	// SetActive flips is_active to the given config and clears it on every
	// other config of the same user inside one transaction, preserving the
	// at-most-one-active invariant at every commit point.
	SetActive(ctx context.Context, userID, configID uuid.UUID) error

	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Config, error)

	// ListActive returns every user's active configuration. Consumed by the
	// retention pruning loop.
	ListActive(ctx context.Context) ([]db.Config, error)

	// ListDue returns active configs with schedule_enabled=true whose
	// next_run is null or <= now. Consumed by the schedule controller.
	ListDue(ctx context.Context, now time.Time) ([]db.Config, error)

	// UpdateSchedule stamps last_run/next_run after a scheduled batch has
	// been created (never before — see the crash-replay note in the
	// schedule controller).
	UpdateSchedule(ctx context.Context, id uuid.UUID, lastRun, nextRun time.Time) error
}

// -----------------------------------------------------------------------------
// RepoStore
// -----------------------------------------------------------------------------

type RepoStore interface {
	// Upsert inserts the repository or, when a row with the same
	// (user_id, normalized_full_name) exists, refreshes its source
	// identity and capability fields while leaving status,
	// mirrored-location, override and metadata-state untouched.
	Upsert(ctx context.Context, repo *db.Repository) error

	GetByID(ctx context.Context, id uuid.UUID) (*db.Repository, error)
	GetByFullName(ctx context.Context, userID uuid.UUID, normalizedFullName string) (*db.Repository, error)
	Update(ctx context.Context, repo *db.Repository) error

	ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Repository, int64, error)
	ListByIDs(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]db.Repository, error)
	ListByStatuses(ctx context.Context, userID uuid.UUID, statuses []db.RepoStatus) ([]db.Repository, error)

	// UpdateStatus writes the status and error message in one statement.
	// An empty errMsg clears any previous error.
	UpdateStatus(ctx context.Context, id uuid.UUID, status db.RepoStatus, errMsg string) error

	SetMirroredLocation(ctx context.Context, id uuid.UUID, owner, name, location string) error
	SetLastMirrored(ctx context.Context, id uuid.UUID, at time.Time) error
	SetMetadataState(ctx context.Context, id uuid.UUID, blob string) error
	SetDestinationOrg(ctx context.Context, id uuid.UUID, org string) error

	// CountByStatus returns per-status repository counts for the dashboard.
	CountByStatus(ctx context.Context, userID uuid.UUID) (map[db.RepoStatus]int64, error)

	// CountAllByStatus returns per-status counts across every user, for the
	// repository gauge.
	CountAllByStatus(ctx context.Context) (map[db.RepoStatus]int64, error)
}

// -----------------------------------------------------------------------------
// OrgStore
// -----------------------------------------------------------------------------

type OrgStore interface {
	// Upsert inserts the organization or refreshes its remote-derived
	// fields (avatar, role, counts) keyed by (user_id, name). The Included
	// flag and status are preserved on update.
	Upsert(ctx context.Context, org *db.Organization) error

	GetByName(ctx context.Context, userID uuid.UUID, name string) (*db.Organization, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Organization, error)
	SetIncluded(ctx context.Context, id uuid.UUID, included bool) error
}

// -----------------------------------------------------------------------------
// JobStore
// -----------------------------------------------------------------------------

type JobStore interface {
	Create(ctx context.Context, job *db.MirrorJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.MirrorJob, error)
	Update(ctx context.Context, job *db.MirrorJob) error

	ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.MirrorJob, int64, error)
	ListInProgress(ctx context.Context) ([]db.MirrorJob, error)
	HasInProgress(ctx context.Context, userID uuid.UUID, jobType db.JobType) (bool, error)

	// Checkpoint atomically appends itemID to completed_item_ids,
	// increments completed_items and stamps last_checkpoint. It re-reads
	// the row inside the transaction so concurrent workers of the same
	// batch never lose an append.
	Checkpoint(ctx context.Context, jobID uuid.UUID, itemID uuid.UUID) error

	// Cancel clears in_progress so workers stop pulling new items.
	// In-flight items are allowed to finish.
	Cancel(ctx context.Context, jobID uuid.UUID) error

	// Finish marks the job terminal: sets status, message and completed_at
	// and clears in_progress.
	Finish(ctx context.Context, jobID uuid.UUID, status db.RepoStatus, message string) error

	// PurgeByUser deletes all jobs and events of the user. Any in-progress
	// job is first forced to failed with the given message inside the same
	// transaction, so no job is ever deleted while logically running.
	PurgeByUser(ctx context.Context, userID uuid.UUID, interruptMessage string) error
}

// -----------------------------------------------------------------------------
// EventStore
// -----------------------------------------------------------------------------

type EventStore interface {
	Append(ctx context.Context, event *db.Event) error
	ListSince(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]db.Event, error)
	ListUnread(ctx context.Context, userID uuid.UUID, limit int) ([]db.Event, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID) error
	DeleteOlderThan(ctx context.Context, userID uuid.UUID, cutoff time.Time) (int64, error)
}
