package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Repository status
// -----------------------------------------------------------------------------

// RepoStatus is the lifecycle state shared by repositories, organizations and
// mirror jobs. Legal transitions are enforced by the mirror engine
// (mirror.CanTransition); the database stores whatever the engine writes.
type RepoStatus string

const (
	StatusImported  RepoStatus = "imported"
	StatusMirroring RepoStatus = "mirroring"
	StatusMirrored  RepoStatus = "mirrored"
	StatusFailed    RepoStatus = "failed"
	StatusSkipped   RepoStatus = "skipped"
	StatusIgnored   RepoStatus = "ignored"
	StatusDeleting  RepoStatus = "deleting"
	StatusDeleted   RepoStatus = "deleted"
	StatusSyncing   RepoStatus = "syncing"
	StatusSynced    RepoStatus = "synced"
	StatusArchived  RepoStatus = "archived"
)

// AllStatuses lists every member of the status enum, in lifecycle order.
var AllStatuses = []RepoStatus{
	StatusImported, StatusMirroring, StatusMirrored, StatusFailed,
	StatusSkipped, StatusIgnored, StatusDeleting, StatusDeleted,
	StatusSyncing, StatusSynced, StatusArchived,
}

// Valid reports whether s is a member of the status enum.
func (s RepoStatus) Valid() bool {
	switch s {
	case StatusImported, StatusMirroring, StatusMirrored, StatusFailed,
		StatusSkipped, StatusIgnored, StatusDeleting, StatusDeleted,
		StatusSyncing, StatusSynced, StatusArchived:
		return true
	}
	return false
}

// Terminal reports whether a batch job in this status has finished running.
func (s RepoStatus) Terminal() bool {
	return s == StatusMirrored || s == StatusSynced || s == StatusFailed
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

// User represents an account that owns a configuration and its mirrored
// graph. Password is only set for locally seeded accounts — SSO-provisioned
// users authenticate externally and have an empty Password field.
type User struct {
	base
	Email       string          `gorm:"uniqueIndex;not null"`
	Username    string          `gorm:"uniqueIndex;not null"`
	Password    EncryptedString `gorm:"type:text"` // bcrypt hash, empty for SSO users
	DisplayName string          `gorm:"not null;default:''"`
	Role        string          `gorm:"not null;default:'user'"` // "admin" or "user"
	IsActive    bool            `gorm:"not null;default:true"`
	LastLoginAt *time.Time
}

// -----------------------------------------------------------------------------
// Configurations
// -----------------------------------------------------------------------------

// Config holds one user's replication setup: credentials for both forges,
// the mirror policy, the schedule, and the cleanup policy. Exactly one
// config per user has IsActive=true — the store layer flips the flag inside
// a transaction so the invariant holds at every commit point.
//
// The mirror and cleanup policies are serialized as JSON blobs
// (MirrorOptionsJSON, CleanupConfigJSON). They are dynamic at the edge
// only: the typed structs in policy.go are the single in-core
// representation, validated on write.
type Config struct {
	base
	UserID   uuid.UUID `gorm:"type:text;not null;index"`
	Name     string    `gorm:"not null;default:'default'"`
	IsActive bool      `gorm:"not null;default:false;index"`

	// Source forge (GitHub-compatible).
	SourceUsername string          `gorm:"not null;default:''"`
	SourceToken    EncryptedString `gorm:"type:text"`

	// Destination forge (Gitea-compatible).
	DestURL   string          `gorm:"not null;default:''"`
	DestUser  string          `gorm:"not null;default:''"`
	DestToken EncryptedString `gorm:"type:text"`

	MirrorOptionsJSON string `gorm:"column:mirror_options;type:text;not null;default:'{}'"`
	CleanupConfigJSON string `gorm:"column:cleanup_config;type:text;not null;default:'{}'"`

	// Schedule. IntervalSeconds is authoritative; CronExpr is regenerated
	// from the interval on write and never parsed back on read.
	ScheduleEnabled bool   `gorm:"not null;default:false;index"`
	IntervalSeconds int    `gorm:"not null;default:3600"`
	CronExpr        string `gorm:"not null;default:''"`
	LastRun         *time.Time
	NextRun         *time.Time `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Repositories
// -----------------------------------------------------------------------------

// Repository is one source repo tracked for a user, together with where it
// has been (or will be) mirrored. Unique per user by NormalizedFullName
// (lower-cased owner/name).
type Repository struct {
	base
	UserID   uuid.UUID `gorm:"type:text;not null;index:idx_repo_user_fullname,unique"`
	ConfigID uuid.UUID `gorm:"type:text;not null;index"`

	// Source identity.
	Owner              string `gorm:"not null"`
	Name               string `gorm:"not null"`
	FullName           string `gorm:"not null"`
	NormalizedFullName string `gorm:"not null;index:idx_repo_user_fullname,unique"`
	CloneURL           string `gorm:"not null;default:''"`

	// Capabilities reported by the source.
	IsPrivate     bool   `gorm:"not null;default:false"`
	IsForked      bool   `gorm:"not null;default:false"`
	ForkedFrom    string `gorm:"not null;default:''"`
	HasIssues     bool   `gorm:"not null;default:false"`
	IsStarred     bool   `gorm:"not null;default:false"`
	IsArchived    bool   `gorm:"not null;default:false"`
	HasLFS        bool   `gorm:"not null;default:false"`
	HasSubmodules bool   `gorm:"not null;default:false"`
	HasWiki       bool   `gorm:"not null;default:false"`
	DefaultBranch string `gorm:"not null;default:''"`
	Visibility    string `gorm:"not null;default:'public'"` // public, private, internal
	Size          int64  `gorm:"not null;default:0"`
	Language      string `gorm:"not null;default:''"`
	Description   string `gorm:"type:text;not null;default:''"`

	// Mirrored location on the destination.
	DestinationOwner string `gorm:"not null;default:''"`
	DestinationName  string `gorm:"not null;default:''"`
	MirroredLocation string `gorm:"not null;default:''"`

	// Per-repo override: when set, discovery routes this repo to the given
	// destination org regardless of the configured strategy.
	DestinationOrg string `gorm:"not null;default:''"`

	Status       RepoStatus `gorm:"not null;default:'imported';index"`
	LastMirrored *time.Time
	ErrorMessage string `gorm:"type:text;not null;default:''"`

	// MetadataState is a JSON blob holding the per-kind last-completed
	// cursor of the metadata sub-pipeline (see mirror.MetadataState).
	MetadataState string `gorm:"type:text;not null;default:'{}'"`
}

// -----------------------------------------------------------------------------
// Organizations
// -----------------------------------------------------------------------------

// Organization is a source org the user belongs to, with its inclusion flag
// and cached repository counts for the dashboard breakdown.
type Organization struct {
	base
	UserID   uuid.UUID `gorm:"type:text;not null;index:idx_org_user_name,unique"`
	ConfigID uuid.UUID `gorm:"type:text;not null;index"`

	Name           string     `gorm:"not null;index:idx_org_user_name,unique"`
	AvatarURL      string     `gorm:"not null;default:''"`
	MembershipRole string     `gorm:"not null;default:'member'"` // member, admin, owner, billing_manager
	Included       bool       `gorm:"not null;default:true"`
	Status         RepoStatus `gorm:"not null;default:'imported'"`

	TotalRepos   int `gorm:"not null;default:0"`
	PublicRepos  int `gorm:"not null;default:0"`
	PrivateRepos int `gorm:"not null;default:0"`
	ForkRepos    int `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Mirror jobs
// -----------------------------------------------------------------------------

// JobType classifies what a batch job does to its items.
type JobType string

const (
	JobTypeMirror   JobType = "mirror"
	JobTypeSync     JobType = "sync"
	JobTypeRetry    JobType = "retry"
	JobTypeCleanup  JobType = "cleanup"
	JobTypeMetadata JobType = "metadata"
)

// MirrorJob is a resumable batch of repository operations. ItemIDs and
// CompletedItemIDs are JSON arrays of repository UUIDs; the batch runner
// updates CompletedItemIDs, CompletedItems and LastCheckpoint atomically so
// that completedItems == |completedItemIDs| <= totalItems holds at every
// commit point, and inProgress=true implies completedAt is null.
type MirrorJob struct {
	base
	UserID  uuid.UUID `gorm:"type:text;not null;index"`
	BatchID uuid.UUID `gorm:"type:text;not null;index"`
	JobType JobType   `gorm:"not null;index"`

	RepositoryID     *uuid.UUID `gorm:"type:text"`
	RepositoryName   string     `gorm:"not null;default:''"`
	OrganizationID   *uuid.UUID `gorm:"type:text"`
	OrganizationName string     `gorm:"not null;default:''"`

	Status  RepoStatus `gorm:"not null;default:'imported'"`
	Message string     `gorm:"type:text;not null;default:''"`
	Details string     `gorm:"type:text;not null;default:'{}'"`

	TotalItems       int    `gorm:"not null;default:0"`
	CompletedItems   int    `gorm:"not null;default:0"`
	ItemIDs          string `gorm:"type:text;not null;default:'[]'"` // JSON array, ordered
	CompletedItemIDs string `gorm:"type:text;not null;default:'[]'"` // JSON array, completion order

	InProgress     bool `gorm:"not null;default:false;index"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
	LastCheckpoint *time.Time

	// Timestamp mirrors CreatedAt for the newest-first activity listing;
	// kept as a dedicated indexed column so ordering survives backfills.
	Timestamp time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// Event is one durable record on the event bus. Append-only from the
// engine's perspective; pruned by the retention loop.
type Event struct {
	base
	UserID  uuid.UUID `gorm:"type:text;not null;index:idx_event_user_channel"`
	Channel string    `gorm:"not null;index:idx_event_user_channel"`
	Payload string    `gorm:"type:text;not null;default:'{}'"`
	Read    bool      `gorm:"not null;default:false;index"`
}
