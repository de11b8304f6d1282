package db

import (
	"encoding/json"
	"fmt"
)

// MirrorStrategy maps a source repository identity to a destination location.
type MirrorStrategy string

const (
	// StrategyPreserve keeps the source owner structure: user repos land
	// under the destination user, org repos under a same-named org.
	StrategyPreserve MirrorStrategy = "preserve"

	// StrategySingleOrg routes every repo into one configured org.
	StrategySingleOrg MirrorStrategy = "single-org"

	// StrategyFlatUser routes every repo under the authenticated
	// destination user.
	StrategyFlatUser MirrorStrategy = "flat-user"

	// StrategyMixed preserves orgs, routes personal repos to
	// PersonalReposOrg (or the destination user when unset) and starred
	// repos per StarredReposMode.
	StrategyMixed MirrorStrategy = "mixed"
)

// DuplicateNameStrategy resolves destination name collisions under
// single-org and flat-user strategies.
type DuplicateNameStrategy string

const (
	// DuplicateSuffix appends "-<source owner>" to the repo name.
	DuplicateSuffix DuplicateNameStrategy = "suffix"

	// DuplicatePrefix prepends "<source owner>-" to the repo name.
	DuplicatePrefix DuplicateNameStrategy = "prefix"

	// DuplicateOwnerOrg falls back to a per-owner org instead of renaming.
	DuplicateOwnerOrg DuplicateNameStrategy = "owner-org"
)

// StarredReposMode controls where starred repositories land.
type StarredReposMode string

const (
	// StarredDedicatedOrg routes starred repos into StarredReposOrg.
	StarredDedicatedOrg StarredReposMode = "dedicated-org"

	// StarredPreserveOwner keeps the upstream owner for starred repos.
	StarredPreserveOwner StarredReposMode = "preserve"
)

// MirrorOptions is the typed form of Config.MirrorOptionsJSON.
type MirrorOptions struct {
	Strategy              MirrorStrategy        `json:"strategy"`
	SingleOrg             string                `json:"singleOrg,omitempty"`
	PersonalReposOrg      string                `json:"personalReposOrg,omitempty"`
	StarredReposOrg       string                `json:"starredReposOrg,omitempty"`
	StarredReposMode      StarredReposMode      `json:"starredReposMode,omitempty"`
	DuplicateNameStrategy DuplicateNameStrategy `json:"duplicateNameStrategy,omitempty"`

	IncludePrivate       bool     `json:"includePrivate"`
	IncludeForks         bool     `json:"includeForks"`
	IncludeArchived      bool     `json:"includeArchived"`
	IncludeStarred       bool     `json:"includeStarred"`
	IncludeOrganizations []string `json:"includeOrganizations,omitempty"`

	MirrorReleases   bool `json:"mirrorReleases"`
	MirrorLFS        bool `json:"mirrorLFS"`
	MirrorWiki       bool `json:"mirrorWiki"`
	MirrorMetadata   bool `json:"mirrorMetadata"`
	MetadataIssues   bool `json:"metadataIssues"`
	MetadataPulls    bool `json:"metadataPulls"`
	MetadataLabels   bool `json:"metadataLabels"`
	MetadataMiles    bool `json:"metadataMilestones"`
	StarredCodeOnly  bool `json:"starredCodeOnly"`
	SkipStarredIssue bool `json:"skipStarredIssues"`
}

// Validate checks the enum fields and fills defaults for absent ones.
func (o *MirrorOptions) Validate() error {
	if o.Strategy == "" {
		o.Strategy = StrategyPreserve
	}
	switch o.Strategy {
	case StrategyPreserve, StrategySingleOrg, StrategyFlatUser, StrategyMixed:
	default:
		return fmt.Errorf("unknown mirror strategy %q", o.Strategy)
	}
	if o.DuplicateNameStrategy == "" {
		o.DuplicateNameStrategy = DuplicateSuffix
	}
	switch o.DuplicateNameStrategy {
	case DuplicateSuffix, DuplicatePrefix, DuplicateOwnerOrg:
	default:
		return fmt.Errorf("unknown duplicate-name strategy %q", o.DuplicateNameStrategy)
	}
	if o.StarredReposMode == "" {
		o.StarredReposMode = StarredPreserveOwner
	}
	switch o.StarredReposMode {
	case StarredDedicatedOrg, StarredPreserveOwner:
	default:
		return fmt.Errorf("unknown starred-repos mode %q", o.StarredReposMode)
	}
	if o.Strategy == StrategySingleOrg && o.SingleOrg == "" {
		return fmt.Errorf("single-org strategy requires singleOrg")
	}
	return nil
}

// OrphanAction is what the cleanup reconciler does with an orphaned
// destination repository.
type OrphanAction string

const (
	OrphanSkip    OrphanAction = "skip"
	OrphanArchive OrphanAction = "archive"
	OrphanDelete  OrphanAction = "delete"
)

// CleanupConfig is the typed form of Config.CleanupConfigJSON.
type CleanupConfig struct {
	Enabled             bool         `json:"enabled"`
	RetentionSeconds    int          `json:"retentionSeconds"`
	OrphanAction        OrphanAction `json:"orphanedRepoAction"`
	DeleteIfNotInGitHub bool         `json:"deleteIfNotInGitHub"`
	DryRun              bool         `json:"dryRun"`
	ProtectedRepos      []string     `json:"protectedRepos,omitempty"`
	BatchSize           int          `json:"batchSize,omitempty"`
	PauseSeconds        int          `json:"pauseBetweenDeletes,omitempty"`
}

// Validate checks the action enum and fills defaults.
func (c *CleanupConfig) Validate() error {
	if c.OrphanAction == "" {
		c.OrphanAction = OrphanSkip
	}
	switch c.OrphanAction {
	case OrphanSkip, OrphanArchive, OrphanDelete:
	default:
		return fmt.Errorf("unknown orphan action %q", c.OrphanAction)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.RetentionSeconds <= 0 {
		c.RetentionSeconds = 7 * 24 * 3600
	}
	return nil
}

// Options decodes the mirror options blob. The zero-value blob ("{}")
// decodes to defaults, so a freshly created config is usable immediately.
func (c *Config) Options() (MirrorOptions, error) {
	var o MirrorOptions
	if c.MirrorOptionsJSON != "" {
		if err := json.Unmarshal([]byte(c.MirrorOptionsJSON), &o); err != nil {
			return o, fmt.Errorf("config %s: decode mirror options: %w", c.ID, err)
		}
	}
	if err := o.Validate(); err != nil {
		return o, fmt.Errorf("config %s: %w", c.ID, err)
	}
	return o, nil
}

// SetOptions validates and encodes the mirror options blob.
func (c *Config) SetOptions(o MirrorOptions) error {
	if err := o.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode mirror options: %w", err)
	}
	c.MirrorOptionsJSON = string(raw)
	return nil
}

// Cleanup decodes the cleanup policy blob.
func (c *Config) Cleanup() (CleanupConfig, error) {
	var cc CleanupConfig
	if c.CleanupConfigJSON != "" {
		if err := json.Unmarshal([]byte(c.CleanupConfigJSON), &cc); err != nil {
			return cc, fmt.Errorf("config %s: decode cleanup config: %w", c.ID, err)
		}
	}
	if err := cc.Validate(); err != nil {
		return cc, fmt.Errorf("config %s: %w", c.ID, err)
	}
	return cc, nil
}

// SetCleanup validates and encodes the cleanup policy blob.
func (c *Config) SetCleanup(cc CleanupConfig) error {
	if err := cc.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("encode cleanup config: %w", err)
	}
	c.CleanupConfigJSON = string(raw)
	return nil
}
