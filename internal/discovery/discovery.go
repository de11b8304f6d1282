// Package discovery reconciles the remote source listings against the
// stored repository set. A run produces upserted repository rows (new
// entries enter as imported) and the organization inventory; the desired
// destination for each repository is computed separately by
// AssignDestinations so the mirror engine can replan without re-listing.
package discovery

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/errkind"
	"github.com/forgesync-io/forgesync/internal/events"
	"github.com/forgesync-io/forgesync/internal/source"
	"github.com/forgesync-io/forgesync/internal/store"
)

// Discoverer runs source discovery for one user's active configuration.
type Discoverer struct {
	repos  store.RepoStore
	orgs   store.OrgStore
	bus    *events.Bus
	logger *zap.Logger
}

// New builds a Discoverer over the given stores and event bus.
func New(repos store.RepoStore, orgs store.OrgStore, bus *events.Bus, logger *zap.Logger) *Discoverer {
	return &Discoverer{
		repos:  repos,
		orgs:   orgs,
		bus:    bus,
		logger: logger.Named("discovery"),
	}
}

// Result summarizes one discovery run.
type Result struct {
	// Repos is every repository row in the desired set after filtering,
	// in stored form. Ignored repositories are excluded.
	Repos []db.Repository

	// New counts repositories seen for the first time this run.
	New int
}

// Run lists the source forge per the active configuration, merges the
// listings, applies the include filters and upserts the result. Repository
// rows already marked ignored are left untouched and excluded; skipped rows
// are refreshed but keep their status.
func (d *Discoverer) Run(ctx context.Context, cfg *db.Config, src source.Client) (*Result, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, "mirror options are invalid", err)
	}

	listing, err := src.ListUserRepos(ctx, source.RepoFilter{
		IncludePrivate: opts.IncludePrivate,
		IncludeForks:   opts.IncludeForks,
	})
	if err != nil {
		return nil, err
	}

	orgRepos, err := d.discoverOrgs(ctx, cfg, src, opts)
	if err != nil {
		return nil, err
	}
	listing = append(listing, orgRepos...)

	var starred []source.Repo
	if opts.IncludeStarred {
		starred, err = src.ListStarredRepos(ctx)
		if err != nil {
			return nil, err
		}
	}

	merged := MergeReposPreferStarred(listing, starred)

	existing, err := d.existingByName(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, r := range merged {
		if !includeRepo(opts, r) {
			continue
		}
		normalized := strings.ToLower(r.FullName)
		if prior, ok := existing[normalized]; ok && prior.Status == db.StatusIgnored {
			continue
		}

		record := toRecord(cfg, r)
		_, known := existing[normalized]
		if err := d.repos.Upsert(ctx, record); err != nil {
			return nil, err
		}
		if !known {
			res.New++
		}
		res.Repos = append(res.Repos, *record)
	}

	d.logger.Info("discovery run complete",
		zap.String("user_id", cfg.UserID.String()),
		zap.Int("total", len(res.Repos)),
		zap.Int("new", res.New))

	if err := d.bus.Publish(ctx, cfg.UserID, events.ChannelRepository, map[string]any{
		"action": "discovered",
		"total":  len(res.Repos),
		"new":    res.New,
	}); err != nil {
		d.logger.Warn("publish discovery event", zap.Error(err))
	}
	return res, nil
}

// SyncOrganization refreshes one organization and its repositories, used by
// the per-org sync endpoint. The role is taken from the request when the
// membership listing does not cover the org.
func (d *Discoverer) SyncOrganization(ctx context.Context, cfg *db.Config, src source.Client, orgName, role string) (*Result, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, "mirror options are invalid", err)
	}

	repos, err := src.ListOrgRepos(ctx, orgName)
	if err != nil {
		return nil, err
	}

	if role == "" {
		role = "member"
	}
	org := &db.Organization{
		UserID:         cfg.UserID,
		ConfigID:       cfg.ID,
		Name:           orgName,
		MembershipRole: role,
	}
	fillOrgCounts(org, repos)
	if err := d.orgs.Upsert(ctx, org); err != nil {
		return nil, err
	}

	existing, err := d.existingByName(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, r := range repos {
		if !includeRepo(opts, r) {
			continue
		}
		normalized := strings.ToLower(r.FullName)
		if prior, ok := existing[normalized]; ok && prior.Status == db.StatusIgnored {
			continue
		}
		record := toRecord(cfg, r)
		_, known := existing[normalized]
		if err := d.repos.Upsert(ctx, record); err != nil {
			return nil, err
		}
		if !known {
			res.New++
		}
		res.Repos = append(res.Repos, *record)
	}

	if err := d.bus.Publish(ctx, cfg.UserID, events.ChannelRepository, map[string]any{
		"action":       "organization_synced",
		"organization": orgName,
		"total":        len(res.Repos),
		"new":          res.New,
	}); err != nil {
		d.logger.Warn("publish org sync event", zap.Error(err))
	}
	return res, nil
}

// discoverOrgs upserts the user's organization memberships and returns the
// repositories of every included org. When IncludeOrganizations names orgs
// explicitly, only those are listed; otherwise the stored Included flag
// decides, defaulting to true for newly seen orgs.
func (d *Discoverer) discoverOrgs(ctx context.Context, cfg *db.Config, src source.Client, opts db.MirrorOptions) ([]source.Repo, error) {
	memberships, err := src.ListOrgs(ctx)
	if err != nil {
		return nil, err
	}

	explicit := make(map[string]bool, len(opts.IncludeOrganizations))
	for _, name := range opts.IncludeOrganizations {
		explicit[strings.ToLower(name)] = true
	}

	var out []source.Repo
	for _, m := range memberships {
		org := &db.Organization{
			UserID:         cfg.UserID,
			ConfigID:       cfg.ID,
			Name:           m.Name,
			AvatarURL:      m.AvatarURL,
			MembershipRole: m.Role,
			Included:       true,
		}
		if err := d.orgs.Upsert(ctx, org); err != nil {
			return nil, err
		}

		included := org.Included
		if len(explicit) > 0 {
			included = explicit[strings.ToLower(m.Name)]
		}
		if !included {
			continue
		}

		repos, err := src.ListOrgRepos(ctx, m.Name)
		if err != nil {
			// A missing or inaccessible org fails its own listing only.
			if errkind.Is(err, errkind.NotFound) {
				d.logger.Warn("organization listing unavailable",
					zap.String("org", m.Name))
				continue
			}
			return nil, err
		}

		fillOrgCounts(org, repos)
		if err := d.orgs.Upsert(ctx, org); err != nil {
			return nil, err
		}
		out = append(out, repos...)
	}
	return out, nil
}

func (d *Discoverer) existingByName(ctx context.Context, cfg *db.Config) (map[string]db.Repository, error) {
	rows, _, err := d.repos.ListByUser(ctx, cfg.UserID, store.ListOptions{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]db.Repository, len(rows))
	for _, r := range rows {
		out[r.NormalizedFullName] = r
	}
	return out, nil
}

func includeRepo(opts db.MirrorOptions, r source.Repo) bool {
	if r.IsPrivate && !opts.IncludePrivate {
		return false
	}
	if r.IsFork && !opts.IncludeForks {
		return false
	}
	if r.IsArchived && !opts.IncludeArchived {
		return false
	}
	if r.IsStarred && !opts.IncludeStarred {
		return false
	}
	return true
}

func fillOrgCounts(org *db.Organization, repos []source.Repo) {
	org.TotalRepos = len(repos)
	org.PublicRepos = 0
	org.PrivateRepos = 0
	org.ForkRepos = 0
	for _, r := range repos {
		if r.IsPrivate {
			org.PrivateRepos++
		} else {
			org.PublicRepos++
		}
		if r.IsFork {
			org.ForkRepos++
		}
	}
}

func toRecord(cfg *db.Config, r source.Repo) *db.Repository {
	return &db.Repository{
		UserID:             cfg.UserID,
		ConfigID:           cfg.ID,
		Owner:              r.Owner,
		Name:               r.Name,
		FullName:           r.FullName,
		NormalizedFullName: strings.ToLower(r.FullName),
		CloneURL:           r.CloneURL,
		IsPrivate:          r.IsPrivate,
		IsForked:           r.IsFork,
		ForkedFrom:         r.ForkedFrom,
		HasIssues:          r.HasIssues,
		IsStarred:          r.IsStarred,
		IsArchived:         r.IsArchived,
		HasWiki:            r.HasWiki,
		DefaultBranch:      r.DefaultBranch,
		Visibility:         r.Visibility,
		Size:               r.Size,
		Language:           r.Language,
		Description:        r.Description,
		Status:             db.StatusImported,
	}
}
