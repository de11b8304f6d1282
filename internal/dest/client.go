// Package dest wraps the Gitea API behind the provisioning surface the
// mirror engine drives: owner resolution, pull-mirror creation, sync
// triggering, cleanup actions and metadata writes. All operations are
// idempotent where the engine may repeat them.
package dest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.gitea.io/sdk/gitea"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/errkind"
)

// Client is the destination-forge surface the engine consumes.
type Client interface {
	// AuthenticatedUser resolves the identity behind the token. Gitea
	// answers some bad-token requests with HTTP 200 and a zero user, so
	// uid 0 or an empty login is treated as DestinationAuthInvalid.
	AuthenticatedUser(ctx context.Context) (*User, error)

	// EnsureOwner makes sure owner exists and is usable as a repository
	// owner, creating an organization when needed. When creation is
	// forbidden for the token it falls back to the authenticated user and
	// reports fellBack=true so the caller can emit a warning.
	EnsureOwner(ctx context.Context, owner string) (actual string, fellBack bool, err error)

	RepoExists(ctx context.Context, owner, name string) (bool, error)

	// ListOwnerRepos returns the repositories owned by the given user or
	// organization. Used by the cleanup reconciler to find orphans.
	ListOwnerRepos(ctx context.Context, owner string) ([]RepoRef, error)
	CreatePullMirror(ctx context.Context, p MirrorParams) error
	TriggerSync(ctx context.Context, owner, name string) error
	ArchiveRepo(ctx context.Context, owner, name string) error
	DeleteRepo(ctx context.Context, owner, name string) error

	// CloneURL renders the destination HTTP clone URL for a mirrored repo.
	CloneURL(owner, name string) string

	ListIssues(ctx context.Context, owner, name string) ([]ExistingIssue, error)
	CreateIssue(ctx context.Context, owner, name string, p IssueParams) (int64, error)
	CreateComment(ctx context.Context, owner, name string, index int64, body string) error
	ListLabels(ctx context.Context, owner, name string) (map[string]int64, error)
	EnsureLabel(ctx context.Context, owner, name string, p LabelParams) (int64, error)
	ListMilestones(ctx context.Context, owner, name string) (map[string]int64, error)
	EnsureMilestone(ctx context.Context, owner, name string, p MilestoneParams) (int64, error)
	ListReleaseTags(ctx context.Context, owner, name string) (map[string]bool, error)
	CreateRelease(ctx context.Context, owner, name string, p ReleaseParams) error
}

// User is the authenticated destination identity.
type User struct {
	ID    int64
	Login string
}

// MirrorParams describes one pull mirror to provision.
type MirrorParams struct {
	Owner       string
	Name        string
	CloneAddr   string
	AuthToken   string
	Private     bool
	Description string

	// Wiki asks the migration to carry the wiki alongside the code.
	Wiki bool
}

// RepoRef identifies one destination repository.
type RepoRef struct {
	Owner    string
	Name     string
	Archived bool
	Mirror   bool
}

// ExistingIssue is the slim view of a destination issue used for
// idempotency checks.
type ExistingIssue struct {
	Index int64
	Title string
}

// IssueParams describes one issue to replicate.
type IssueParams struct {
	Title       string
	Body        string
	Closed      bool
	LabelIDs    []int64
	MilestoneID int64
}

// LabelParams describes one label to replicate.
type LabelParams struct {
	Name        string
	Color       string
	Description string
}

// MilestoneParams describes one milestone to replicate.
type MilestoneParams struct {
	Title       string
	Description string
	Closed      bool
	DueOn       *time.Time
}

// ReleaseParams describes one release to replicate.
type ReleaseParams struct {
	TagName    string
	Title      string
	Body       string
	Draft      bool
	Prerelease bool
}

// Config carries the construction parameters for the Gitea client.
type Config struct {
	URL    string
	Token  string
	Logger *zap.Logger
}

type giteaClient struct {
	gt      *gitea.Client
	baseURL string
	logger  *zap.Logger
}

// NewClient builds a Client over the Gitea API at cfg.URL.
func NewClient(cfg Config) (Client, error) {
	if cfg.URL == "" {
		return nil, errkind.New(errkind.ConfigInvalid, "destination url is empty")
	}
	if cfg.Token == "" {
		return nil, errkind.New(errkind.ConfigInvalid, "destination token is empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	base := strings.TrimRight(cfg.URL, "/")
	gt, err := gitea.NewClient(base,
		gitea.SetToken(cfg.Token),
		gitea.SetHTTPClient(&http.Client{Timeout: 2 * time.Minute}),
	)
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, "destination url is not usable", err)
	}

	return &giteaClient{
		gt:      gt,
		baseURL: base,
		logger:  cfg.Logger.Named("dest"),
	}, nil
}

func (c *giteaClient) AuthenticatedUser(ctx context.Context) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindOf(err), "get authenticated user", err)
	}

	var u *gitea.User
	err := c.do(ctx, "get authenticated user", func() (*gitea.Response, error) {
		var resp *gitea.Response
		var err error
		u, resp, err = c.gt.GetMyUserInfo()
		return resp, err
	})
	if err != nil {
		return nil, err
	}

	// Some Gitea deployments answer bad tokens with a 200 and an empty
	// user object instead of a 401.
	if u == nil || u.ID == 0 || u.UserName == "" {
		return nil, errkind.New(errkind.DestinationAuthInvalid, "destination token rejected")
	}
	return &User{ID: u.ID, Login: u.UserName}, nil
}

func (c *giteaClient) EnsureOwner(ctx context.Context, owner string) (string, bool, error) {
	self, err := c.AuthenticatedUser(ctx)
	if err != nil {
		return "", false, err
	}
	if strings.EqualFold(owner, self.Login) {
		return self.Login, false, nil
	}

	// User accounts win over organizations of the same name.
	var found bool
	err = c.do(ctx, "lookup owner user", func() (*gitea.Response, error) {
		_, resp, err := c.gt.GetUserInfo(owner)
		if err == nil {
			found = true
		}
		return resp, err
	})
	if err != nil && !errkind.Is(err, errkind.NotFound) {
		return "", false, err
	}
	if found {
		return owner, false, nil
	}

	err = c.do(ctx, "lookup owner org", func() (*gitea.Response, error) {
		_, resp, err := c.gt.GetOrg(owner)
		if err == nil {
			found = true
		}
		return resp, err
	})
	if err != nil && !errkind.Is(err, errkind.NotFound) {
		return "", false, err
	}
	if found {
		return owner, false, nil
	}

	err = c.do(ctx, "create owner org", func() (*gitea.Response, error) {
		_, resp, err := c.gt.CreateOrg(gitea.CreateOrgOption{Name: owner})
		return resp, err
	})
	switch {
	case err == nil:
		c.logger.Info("created destination organization", zap.String("org", owner))
		return owner, false, nil
	case errkind.Is(err, errkind.Conflict):
		// Lost a race with a concurrent worker; the org exists now.
		return owner, false, nil
	case isForbidden(err):
		c.logger.Warn("organization creation forbidden, falling back to authenticated user",
			zap.String("org", owner),
			zap.String("fallback", self.Login))
		return self.Login, true, nil
	default:
		return "", false, err
	}
}

func (c *giteaClient) RepoExists(ctx context.Context, owner, name string) (bool, error) {
	err := c.do(ctx, "get repo", func() (*gitea.Response, error) {
		_, resp, err := c.gt.GetRepo(owner, name)
		return resp, err
	})
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *giteaClient) ListOwnerRepos(ctx context.Context, owner string) ([]RepoRef, error) {
	var out []RepoRef
	page := 1
	for {
		var repos []*gitea.Repository
		err := c.do(ctx, "list owner repos", func() (*gitea.Response, error) {
			var resp *gitea.Response
			var err error
			repos, resp, err = c.gt.ListUserRepos(owner, gitea.ListReposOptions{
				ListOptions: gitea.ListOptions{Page: page, PageSize: listPageSize},
			})
			return resp, err
		})
		if errkind.Is(err, errkind.NotFound) && page == 1 {
			// Not a user; try the org listing.
			return c.listOrgRepos(ctx, owner)
		}
		if err != nil {
			return nil, err
		}
		for _, r := range repos {
			out = append(out, RepoRef{
				Owner:    r.Owner.UserName,
				Name:     r.Name,
				Archived: r.Archived,
				Mirror:   r.Mirror,
			})
		}
		if len(repos) < listPageSize {
			break
		}
		page++
	}
	return out, nil
}

func (c *giteaClient) listOrgRepos(ctx context.Context, org string) ([]RepoRef, error) {
	var out []RepoRef
	page := 1
	for {
		var repos []*gitea.Repository
		err := c.do(ctx, "list org repos", func() (*gitea.Response, error) {
			var resp *gitea.Response
			var err error
			repos, resp, err = c.gt.ListOrgRepos(org, gitea.ListOrgReposOptions{
				ListOptions: gitea.ListOptions{Page: page, PageSize: listPageSize},
			})
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, r := range repos {
			out = append(out, RepoRef{
				Owner:    r.Owner.UserName,
				Name:     r.Name,
				Archived: r.Archived,
				Mirror:   r.Mirror,
			})
		}
		if len(repos) < listPageSize {
			break
		}
		page++
	}
	return out, nil
}

func (c *giteaClient) CreatePullMirror(ctx context.Context, p MirrorParams) error {
	err := c.do(ctx, "create pull mirror", func() (*gitea.Response, error) {
		_, resp, err := c.gt.MigrateRepo(gitea.MigrateRepoOption{
			RepoOwner:   p.Owner,
			RepoName:    p.Name,
			CloneAddr:   p.CloneAddr,
			Service:     gitea.GitServiceGithub,
			AuthToken:   p.AuthToken,
			Mirror:      true,
			Private:     p.Private,
			Description: p.Description,
			Wiki:        p.Wiki,
		})
		return resp, err
	})
	if errkind.Is(err, errkind.Conflict) {
		// The mirror already exists; provisioning is idempotent.
		return nil
	}
	return err
}

func (c *giteaClient) TriggerSync(ctx context.Context, owner, name string) error {
	return c.do(ctx, "trigger mirror sync", func() (*gitea.Response, error) {
		return c.gt.MirrorSync(owner, name)
	})
}

func (c *giteaClient) ArchiveRepo(ctx context.Context, owner, name string) error {
	archived := true
	return c.do(ctx, "archive repo", func() (*gitea.Response, error) {
		_, resp, err := c.gt.EditRepo(owner, name, gitea.EditRepoOption{Archived: &archived})
		return resp, err
	})
}

func (c *giteaClient) DeleteRepo(ctx context.Context, owner, name string) error {
	err := c.do(ctx, "delete repo", func() (*gitea.Response, error) {
		return c.gt.DeleteRepo(owner, name)
	})
	if errkind.Is(err, errkind.NotFound) {
		// Already gone; deletion is idempotent.
		return nil
	}
	return err
}

func (c *giteaClient) CloneURL(owner, name string) string {
	return fmt.Sprintf("%s/%s/%s.git", c.baseURL, owner, name)
}

func (c *giteaClient) ListIssues(ctx context.Context, owner, name string) ([]ExistingIssue, error) {
	var out []ExistingIssue
	page := 1
	for {
		var issues []*gitea.Issue
		err := c.do(ctx, "list issues", func() (*gitea.Response, error) {
			var resp *gitea.Response
			var err error
			issues, resp, err = c.gt.ListRepoIssues(owner, name, gitea.ListIssueOption{
				ListOptions: gitea.ListOptions{Page: page, PageSize: listPageSize},
				State:       gitea.StateAll,
			})
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, is := range issues {
			out = append(out, ExistingIssue{Index: is.Index, Title: is.Title})
		}
		if len(issues) < listPageSize {
			break
		}
		page++
	}
	return out, nil
}

func (c *giteaClient) CreateIssue(ctx context.Context, owner, name string, p IssueParams) (int64, error) {
	var created *gitea.Issue
	err := c.do(ctx, "create issue", func() (*gitea.Response, error) {
		var resp *gitea.Response
		var err error
		created, resp, err = c.gt.CreateIssue(owner, name, gitea.CreateIssueOption{
			Title:     p.Title,
			Body:      p.Body,
			Labels:    p.LabelIDs,
			Milestone: p.MilestoneID,
			Closed:    p.Closed,
		})
		return resp, err
	})
	if err != nil {
		return 0, err
	}
	return created.Index, nil
}

func (c *giteaClient) CreateComment(ctx context.Context, owner, name string, index int64, body string) error {
	return c.do(ctx, "create comment", func() (*gitea.Response, error) {
		_, resp, err := c.gt.CreateIssueComment(owner, name, index, gitea.CreateIssueCommentOption{
			Body: body,
		})
		return resp, err
	})
}

func (c *giteaClient) ListLabels(ctx context.Context, owner, name string) (map[string]int64, error) {
	out := make(map[string]int64)
	page := 1
	for {
		var labels []*gitea.Label
		err := c.do(ctx, "list labels", func() (*gitea.Response, error) {
			var resp *gitea.Response
			var err error
			labels, resp, err = c.gt.ListRepoLabels(owner, name, gitea.ListLabelsOptions{
				ListOptions: gitea.ListOptions{Page: page, PageSize: listPageSize},
			})
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, l := range labels {
			out[l.Name] = l.ID
		}
		if len(labels) < listPageSize {
			break
		}
		page++
	}
	return out, nil
}

func (c *giteaClient) EnsureLabel(ctx context.Context, owner, name string, p LabelParams) (int64, error) {
	color := p.Color
	if color == "" {
		color = "ededed"
	}
	if !strings.HasPrefix(color, "#") {
		color = "#" + color
	}

	var created *gitea.Label
	err := c.do(ctx, "create label", func() (*gitea.Response, error) {
		var resp *gitea.Response
		var err error
		created, resp, err = c.gt.CreateLabel(owner, name, gitea.CreateLabelOption{
			Name:        p.Name,
			Color:       color,
			Description: p.Description,
		})
		return resp, err
	})
	if err == nil {
		return created.ID, nil
	}
	if errkind.Is(err, errkind.Conflict) {
		labels, lerr := c.ListLabels(ctx, owner, name)
		if lerr != nil {
			return 0, lerr
		}
		if id, ok := labels[p.Name]; ok {
			return id, nil
		}
	}
	return 0, err
}

func (c *giteaClient) ListMilestones(ctx context.Context, owner, name string) (map[string]int64, error) {
	out := make(map[string]int64)
	page := 1
	for {
		var milestones []*gitea.Milestone
		err := c.do(ctx, "list milestones", func() (*gitea.Response, error) {
			var resp *gitea.Response
			var err error
			milestones, resp, err = c.gt.ListRepoMilestones(owner, name, gitea.ListMilestoneOption{
				ListOptions: gitea.ListOptions{Page: page, PageSize: listPageSize},
				State:       gitea.StateAll,
			})
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, m := range milestones {
			out[m.Title] = m.ID
		}
		if len(milestones) < listPageSize {
			break
		}
		page++
	}
	return out, nil
}

func (c *giteaClient) EnsureMilestone(ctx context.Context, owner, name string, p MilestoneParams) (int64, error) {
	existing, err := c.ListMilestones(ctx, owner, name)
	if err != nil {
		return 0, err
	}
	if id, ok := existing[p.Title]; ok {
		return id, nil
	}

	state := gitea.StateOpen
	if p.Closed {
		state = gitea.StateClosed
	}
	var created *gitea.Milestone
	err = c.do(ctx, "create milestone", func() (*gitea.Response, error) {
		var resp *gitea.Response
		var err error
		created, resp, err = c.gt.CreateMilestone(owner, name, gitea.CreateMilestoneOption{
			Title:       p.Title,
			Description: p.Description,
			State:       state,
			Deadline:    p.DueOn,
		})
		return resp, err
	})
	if err != nil {
		return 0, err
	}
	return created.ID, nil
}

func (c *giteaClient) ListReleaseTags(ctx context.Context, owner, name string) (map[string]bool, error) {
	out := make(map[string]bool)
	page := 1
	for {
		var releases []*gitea.Release
		err := c.do(ctx, "list releases", func() (*gitea.Response, error) {
			var resp *gitea.Response
			var err error
			releases, resp, err = c.gt.ListReleases(owner, name, gitea.ListReleasesOptions{
				ListOptions: gitea.ListOptions{Page: page, PageSize: listPageSize},
			})
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, r := range releases {
			out[r.TagName] = true
		}
		if len(releases) < listPageSize {
			break
		}
		page++
	}
	return out, nil
}

func (c *giteaClient) CreateRelease(ctx context.Context, owner, name string, p ReleaseParams) error {
	err := c.do(ctx, "create release", func() (*gitea.Response, error) {
		_, resp, err := c.gt.CreateRelease(owner, name, gitea.CreateReleaseOption{
			TagName:      p.TagName,
			Title:        p.Title,
			Note:         p.Body,
			IsDraft:      p.Draft,
			IsPrerelease: p.Prerelease,
		})
		return resp, err
	})
	if errkind.Is(err, errkind.Conflict) {
		return nil
	}
	return err
}
