package source

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/forgesync-io/forgesync/internal/errkind"
)

// Client is the read-only source-forge surface the engine consumes.
type Client interface {
	// AuthenticatedUser resolves the identity behind the token. The result
	// is cached briefly; a rejected token yields SourceAuthInvalid.
	AuthenticatedUser(ctx context.Context) (*User, error)

	ListUserRepos(ctx context.Context, filter RepoFilter) ([]Repo, error)
	ListStarredRepos(ctx context.Context) ([]Repo, error)
	ListOrgs(ctx context.Context) ([]Org, error)
	ListOrgRepos(ctx context.Context, org string) ([]Repo, error)
	GetRepo(ctx context.Context, owner, name string) (*Repo, error)

	ListIssues(ctx context.Context, owner, name string) ([]Issue, error)
	ListIssueComments(ctx context.Context, owner, name string, number int) ([]Comment, error)
	ListPullRequests(ctx context.Context, owner, name string) ([]PullRequest, error)
	ListLabels(ctx context.Context, owner, name string) ([]Label, error)
	ListMilestones(ctx context.Context, owner, name string) ([]Milestone, error)
	ListReleases(ctx context.Context, owner, name string) ([]Release, error)
	HasWiki(ctx context.Context, owner, name string) (bool, error)
}

const (
	listPageSize     = 100
	identityCacheTTL = time.Minute
)

// Config carries the construction parameters for the GitHub client.
type Config struct {
	Token  string
	Logger *zap.Logger

	// MaxRateLimitWait caps how long a call sleeps through a rate-limit
	// window. Zero selects the default.
	MaxRateLimitWait time.Duration
}

type githubClient struct {
	gh               *github.Client
	logger           *zap.Logger
	maxRateLimitWait time.Duration

	mu         sync.Mutex
	cachedUser *User
	cachedAt   time.Time
}

// NewClient builds a Client over the GitHub REST API using the given token.
func NewClient(cfg Config) (Client, error) {
	if cfg.Token == "" {
		return nil, errkind.New(errkind.ConfigInvalid, "source token is empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxRateLimitWait <= 0 {
		cfg.MaxRateLimitWait = defaultMaxRateLimitWait
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	httpClient := oauth2.NewClient(context.Background(), ts)

	return &githubClient{
		gh:               github.NewClient(httpClient),
		logger:           cfg.Logger.Named("source"),
		maxRateLimitWait: cfg.MaxRateLimitWait,
	}, nil
}

func (c *githubClient) AuthenticatedUser(ctx context.Context) (*User, error) {
	c.mu.Lock()
	if c.cachedUser != nil && time.Since(c.cachedAt) < identityCacheTTL {
		u := *c.cachedUser
		c.mu.Unlock()
		return &u, nil
	}
	c.mu.Unlock()

	var ghUser *github.User
	err := c.call(ctx, "get authenticated user", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		ghUser, resp, err = c.gh.Users.Get(ctx, "")
		return resp, err
	})
	if err != nil {
		return nil, err
	}

	u := &User{
		Login: ghUser.GetLogin(),
		Name:  ghUser.GetName(),
		Email: ghUser.GetEmail(),
	}

	c.mu.Lock()
	c.cachedUser = u
	c.cachedAt = time.Now()
	c.mu.Unlock()

	out := *u
	return &out, nil
}

func (c *githubClient) ListUserRepos(ctx context.Context, filter RepoFilter) ([]Repo, error) {
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Affiliation: "owner",
		ListOptions: github.ListOptions{PerPage: listPageSize},
	}

	var out []Repo
	for {
		var page []*github.Repository
		var resp *github.Response
		err := c.call(ctx, "list user repos", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Repositories.ListByAuthenticatedUser(ctx, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			if r.GetPrivate() && !filter.IncludePrivate {
				continue
			}
			if r.GetFork() && !filter.IncludeForks {
				continue
			}
			out = append(out, convertRepo(r, false))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) ListStarredRepos(ctx context.Context) ([]Repo, error) {
	opts := &github.ActivityListStarredOptions{
		ListOptions: github.ListOptions{PerPage: listPageSize},
	}

	var out []Repo
	for {
		var page []*github.StarredRepository
		var resp *github.Response
		err := c.call(ctx, "list starred repos", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Activity.ListStarred(ctx, "", opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, s := range page {
			if s.Repository == nil {
				continue
			}
			out = append(out, convertRepo(s.Repository, true))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) ListOrgs(ctx context.Context) ([]Org, error) {
	opts := &github.ListOrgMembershipsOptions{
		State:       "active",
		ListOptions: github.ListOptions{PerPage: listPageSize},
	}

	var out []Org
	for {
		var page []*github.Membership
		var resp *github.Response
		err := c.call(ctx, "list org memberships", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Organizations.ListOrgMemberships(ctx, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			org := m.GetOrganization()
			if org == nil {
				continue
			}
			out = append(out, Org{
				Name:        org.GetLogin(),
				AvatarURL:   org.GetAvatarURL(),
				Description: org.GetDescription(),
				Role:        m.GetRole(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) ListOrgRepos(ctx context.Context, org string) ([]Repo, error) {
	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{PerPage: listPageSize},
	}

	var out []Repo
	for {
		var page []*github.Repository
		var resp *github.Response
		err := c.call(ctx, "list org repos", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Repositories.ListByOrg(ctx, org, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			out = append(out, convertRepo(r, false))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) GetRepo(ctx context.Context, owner, name string) (*Repo, error) {
	var ghRepo *github.Repository
	err := c.call(ctx, "get repo", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		ghRepo, resp, err = c.gh.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	repo := convertRepo(ghRepo, false)
	return &repo, nil
}

func (c *githubClient) ListIssues(ctx context.Context, owner, name string) ([]Issue, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: listPageSize},
	}

	var out []Issue
	for {
		var page []*github.Issue
		var resp *github.Response
		err := c.call(ctx, "list issues", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Issues.ListByRepo(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, is := range page {
			// The issues endpoint reports pull requests too; PRs travel
			// through their own listing.
			if is.IsPullRequest() {
				continue
			}
			out = append(out, convertIssue(is))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) ListIssueComments(ctx context.Context, owner, name string, number int) ([]Comment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: listPageSize},
	}

	var out []Comment
	for {
		var page []*github.IssueComment
		var resp *github.Response
		err := c.call(ctx, "list issue comments", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Issues.ListComments(ctx, owner, name, number, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, cm := range page {
			out = append(out, Comment{
				Author:    cm.GetUser().GetLogin(),
				Body:      cm.GetBody(),
				CreatedAt: cm.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) ListPullRequests(ctx context.Context, owner, name string) ([]PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: listPageSize},
	}

	var out []PullRequest
	for {
		var page []*github.PullRequest
		var resp *github.Response
		err := c.call(ctx, "list pull requests", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.PullRequests.List(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, pr := range page {
			out = append(out, PullRequest{
				Number:     pr.GetNumber(),
				Title:      pr.GetTitle(),
				Body:       pr.GetBody(),
				State:      pr.GetState(),
				Author:     pr.GetUser().GetLogin(),
				BaseBranch: pr.GetBase().GetRef(),
				HeadBranch: pr.GetHead().GetRef(),
				Merged:     !pr.GetMergedAt().IsZero(),
				CreatedAt:  pr.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) ListLabels(ctx context.Context, owner, name string) ([]Label, error) {
	opts := &github.ListOptions{PerPage: listPageSize}

	var out []Label
	for {
		var page []*github.Label
		var resp *github.Response
		err := c.call(ctx, "list labels", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Issues.ListLabels(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, l := range page {
			out = append(out, Label{
				Name:        l.GetName(),
				Color:       l.GetColor(),
				Description: l.GetDescription(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) ListMilestones(ctx context.Context, owner, name string) ([]Milestone, error) {
	opts := &github.MilestoneListOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: listPageSize},
	}

	var out []Milestone
	for {
		var page []*github.Milestone
		var resp *github.Response
		err := c.call(ctx, "list milestones", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Issues.ListMilestones(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			ms := Milestone{
				Number:      m.GetNumber(),
				Title:       m.GetTitle(),
				Description: m.GetDescription(),
				State:       m.GetState(),
			}
			if due := m.GetDueOn(); !due.IsZero() {
				t := due.Time
				ms.DueOn = &t
			}
			out = append(out, ms)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) ListReleases(ctx context.Context, owner, name string) ([]Release, error) {
	opts := &github.ListOptions{PerPage: listPageSize}

	var out []Release
	for {
		var page []*github.RepositoryRelease
		var resp *github.Response
		err := c.call(ctx, "list releases", func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Repositories.ListReleases(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			out = append(out, Release{
				TagName:    r.GetTagName(),
				Name:       r.GetName(),
				Body:       r.GetBody(),
				Draft:      r.GetDraft(),
				Prerelease: r.GetPrerelease(),
				CreatedAt:  r.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) HasWiki(ctx context.Context, owner, name string) (bool, error) {
	repo, err := c.GetRepo(ctx, owner, name)
	if err != nil {
		return false, err
	}
	return repo.HasWiki, nil
}

func convertRepo(r *github.Repository, starred bool) Repo {
	visibility := r.GetVisibility()
	if visibility == "" {
		if r.GetPrivate() {
			visibility = "private"
		} else {
			visibility = "public"
		}
	}
	repo := Repo{
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		CloneURL:      r.GetCloneURL(),
		Description:   r.GetDescription(),
		DefaultBranch: r.GetDefaultBranch(),
		Language:      r.GetLanguage(),
		Visibility:    visibility,
		Size:          int64(r.GetSize()),
		IsPrivate:     r.GetPrivate(),
		IsFork:        r.GetFork(),
		IsArchived:    r.GetArchived(),
		IsStarred:     starred,
		HasIssues:     r.GetHasIssues(),
		HasWiki:       r.GetHasWiki(),
		OrgOwned:      strings.EqualFold(r.GetOwner().GetType(), "Organization"),
		UpdatedAt:     r.GetUpdatedAt().Time,
	}
	if repo.IsFork {
		repo.ForkedFrom = r.GetParent().GetFullName()
	}
	return repo
}

func convertIssue(is *github.Issue) Issue {
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		labels = append(labels, l.GetName())
	}
	out := Issue{
		Number:    is.GetNumber(),
		Title:     is.GetTitle(),
		Body:      is.GetBody(),
		State:     is.GetState(),
		Labels:    labels,
		Milestone: is.GetMilestone().GetTitle(),
		Author:    is.GetUser().GetLogin(),
		CreatedAt: is.GetCreatedAt().Time,
	}
	if closed := is.GetClosedAt(); !closed.IsZero() {
		t := closed.Time
		out.ClosedAt = &t
	}
	return out
}
