// Package source wraps the GitHub-compatible REST API behind a small
// interface the discovery and mirror components depend on. All listing
// operations paginate transparently and return fully materialized slices;
// rate limits and transient failures are handled inside the client so
// callers only ever see classified errors (see internal/errkind).
package source

import "time"

// Repo is the client-side view of one source repository.
type Repo struct {
	Owner         string
	Name          string
	FullName      string
	CloneURL      string
	Description   string
	DefaultBranch string
	Language      string
	Visibility    string // public, private, internal
	Size          int64  // KiB, as reported by the API

	IsPrivate  bool
	IsFork     bool
	ForkedFrom string
	IsArchived bool
	IsStarred  bool
	HasIssues  bool
	HasWiki    bool

	// OrgOwned is true when the owner is an organization rather than a
	// user account. Drives the preserve and mixed strategies.
	OrgOwned bool

	UpdatedAt time.Time
}

// Org is one organization the authenticated user belongs to.
type Org struct {
	Name        string
	AvatarURL   string
	Description string

	// Role is the caller's membership role: member, admin, owner or
	// billing_manager.
	Role string
}

// User is the authenticated source identity.
type User struct {
	Login string
	Name  string
	Email string
}

// Label is one issue label.
type Label struct {
	Name        string
	Color       string
	Description string
}

// Milestone is one issue milestone.
type Milestone struct {
	Number      int
	Title       string
	Description string
	State       string // open, closed
	DueOn       *time.Time
}

// Issue is one issue, excluding pull requests.
type Issue struct {
	Number    int
	Title     string
	Body      string
	State     string
	Labels    []string
	Milestone string
	Author    string
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// PullRequest is one pull request, carried as metadata only — the engine
// never transfers PR head refs itself.
type PullRequest struct {
	Number     int
	Title      string
	Body       string
	State      string
	Author     string
	BaseBranch string
	HeadBranch string
	Merged     bool
	CreatedAt  time.Time
}

// Comment is one issue or pull request comment.
type Comment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// Release is one tagged release.
type Release struct {
	TagName    string
	Name       string
	Body       string
	Draft      bool
	Prerelease bool
	CreatedAt  time.Time
}

// RepoFilter narrows the user-repo listing at the API level. Anything the
// API cannot filter server-side is applied by discovery instead.
type RepoFilter struct {
	IncludePrivate bool
	IncludeForks   bool
}
