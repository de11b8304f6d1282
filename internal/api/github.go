package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/batch"
	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/discovery"
	"github.com/forgesync-io/forgesync/internal/store"
)

// GithubHandler serves the stored source graph and runs targeted
// discovery.
type GithubHandler struct {
	repos      store.RepoStore
	orgs       store.OrgStore
	configs    store.ConfigStore
	discoverer *discovery.Discoverer
	factory    batch.ClientFactory
	logger     *zap.Logger
}

// NewGithubHandler creates a new GithubHandler.
func NewGithubHandler(
	repos store.RepoStore,
	orgs store.OrgStore,
	configs store.ConfigStore,
	discoverer *discovery.Discoverer,
	factory batch.ClientFactory,
	logger *zap.Logger,
) *GithubHandler {
	return &GithubHandler{
		repos:      repos,
		orgs:       orgs,
		configs:    configs,
		discoverer: discoverer,
		factory:    factory,
		logger:     logger.Named("github_handler"),
	}
}

// repositoryResponse is the JSON representation of a tracked repository.
type repositoryResponse struct {
	ID               string  `json:"id"`
	Owner            string  `json:"owner"`
	Name             string  `json:"name"`
	FullName         string  `json:"full_name"`
	Description      string  `json:"description,omitempty"`
	Language         string  `json:"language,omitempty"`
	Visibility       string  `json:"visibility"`
	IsPrivate        bool    `json:"is_private"`
	IsForked         bool    `json:"is_forked"`
	IsStarred        bool    `json:"is_starred"`
	IsArchived       bool    `json:"is_archived"`
	HasIssues        bool    `json:"has_issues"`
	HasWiki          bool    `json:"has_wiki"`
	Status           string  `json:"status"`
	DestinationOwner string  `json:"destination_owner,omitempty"`
	DestinationName  string  `json:"destination_name,omitempty"`
	DestinationOrg   string  `json:"destination_org,omitempty"`
	MirroredLocation string  `json:"mirrored_location,omitempty"`
	LastMirrored     *string `json:"last_mirrored"`
	ErrorMessage     string  `json:"error_message,omitempty"`
}

func repositoryToResponse(r *db.Repository) repositoryResponse {
	return repositoryResponse{
		ID:               r.ID.String(),
		Owner:            r.Owner,
		Name:             r.Name,
		FullName:         r.FullName,
		Description:      r.Description,
		Language:         r.Language,
		Visibility:       r.Visibility,
		IsPrivate:        r.IsPrivate,
		IsForked:         r.IsForked,
		IsStarred:        r.IsStarred,
		IsArchived:       r.IsArchived,
		HasIssues:        r.HasIssues,
		HasWiki:          r.HasWiki,
		Status:           string(r.Status),
		DestinationOwner: r.DestinationOwner,
		DestinationName:  r.DestinationName,
		DestinationOrg:   r.DestinationOrg,
		MirroredLocation: r.MirroredLocation,
		LastMirrored:     timeString(r.LastMirrored),
		ErrorMessage:     r.ErrorMessage,
	}
}

// orgResponse is the JSON representation of a source organization.
type orgResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	AvatarURL      string `json:"avatar_url,omitempty"`
	MembershipRole string `json:"membership_role"`
	Included       bool   `json:"included"`
	Status         string `json:"status"`
	TotalRepos     int    `json:"total_repos"`
	PublicRepos    int    `json:"public_repos"`
	PrivateRepos   int    `json:"private_repos"`
	ForkRepos      int    `json:"fork_repos"`
}

func orgToResponse(o *db.Organization) orgResponse {
	return orgResponse{
		ID:             o.ID.String(),
		Name:           o.Name,
		AvatarURL:      o.AvatarURL,
		MembershipRole: o.MembershipRole,
		Included:       o.Included,
		Status:         string(o.Status),
		TotalRepos:     o.TotalRepos,
		PublicRepos:    o.PublicRepos,
		PrivateRepos:   o.PrivateRepos,
		ForkRepos:      o.ForkRepos,
	}
}

// listRepositoriesResponse wraps a paginated repository list.
type listRepositoriesResponse struct {
	Items []repositoryResponse `json:"items"`
	Total int64                `json:"total"`
}

// ListRepositories handles GET /api/v1/github/repositories.
func (h *GithubHandler) ListRepositories(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())
	opts := paginationOpts(r)

	repos, total, err := h.repos.ListByUser(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("failed to list repositories", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]repositoryResponse, len(repos))
	for i := range repos {
		items[i] = repositoryToResponse(&repos[i])
	}
	Ok(w, listRepositoriesResponse{Items: items, Total: total})
}

// ListOrganizations handles GET /api/v1/github/organizations.
func (h *GithubHandler) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	orgs, err := h.orgs.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list organizations", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]orgResponse, len(orgs))
	for i := range orgs {
		items[i] = orgToResponse(&orgs[i])
	}
	Ok(w, items)
}

// syncOrganizationRequest is the body of POST /sync/organization.
type syncOrganizationRequest struct {
	Org  string `json:"org"`
	Role string `json:"role"`
}

// SyncOrganization handles POST /api/v1/sync/organization. It runs
// discovery for a single organization synchronously.
func (h *GithubHandler) SyncOrganization(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	var req syncOrganizationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Org == "" {
		ErrBadRequest(w, "org is required")
		return
	}
	if req.Role == "" {
		req.Role = "member"
	}

	cfg, err := h.configs.GetActiveForUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrUnprocessable(w, "no active configuration")
			return
		}
		h.logger.Error("failed to load active config", zap.Error(err))
		ErrInternal(w)
		return
	}

	src, _, err := h.factory.SourceClient(cfg)
	if err != nil {
		ErrKind(w, err)
		return
	}

	result, err := h.discoverer.SyncOrganization(r.Context(), cfg, src, req.Org, req.Role)
	if err != nil {
		h.logger.Error("organization sync failed",
			zap.String("org", req.Org),
			zap.Error(err))
		ErrKind(w, err)
		return
	}

	Ok(w, map[string]any{
		"organization": req.Org,
		"discovered":   len(result.Repos),
		"new":          result.New,
	})
}
