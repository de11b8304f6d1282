package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgesync-io/forgesync/internal/db"
)

// gormRepoStore is the GORM implementation of RepoStore.
type gormRepoStore struct {
	db *gorm.DB
}

// NewRepoStore returns a RepoStore backed by the provided *gorm.DB.
func NewRepoStore(db *gorm.DB) RepoStore {
	return &gormRepoStore{db: db}
}

// Upsert inserts the repository or refreshes the source-derived fields of
// the existing row keyed by (user_id, normalized_full_name). Engine-owned
// fields — status, mirrored location, per-repo override, metadata state,
// error message — are never touched on update, so discovery re-runs do not
// reset mirror progress.
func (s *gormRepoStore) Upsert(ctx context.Context, repo *db.Repository) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.Repository
		err := tx.First(&existing,
			"user_id = ? AND normalized_full_name = ?",
			repo.UserID, repo.NormalizedFullName).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(repo).Error; err != nil {
				return fmt.Errorf("repositories: create: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("repositories: upsert lookup: %w", err)
		}

		updates := map[string]interface{}{
			"owner":          repo.Owner,
			"name":           repo.Name,
			"full_name":      repo.FullName,
			"clone_url":      repo.CloneURL,
			"is_private":     repo.IsPrivate,
			"is_forked":      repo.IsForked,
			"forked_from":    repo.ForkedFrom,
			"has_issues":     repo.HasIssues,
			"is_starred":     repo.IsStarred,
			"is_archived":    repo.IsArchived,
			"has_lfs":        repo.HasLFS,
			"has_submodules": repo.HasSubmodules,
			"has_wiki":       repo.HasWiki,
			"default_branch": repo.DefaultBranch,
			"visibility":     repo.Visibility,
			"size":           repo.Size,
			"language":       repo.Language,
			"description":    repo.Description,
		}
		if err := tx.Model(&db.Repository{}).
			Where("id = ?", existing.ID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("repositories: upsert update: %w", err)
		}

		// Reflect the stored row back so callers see the persisted ID and
		// the engine-owned fields discovery must respect.
		repo.ID = existing.ID
		repo.Status = existing.Status
		repo.DestinationOrg = existing.DestinationOrg
		repo.DestinationOwner = existing.DestinationOwner
		repo.DestinationName = existing.DestinationName
		repo.MirroredLocation = existing.MirroredLocation
		repo.MetadataState = existing.MetadataState
		repo.ErrorMessage = existing.ErrorMessage
		repo.LastMirrored = existing.LastMirrored
		return nil
	})
}

// GetByID retrieves a repository by UUID. Returns ErrNotFound if absent.
func (s *gormRepoStore) GetByID(ctx context.Context, id uuid.UUID) (*db.Repository, error) {
	var repo db.Repository
	err := s.db.WithContext(ctx).First(&repo, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repositories: get by id: %w", err)
	}
	return &repo, nil
}

// GetByFullName retrieves a repository by its normalized full name.
func (s *gormRepoStore) GetByFullName(ctx context.Context, userID uuid.UUID, normalizedFullName string) (*db.Repository, error) {
	var repo db.Repository
	err := s.db.WithContext(ctx).
		First(&repo, "user_id = ? AND normalized_full_name = ?", userID, normalizedFullName).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repositories: get by full name: %w", err)
	}
	return &repo, nil
}

// Update persists all fields of an existing repository record.
func (s *gormRepoStore) Update(ctx context.Context, repo *db.Repository) error {
	result := s.db.WithContext(ctx).Save(repo)
	if result.Error != nil {
		return fmt.Errorf("repositories: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByUser returns a paginated list of the user's repositories ordered by
// full name, and the total count.
func (s *gormRepoStore) ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Repository, int64, error) {
	var repos []db.Repository
	var total int64

	if err := s.db.WithContext(ctx).
		Model(&db.Repository{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("repositories: list count: %w", err)
	}

	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("full_name ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&repos).Error; err != nil {
		return nil, 0, fmt.Errorf("repositories: list: %w", err)
	}

	return repos, total, nil
}

// ListByIDs returns the user's repositories matching ids. Unknown IDs are
// silently dropped; ownership is enforced by the user_id predicate.
func (s *gormRepoStore) ListByIDs(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]db.Repository, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var repos []db.Repository
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND id IN ?", userID, ids).
		Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("repositories: list by ids: %w", err)
	}
	return repos, nil
}

// ListByStatuses returns the user's repositories in any of the given states.
func (s *gormRepoStore) ListByStatuses(ctx context.Context, userID uuid.UUID, statuses []db.RepoStatus) ([]db.Repository, error) {
	var repos []db.Repository
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, statuses).
		Order("full_name ASC").
		Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("repositories: list by statuses: %w", err)
	}
	return repos, nil
}

// UpdateStatus writes status and error message in one statement.
func (s *gormRepoStore) UpdateStatus(ctx context.Context, id uuid.UUID, status db.RepoStatus, errMsg string) error {
	result := s.db.WithContext(ctx).
		Model(&db.Repository{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("repositories: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMirroredLocation records where the repository landed on the destination.
func (s *gormRepoStore) SetMirroredLocation(ctx context.Context, id uuid.UUID, owner, name, location string) error {
	result := s.db.WithContext(ctx).
		Model(&db.Repository{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"destination_owner": owner,
			"destination_name":  name,
			"mirrored_location": location,
		})
	if result.Error != nil {
		return fmt.Errorf("repositories: set mirrored location: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastMirrored stamps the last successful mirror time.
func (s *gormRepoStore) SetLastMirrored(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&db.Repository{}).
		Where("id = ?", id).
		Update("last_mirrored", at)
	if result.Error != nil {
		return fmt.Errorf("repositories: set last mirrored: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMetadataState stores the metadata sub-pipeline cursor blob.
func (s *gormRepoStore) SetMetadataState(ctx context.Context, id uuid.UUID, blob string) error {
	result := s.db.WithContext(ctx).
		Model(&db.Repository{}).
		Where("id = ?", id).
		Update("metadata_state", blob)
	if result.Error != nil {
		return fmt.Errorf("repositories: set metadata state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDestinationOrg stores the per-repo destination override.
func (s *gormRepoStore) SetDestinationOrg(ctx context.Context, id uuid.UUID, org string) error {
	result := s.db.WithContext(ctx).
		Model(&db.Repository{}).
		Where("id = ?", id).
		Update("destination_org", org)
	if result.Error != nil {
		return fmt.Errorf("repositories: set destination org: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus returns the user's repository counts grouped by status.
func (s *gormRepoStore) CountByStatus(ctx context.Context, userID uuid.UUID) (map[db.RepoStatus]int64, error) {
	type row struct {
		Status db.RepoStatus
		N      int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).
		Model(&db.Repository{}).
		Select("status, COUNT(*) AS n").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("repositories: count by status: %w", err)
	}
	counts := make(map[db.RepoStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// CountAllByStatus returns repository counts grouped by status across all users.
func (s *gormRepoStore) CountAllByStatus(ctx context.Context) (map[db.RepoStatus]int64, error) {
	type row struct {
		Status db.RepoStatus
		N      int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).
		Model(&db.Repository{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("repositories: count all by status: %w", err)
	}
	counts := make(map[db.RepoStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
