package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgesync-io/forgesync/internal/db"
)

// gormOrgStore is the GORM implementation of OrgStore.
type gormOrgStore struct {
	db *gorm.DB
}

// NewOrgStore returns an OrgStore backed by the provided *gorm.DB.
func NewOrgStore(db *gorm.DB) OrgStore {
	return &gormOrgStore{db: db}
}

// Upsert inserts the organization or refreshes the remote-derived fields of
// the existing row keyed by (user_id, name). Included and status are
// user-owned and preserved on update.
func (s *gormOrgStore) Upsert(ctx context.Context, org *db.Organization) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.Organization
		err := tx.First(&existing, "user_id = ? AND name = ?", org.UserID, org.Name).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(org).Error; err != nil {
				return fmt.Errorf("organizations: create: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("organizations: upsert lookup: %w", err)
		}

		if err := tx.Model(&db.Organization{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"avatar_url":      org.AvatarURL,
				"membership_role": org.MembershipRole,
				"total_repos":     org.TotalRepos,
				"public_repos":    org.PublicRepos,
				"private_repos":   org.PrivateRepos,
				"fork_repos":      org.ForkRepos,
			}).Error; err != nil {
			return fmt.Errorf("organizations: upsert update: %w", err)
		}

		org.ID = existing.ID
		org.Included = existing.Included
		org.Status = existing.Status
		return nil
	})
}

// GetByName retrieves one organization by name for the user.
func (s *gormOrgStore) GetByName(ctx context.Context, userID uuid.UUID, name string) (*db.Organization, error) {
	var org db.Organization
	err := s.db.WithContext(ctx).First(&org, "user_id = ? AND name = ?", userID, name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("organizations: get by name: %w", err)
	}
	return &org, nil
}

// ListByUser returns all organizations of the user ordered by name.
func (s *gormOrgStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Organization, error) {
	var orgs []db.Organization
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("name ASC").
		Find(&orgs).Error; err != nil {
		return nil, fmt.Errorf("organizations: list by user: %w", err)
	}
	return orgs, nil
}

// SetIncluded toggles the inclusion flag.
func (s *gormOrgStore) SetIncluded(ctx context.Context, id uuid.UUID, included bool) error {
	result := s.db.WithContext(ctx).
		Model(&db.Organization{}).
		Where("id = ?", id).
		Update("included", included)
	if result.Error != nil {
		return fmt.Errorf("organizations: set included: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
