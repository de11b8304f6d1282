package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgesync-io/forgesync/internal/db"
)

// gormUserStore is the GORM implementation of UserStore.
type gormUserStore struct {
	db *gorm.DB
}

// NewUserStore returns a UserStore backed by the provided *gorm.DB.
func NewUserStore(db *gorm.DB) UserStore {
	return &gormUserStore{db: db}
}

// Create inserts a new user record. Duplicate email or username is
// surfaced as ErrConflict.
func (s *gormUserStore) Create(ctx context.Context, user *db.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

// GetByID retrieves a user by UUID. Returns ErrNotFound if absent.
func (s *gormUserStore) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var user db.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &user, nil
}

// GetByEmail retrieves a user by email. Returns ErrNotFound if absent.
func (s *gormUserStore) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	var user db.User
	err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by email: %w", err)
	}
	return &user, nil
}

// GetByUsername retrieves a user by username. Returns ErrNotFound if absent.
func (s *gormUserStore) GetByUsername(ctx context.Context, username string) (*db.User, error) {
	var user db.User
	err := s.db.WithContext(ctx).First(&user, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by username: %w", err)
	}
	return &user, nil
}

// Update persists all fields of an existing user record.
func (s *gormUserStore) Update(ctx context.Context, user *db.User) error {
	result := s.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return fmt.Errorf("users: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of users and the total count, ordered by
// creation time ascending.
func (s *gormUserStore) List(ctx context.Context, opts ListOptions) ([]db.User, int64, error) {
	var users []db.User
	var total int64

	if err := s.db.WithContext(ctx).Model(&db.User{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list count: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&users).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list: %w", err)
	}

	return users, total, nil
}
