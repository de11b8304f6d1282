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

// gormConfigStore is the GORM implementation of ConfigStore.
type gormConfigStore struct {
	db *gorm.DB
}

// NewConfigStore returns a ConfigStore backed by the provided *gorm.DB.
func NewConfigStore(db *gorm.DB) ConfigStore {
	return &gormConfigStore{db: db}
}

// Create inserts a new configuration. When cfg.IsActive is set, any other
// active config of the same user is deactivated in the same transaction.
func (s *gormConfigStore) Create(ctx context.Context, cfg *db.Config) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cfg.IsActive {
			if err := tx.Model(&db.Config{}).
				Where("user_id = ? AND is_active = ?", cfg.UserID, true).
				Update("is_active", false).Error; err != nil {
				return fmt.Errorf("configs: deactivate previous: %w", err)
			}
		}
		if err := tx.Create(cfg).Error; err != nil {
			return fmt.Errorf("configs: create: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a configuration by UUID. Returns ErrNotFound if absent.
func (s *gormConfigStore) GetByID(ctx context.Context, id uuid.UUID) (*db.Config, error) {
	var cfg db.Config
	err := s.db.WithContext(ctx).First(&cfg, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("configs: get by id: %w", err)
	}
	return &cfg, nil
}

// GetActiveForUser returns the single active configuration of the user.
func (s *gormConfigStore) GetActiveForUser(ctx context.Context, userID uuid.UUID) (*db.Config, error) {
	var cfg db.Config
	err := s.db.WithContext(ctx).
		First(&cfg, "user_id = ? AND is_active = ?", userID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("configs: get active for user: %w", err)
	}
	return &cfg, nil
}

// Update persists all fields of an existing configuration.
func (s *gormConfigStore) Update(ctx context.Context, cfg *db.Config) error {
	result := s.db.WithContext(ctx).Save(cfg)
	if result.Error != nil {
		return fmt.Errorf("configs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive flips the active flag to configID, clearing it on every other
// config of the user in one transaction so the at-most-one-active invariant
// holds at every commit point.
func (s *gormConfigStore) SetActive(ctx context.Context, userID, configID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.Config{}).
			Where("user_id = ? AND id <> ?", userID, configID).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("configs: clear active: %w", err)
		}
		result := tx.Model(&db.Config{}).
			Where("id = ? AND user_id = ?", configID, userID).
			Update("is_active", true)
		if result.Error != nil {
			return fmt.Errorf("configs: set active: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListByUser returns all configurations of the user, active first.
func (s *gormConfigStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Config, error) {
	var cfgs []db.Config
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("is_active DESC, created_at ASC").
		Find(&cfgs).Error; err != nil {
		return nil, fmt.Errorf("configs: list by user: %w", err)
	}
	return cfgs, nil
}

// ListActive returns every user's active configuration.
func (s *gormConfigStore) ListActive(ctx context.Context) ([]db.Config, error) {
	var cfgs []db.Config
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&cfgs).Error; err != nil {
		return nil, fmt.Errorf("configs: list active: %w", err)
	}
	return cfgs, nil
}

// ListDue returns active configs whose schedule is enabled and due.
// A null next_run means the schedule has never fired and is due now.
func (s *gormConfigStore) ListDue(ctx context.Context, now time.Time) ([]db.Config, error) {
	var cfgs []db.Config
	if err := s.db.WithContext(ctx).
		Where("is_active = ? AND schedule_enabled = ?", true, true).
		Where("next_run IS NULL OR next_run <= ?", now).
		Find(&cfgs).Error; err != nil {
		return nil, fmt.Errorf("configs: list due: %w", err)
	}
	return cfgs, nil
}

// UpdateSchedule stamps last_run and next_run after a scheduled batch has
// been created.
func (s *gormConfigStore) UpdateSchedule(ctx context.Context, id uuid.UUID, lastRun, nextRun time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&db.Config{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run": lastRun,
			"next_run": nextRun,
		})
	if result.Error != nil {
		return fmt.Errorf("configs: update schedule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
