package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgesync-io/forgesync/internal/db"
)

// gormJobStore is the GORM implementation of JobStore.
type gormJobStore struct {
	db *gorm.DB
}

// NewJobStore returns a JobStore backed by the provided *gorm.DB.
func NewJobStore(db *gorm.DB) JobStore {
	return &gormJobStore{db: db}
}

// DecodeItemIDs parses a JSON array column of repository UUIDs.
func DecodeItemIDs(raw string) ([]uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []uuid.UUID
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("jobs: decode item ids: %w", err)
	}
	return ids, nil
}

// EncodeItemIDs serializes repository UUIDs into the JSON array column form.
func EncodeItemIDs(ids []uuid.UUID) string {
	if len(ids) == 0 {
		return "[]"
	}
	raw, _ := json.Marshal(ids)
	return string(raw)
}

// Create inserts a new mirror job. Timestamp and StartedAt default to now
// when unset so the activity ordering column is always populated.
func (s *gormJobStore) Create(ctx context.Context, job *db.MirrorJob) error {
	if job.Timestamp.IsZero() {
		job.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a job by UUID. Returns ErrNotFound if absent.
func (s *gormJobStore) GetByID(ctx context.Context, id uuid.UUID) (*db.MirrorJob, error) {
	var job db.MirrorJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// Update persists all fields of an existing job record.
func (s *gormJobStore) Update(ctx context.Context, job *db.MirrorJob) error {
	result := s.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByUser returns a paginated list of the user's jobs newest-first, and
// the total count.
func (s *gormJobStore) ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.MirrorJob, int64, error) {
	var jobs []db.MirrorJob
	var total int64

	if err := s.db.WithContext(ctx).
		Model(&db.MirrorJob{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	q := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// ListInProgress returns every job still flagged in_progress, across all
// users. Consumed by crash recovery at startup.
func (s *gormJobStore) ListInProgress(ctx context.Context) ([]db.MirrorJob, error) {
	var jobs []db.MirrorJob
	if err := s.db.WithContext(ctx).
		Where("in_progress = ?", true).
		Order("timestamp ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list in progress: %w", err)
	}
	return jobs, nil
}

// HasInProgress reports whether the user has a running job of the given
// type. The schedule controller uses it to enforce one active scheduled
// batch per user.
func (s *gormJobStore) HasInProgress(ctx context.Context, userID uuid.UUID, jobType db.JobType) (bool, error) {
	var n int64
	q := s.db.WithContext(ctx).
		Model(&db.MirrorJob{}).
		Where("user_id = ? AND in_progress = ?", userID, true)
	if jobType != "" {
		q = q.Where("job_type = ?", jobType)
	}
	if err := q.Count(&n).Error; err != nil {
		return false, fmt.Errorf("jobs: has in progress: %w", err)
	}
	return n > 0, nil
}

// Checkpoint atomically appends itemID to completed_item_ids, increments
// completed_items and stamps last_checkpoint. The row is re-read inside the
// transaction so concurrent workers of the same batch never lose an append,
// and a duplicate checkpoint for the same item is a no-op.
func (s *gormJobStore) Checkpoint(ctx context.Context, jobID uuid.UUID, itemID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job db.MirrorJob
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("jobs: checkpoint read: %w", err)
		}

		done, err := DecodeItemIDs(job.CompletedItemIDs)
		if err != nil {
			return err
		}
		for _, id := range done {
			if id == itemID {
				return nil
			}
		}
		done = append(done, itemID)

		now := time.Now().UTC()
		if err := tx.Model(&db.MirrorJob{}).
			Where("id = ?", jobID).
			Updates(map[string]interface{}{
				"completed_item_ids": EncodeItemIDs(done),
				"completed_items":    len(done),
				"last_checkpoint":    now,
			}).Error; err != nil {
			return fmt.Errorf("jobs: checkpoint write: %w", err)
		}
		return nil
	})
}

// Cancel clears in_progress so workers stop pulling new items. The terminal
// status and message are written later by Finish, once in-flight items have
// drained.
func (s *gormJobStore) Cancel(ctx context.Context, jobID uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Model(&db.MirrorJob{}).
		Where("id = ?", jobID).
		Update("in_progress", false)
	if result.Error != nil {
		return fmt.Errorf("jobs: cancel: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Finish marks the job terminal: status, message and completed_at are set
// and in_progress is cleared, upholding the inProgress ⇒ completedAt-null
// invariant in a single statement.
func (s *gormJobStore) Finish(ctx context.Context, jobID uuid.UUID, status db.RepoStatus, message string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&db.MirrorJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       status,
			"message":      message,
			"in_progress":  false,
			"completed_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: finish: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeByUser deletes all jobs and events of the user. In-progress jobs are
// first forced to failed with interruptMessage inside the same transaction,
// so no record is ever removed while logically running.
func (s *gormJobStore) PurgeByUser(ctx context.Context, userID uuid.UUID, interruptMessage string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Model(&db.MirrorJob{}).
			Where("user_id = ? AND in_progress = ?", userID, true).
			Updates(map[string]interface{}{
				"status":       db.StatusFailed,
				"message":      interruptMessage,
				"in_progress":  false,
				"completed_at": now,
			}).Error; err != nil {
			return fmt.Errorf("jobs: purge interrupt: %w", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&db.MirrorJob{}).Error; err != nil {
			return fmt.Errorf("jobs: purge delete jobs: %w", err)
		}
		if err := tx.Where("user_id = ?", userID).Delete(&db.Event{}).Error; err != nil {
			return fmt.Errorf("jobs: purge delete events: %w", err)
		}
		return nil
	})
}
