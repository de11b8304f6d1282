package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgesync-io/forgesync/internal/db"
)

// gormEventStore is the GORM implementation of EventStore.
type gormEventStore struct {
	db *gorm.DB
}

// NewEventStore returns an EventStore backed by the provided *gorm.DB.
func NewEventStore(db *gorm.DB) EventStore {
	return &gormEventStore{db: db}
}

// Append inserts a new event. The event bus calls this before any live
// delivery, so a subscriber that sees an event can always find its row.
func (s *gormEventStore) Append(ctx context.Context, event *db.Event) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("events: append: %w", err)
	}
	return nil
}

// ListSince returns the user's events created strictly after since, oldest
// first, capped at limit. Used for stream replay on reconnect.
func (s *gormEventStore) ListSince(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]db.Event, error) {
	var events []db.Event
	q := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at > ?", userID, since).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("events: list since: %w", err)
	}
	return events, nil
}

// ListUnread returns the user's unread events, oldest first.
func (s *gormEventStore) ListUnread(ctx context.Context, userID uuid.UUID, limit int) ([]db.Event, error) {
	var events []db.Event
	q := s.db.WithContext(ctx).
		Where("user_id = ? AND read = ?", userID, false).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("events: list unread: %w", err)
	}
	return events, nil
}

// MarkAllRead flags every unread event of the user as read.
func (s *gormEventStore) MarkAllRead(ctx context.Context, userID uuid.UUID) error {
	if err := s.db.WithContext(ctx).
		Model(&db.Event{}).
		Where("user_id = ? AND read = ?", userID, false).
		Update("read", true).Error; err != nil {
		return fmt.Errorf("events: mark all read: %w", err)
	}
	return nil
}

// DeleteOlderThan removes the user's events created before cutoff and
// returns the number of rows deleted. Driven by the retention loop.
func (s *gormEventStore) DeleteOlderThan(ctx context.Context, userID uuid.UUID, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, cutoff).
		Delete(&db.Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("events: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
