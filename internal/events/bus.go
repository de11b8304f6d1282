package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/metrics"
	"github.com/forgesync-io/forgesync/internal/store"
)

// Bus is the write side of the event system. Publish persists the event
// and only then hands it to the hub, so the durable log is always a
// superset of what any live subscriber has seen.
type Bus struct {
	events  store.EventStore
	hub     *Hub
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewBus wires the durable store and the live hub together.
func NewBus(events store.EventStore, hub *Hub, logger *zap.Logger) *Bus {
	return &Bus{
		events: events,
		hub:    hub,
		logger: logger.Named("events"),
	}
}

// Hub exposes the live fan-out side for stream handlers.
func (b *Bus) Hub() *Hub { return b.hub }

// SetMetrics attaches the Prometheus collectors. A bus without them runs
// uninstrumented.
func (b *Bus) SetMetrics(m *metrics.Metrics) { b.metrics = m }

func (b *Bus) countPublished(channel string) {
	if b.metrics != nil {
		b.metrics.EventsPublishedTotal.WithLabelValues(channel).Inc()
	}
}

// Publish records an event for the user on the given channel and pushes it
// to the user's live topic. The durable insert must succeed before any live
// delivery happens; if it fails, nothing is pushed.
func (b *Bus) Publish(ctx context.Context, userID uuid.UUID, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}

	ev := &db.Event{
		UserID:  userID,
		Channel: channel,
		Payload: string(raw),
	}
	if err := b.events.Append(ctx, ev); err != nil {
		return err
	}
	b.countPublished(channel)

	b.hub.Publish(TopicUser(userID), Message{
		ID:        ev.ID,
		Channel:   channel,
		Payload:   raw,
		CreatedAt: ev.CreatedAt,
	})
	return nil
}

// Broadcast records a system event for the user and additionally pushes it
// to every connected subscriber. Used for operator-visible conditions such
// as schedule pauses.
func (b *Bus) Broadcast(ctx context.Context, userID uuid.UUID, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}

	ev := &db.Event{
		UserID:  userID,
		Channel: channel,
		Payload: string(raw),
	}
	if err := b.events.Append(ctx, ev); err != nil {
		return err
	}
	b.countPublished(channel)

	b.hub.Publish(TopicBroadcast, Message{
		ID:        ev.ID,
		Channel:   channel,
		Payload:   raw,
		CreatedAt: ev.CreatedAt,
	})
	return nil
}

// Replay returns the user's durable events created after since, oldest
// first, ready to be framed onto a reconnecting stream.
func (b *Bus) Replay(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]Message, error) {
	rows, err := b.events.ListSince(ctx, userID, since, limit)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, Message{
			ID:        row.ID,
			Channel:   row.Channel,
			Payload:   json.RawMessage(row.Payload),
			CreatedAt: row.CreatedAt,
		})
	}
	return msgs, nil
}

// Prune deletes the user's events older than cutoff and reports how many
// rows went away. Driven by the retention loop in the scheduler.
func (b *Bus) Prune(ctx context.Context, userID uuid.UUID, cutoff time.Time) (int64, error) {
	n, err := b.events.DeleteOlderThan(ctx, userID, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.logger.Debug("pruned events",
			zap.String("user_id", userID.String()),
			zap.Int64("deleted", n))
	}
	return n, nil
}
