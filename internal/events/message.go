// Package events implements the durable event bus and its live fan-out hub.
// Every engine-visible occurrence is written to the events table first and
// only then pushed to connected subscribers, so a dropped live message can
// always be recovered by replaying the durable log.
//
// Topic naming convention:
//
//	user:<user_id>  — events addressed to one user
//	broadcast       — events addressed to every connected subscriber
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel names group durable events by the component that emitted them.
// Stored on the event row and carried on every live message.
const (
	ChannelRepository = "repository"
	ChannelMirror     = "mirror"
	ChannelSync       = "sync"
	ChannelCleanup    = "cleanup"
	ChannelConfig     = "config"
	ChannelSystem     = "system"
)

// Message is the envelope for every live frame pushed to subscribers.
// ID and CreatedAt come from the durable row, so a client can resume the
// stream from the last message it saw.
type Message struct {
	ID        uuid.UUID       `json:"id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// TopicUser renders the per-user topic name.
func TopicUser(userID uuid.UUID) string {
	return "user:" + userID.String()
}

// TopicBroadcast is the topic every subscriber is implicitly attached to.
const TopicBroadcast = "broadcast"
