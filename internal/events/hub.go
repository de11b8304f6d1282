package events

import (
	"sync"
)

const subscriberBufferSize = 32

// Subscriber is one live consumer of the hub: an SSE stream or a WebSocket
// connection. Messages arrive on C; the hub closes C on unsubscribe and on
// shutdown.
type Subscriber struct {
	// C delivers live messages. Receive-only for consumers.
	C chan Message

	// topics is the set of topics this subscriber is attached to.
	// Read-only after construction.
	topics []string
}

// Hub routes live messages to subscribers by topic.
//
// # Design: single-writer event loop
//
// All mutations to the subscriber registry are serialised through the Run
// goroutine via channels, so the registry needs no locking for writes.
// Publish is the exception: it takes a read-lock just long enough to copy
// the target set, then delivers outside the lock.
//
// Delivery is best-effort. A subscriber whose buffer is full has its oldest
// pending message dropped in favour of the new one; the durable log written
// before Publish is the source of truth, so nothing is lost for replay.
type Hub struct {
	subscribers map[*Subscriber]struct{}
	topics      map[string]map[*Subscriber]struct{}

	// mu protects the maps during Publish, which reads them from outside
	// the Run goroutine.
	mu sync.RWMutex

	register   chan *Subscriber
	unregister chan *Subscriber
	stopped    chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]struct{}),
		topics:      make(map[string]map[*Subscriber]struct{}),
		register:    make(chan *Subscriber, 16),
		unregister:  make(chan *Subscriber, 16),
		stopped:     make(chan struct{}),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled.
func (h *Hub) Run(ctx interface{ Done() <-chan struct{} }) {
	defer close(h.stopped)

	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub] = struct{}{}
			for _, topic := range sub.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Subscriber]struct{})
				}
				h.topics[topic][sub] = struct{}{}
			}
			h.mu.Unlock()

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
				for _, topic := range sub.topics {
					delete(h.topics[topic], sub)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				close(sub.C)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for sub := range h.subscribers {
				close(sub.C)
			}
			h.subscribers = make(map[*Subscriber]struct{})
			h.topics = make(map[string]map[*Subscriber]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Subscribe attaches a new subscriber to the given topics plus broadcast.
// The caller must call Unsubscribe when done.
func (h *Hub) Subscribe(topics ...string) *Subscriber {
	sub := &Subscriber{
		C:      make(chan Message, subscriberBufferSize),
		topics: append(topics, TopicBroadcast),
	}
	h.register <- sub
	return sub
}

// Unsubscribe detaches sub; its channel is closed by the event loop.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.stopped:
	}
}

// Publish delivers msg to every subscriber of topic. Safe to call from any
// goroutine. When a subscriber's buffer is full its oldest pending message
// is discarded so the stream stays current; replay covers the gap.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	targets := h.topics[topic]
	subs := make([]*Subscriber, 0, len(targets))
	for s := range targets {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.C <- msg:
		default:
			select {
			case <-s.C:
			default:
			}
			select {
			case s.C <- msg:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers, for metrics.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
