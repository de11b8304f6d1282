package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	go hub.Run(ctx)
	return hub, cancel
}

// waitForSubscribers blocks until the hub's event loop has processed enough
// registrations, so publishes in the test body cannot race the register.
func waitForSubscribers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("hub never reached %d subscribers", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func msg(channel string) Message {
	return Message{ID: uuid.Must(uuid.NewV7()), Channel: channel, CreatedAt: time.Now()}
}

func TestHubDeliversToTopic(t *testing.T) {
	hub, cancel := startHub(t)
	defer cancel()

	userID := uuid.New()
	sub := hub.Subscribe(TopicUser(userID))
	waitForSubscribers(t, hub, 1)

	want := msg(ChannelMirror)
	hub.Publish(TopicUser(userID), want)

	select {
	case got := <-sub.C:
		assert.Equal(t, want.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestHubTopicIsolation(t *testing.T) {
	hub, cancel := startHub(t)
	defer cancel()

	alice := hub.Subscribe(TopicUser(uuid.New()))
	bobID := uuid.New()
	bob := hub.Subscribe(TopicUser(bobID))
	waitForSubscribers(t, hub, 2)

	hub.Publish(TopicUser(bobID), msg(ChannelSync))

	select {
	case <-bob.C:
	case <-time.After(time.Second):
		t.Fatal("bob got nothing")
	}
	select {
	case m := <-alice.C:
		t.Fatalf("alice received a foreign message: %v", m.ID)
	default:
	}
}

func TestHubBroadcastReachesEveryone(t *testing.T) {
	hub, cancel := startHub(t)
	defer cancel()

	a := hub.Subscribe(TopicUser(uuid.New()))
	b := hub.Subscribe(TopicUser(uuid.New()))
	waitForSubscribers(t, hub, 2)

	hub.Publish(TopicBroadcast, msg(ChannelSystem))

	for _, sub := range []*Subscriber{a, b} {
		select {
		case <-sub.C:
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestHubOverflowDropsOldest(t *testing.T) {
	hub, cancel := startHub(t)
	defer cancel()

	userID := uuid.New()
	sub := hub.Subscribe(TopicUser(userID))
	waitForSubscribers(t, hub, 1)

	total := subscriberBufferSize + 8
	sent := make([]Message, total)
	for i := range sent {
		sent[i] = msg(ChannelRepository)
		hub.Publish(TopicUser(userID), sent[i])
	}

	// The buffer holds the newest subscriberBufferSize messages; the first
	// pending one is the oldest survivor.
	first := <-sub.C
	assert.Equal(t, sent[total-subscriberBufferSize].ID, first.ID)

	received := 1
	for {
		select {
		case m := <-sub.C:
			received++
			assert.Equal(t, sent[total-subscriberBufferSize+received-1].ID, m.ID)
		default:
			assert.Equal(t, subscriberBufferSize, received)
			return
		}
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub, cancel := startHub(t)
	defer cancel()

	sub := hub.Subscribe(TopicUser(uuid.New()))
	waitForSubscribers(t, hub, 1)

	hub.Unsubscribe(sub)

	select {
	case _, open := <-sub.C:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed on unsubscribe")
	}
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestHubShutdownClosesAll(t *testing.T) {
	hub, cancel := startHub(t)

	sub := hub.Subscribe(TopicUser(uuid.New()))
	waitForSubscribers(t, hub, 1)

	cancel()

	select {
	case _, open := <-sub.C:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed on shutdown")
	}
}
