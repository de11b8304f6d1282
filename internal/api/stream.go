package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/events"
	"github.com/forgesync-io/forgesync/internal/metrics"
	"github.com/forgesync-io/forgesync/internal/store"
)

const (
	// heartbeatPeriod is how often an SSE comment line is emitted to keep
	// intermediaries from timing out the stream.
	heartbeatPeriod = 30 * time.Second

	// replayLimit caps how many durable events one reconnect replays.
	replayLimit = 500

	// writeWait is the maximum time allowed to write a frame to a
	// WebSocket peer before the connection is considered stalled.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply; pingPeriod
	// must be shorter so the client has time to answer.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Clients only send close and
	// pong frames, so a small limit is sufficient.
	maxMessageSize = 512
)

// upgrader performs the HTTP to WebSocket protocol upgrade. Origin
// validation is the responsibility of the reverse proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamHandler serves the live event streams (SSE and WebSocket) and the
// unread-event endpoints.
type StreamHandler struct {
	bus     *events.Bus
	store   store.EventStore
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(bus *events.Bus, eventStore store.EventStore, m *metrics.Metrics, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		bus:     bus,
		store:   eventStore,
		metrics: m,
		logger:  logger.Named("stream_handler"),
	}
}

// SSE handles GET /api/v1/events (and the /sse alias). The stream opens
// with a `: connected` comment, replays durable events newer than the
// client's last-seen position, then forwards live messages framed as
// `data: <json>`. A comment heartbeat goes out every 30 seconds.
func (h *StreamHandler) SSE(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		ErrInternal(w)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	// Subscribe before replaying so nothing published during the replay
	// window is missed; duplicates across the boundary are possible and
	// harmless (event IDs let clients dedupe).
	sub := h.bus.Hub().Subscribe(events.TopicUser(userID))
	defer h.bus.Hub().Unsubscribe(sub)
	h.trackSubscriber(1)
	defer h.trackSubscriber(-1)

	if since, ok := lastSeen(r); ok {
		msgs, err := h.bus.Replay(r.Context(), userID, since, replayLimit)
		if err != nil {
			h.logger.Warn("sse: replay failed", zap.Error(err))
		}
		for _, msg := range msgs {
			writeSSE(w, msg)
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case msg, open := <-sub.C:
			if !open {
				return
			}
			writeSSE(w, msg)
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// writeSSE frames one message. The event ID doubles as the resume cursor:
// IDs are UUIDv7, so their embedded timestamp orders them.
func writeSSE(w http.ResponseWriter, msg events.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\ndata: %s\n\n", msg.ID, raw)
}

// lastSeen extracts the client's resume position: the `lastSeen` query
// parameter (RFC 3339) wins, then the Last-Event-ID header (a UUIDv7 whose
// embedded timestamp is the position).
func lastSeen(r *http.Request) (time.Time, bool) {
	if raw := r.URL.Query().Get("lastSeen"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t, true
		}
	}
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil && id.Version() == 7 {
			sec, nsec := id.Time().UnixTime()
			return time.Unix(sec, nsec), true
		}
	}
	return time.Time{}, false
}

// WebSocket handles GET /api/v1/ws, the push-only twin of the SSE stream.
// The handler blocks until the connection closes.
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	sub := h.bus.Hub().Subscribe(events.TopicUser(userID))
	h.trackSubscriber(1)
	h.logger.Info("ws: client connected",
		zap.String("user_id", userID.String()),
		zap.String("remote_addr", r.RemoteAddr))

	done := make(chan struct{})
	go h.writePump(conn, sub, done)
	h.readPump(conn)

	h.bus.Hub().Unsubscribe(sub)
	close(done)
	h.trackSubscriber(-1)
	h.logger.Info("ws: client disconnected",
		zap.String("user_id", userID.String()),
		zap.String("remote_addr", r.RemoteAddr))
}

// readPump detects disconnection and keeps the read deadline fresh on pong
// frames. Application messages from the client are not expected.
func (h *StreamHandler) readPump(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				h.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump is the only goroutine writing to conn — gorilla/websocket
// connections are not safe for concurrent writes.
func (h *StreamHandler) writePump(conn *websocket.Conn, sub *events.Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, open := <-sub.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !open {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}

// eventResponse is the JSON representation of a durable event.
type eventResponse struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Payload   string `json:"payload"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

func eventToResponse(e *db.Event) eventResponse {
	return eventResponse{
		ID:        e.ID.String(),
		Channel:   e.Channel,
		Payload:   e.Payload,
		Read:      e.Read,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ListUnread handles GET /api/v1/events/unread.
func (h *StreamHandler) ListUnread(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	rows, err := h.store.ListUnread(r.Context(), userID, replayLimit)
	if err != nil {
		h.logger.Error("failed to list unread events", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]eventResponse, len(rows))
	for i := range rows {
		items[i] = eventToResponse(&rows[i])
	}
	Ok(w, items)
}

// MarkAllRead handles POST /api/v1/events/read-all.
func (h *StreamHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromCtx(r.Context())

	if err := h.store.MarkAllRead(r.Context(), userID); err != nil {
		h.logger.Error("failed to mark events read", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

func (h *StreamHandler) trackSubscriber(delta float64) {
	if h.metrics != nil {
		h.metrics.StreamSubscribers.Add(delta)
	}
}
