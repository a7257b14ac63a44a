// Package hub fans realtime task updates out to dashboard clients over
// persistent WebSocket connections.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/taskrelay/taskrelay/pkg/models"
)

const snapshotTimeout = 5 * time.Second

// SnapshotSource provides the current realtime snapshot sent to a client
// immediately after it subscribes, closing the race between "subscribe" and
// "next event". The store satisfies this directly.
type SnapshotSource interface {
	GetRealtimeStatus(ctx context.Context, taskID uuid.UUID) (*models.RealtimeStatus, error)
}

// Hub maintains per-task subscriber sets and delivers every published event
// to every member, in publish order, without blocking the publisher on a
// slow subscriber.
type Hub struct {
	snapshots SnapshotSource
	upgrader  websocket.Upgrader

	// mu guards both maps. Publish holds the read lock for the whole fan-out
	// so a connection cannot unsubscribe mid-delivery.
	mu            sync.RWMutex
	subscribers   map[uuid.UUID]map[*connection]struct{}
	subscriptions map[*connection]map[uuid.UUID]struct{}
}

// New creates a Hub reading subscribe-time snapshots from snapshots.
func New(snapshots SnapshotSource) *Hub {
	return &Hub{
		snapshots: snapshots,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subscribers:   make(map[uuid.UUID]map[*connection]struct{}),
		subscriptions: make(map[*connection]map[uuid.UUID]struct{}),
	}
}

// HandleWS upgrades the request to a WebSocket connection and serves it until
// the peer disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newConnection(h, ws)

	h.mu.Lock()
	h.subscriptions[c] = make(map[uuid.UUID]struct{})
	h.mu.Unlock()

	if frame, err := marshalEnvelope(TypeConnectionStatus, ConnectionStatusPayload{Connected: true}); err == nil {
		c.enqueue(frame)
	}

	go c.writePump()
	c.readPump()
}

// PublishStatus delivers a snapshot update to every subscriber of the task.
func (h *Hub) PublishStatus(taskID uuid.UUID, status models.RealtimeStatus) {
	frame, err := marshalEnvelope(TypeStatusUpdate, StatusPayload{TaskID: taskID, Status: status})
	if err != nil {
		slog.Error("marshal status update", "task_id", taskID, "error", err)
		return
	}
	h.broadcast(taskID, frame)
}

// PublishLogs delivers appended log entries to every subscriber of the task.
func (h *Hub) PublishLogs(taskID uuid.UUID, logs []models.LogEntry) {
	frame, err := marshalEnvelope(TypeLogsUpdate, LogsPayload{TaskID: taskID, Logs: logs})
	if err != nil {
		slog.Error("marshal logs update", "task_id", taskID, "error", err)
		return
	}
	h.broadcast(taskID, frame)
}

// broadcast enqueues one frame to every subscriber of taskID. A subscriber
// whose send buffer is full is dropped after the fan-out completes; delivery
// to the others is never held up.
func (h *Hub) broadcast(taskID uuid.UUID, frame []byte) {
	var stalled []*connection

	h.mu.RLock()
	for c := range h.subscribers[taskID] {
		if !c.enqueue(frame) {
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		slog.Warn("dropping slow subscriber", "task_id", taskID)
		h.removeConnection(c)
		c.stop()
	}
}

// subscribe adds the connection to the task's subscriber set and immediately
// queues the current snapshot, if one exists.
func (h *Hub) subscribe(c *connection, taskID uuid.UUID) {
	h.mu.Lock()
	set, ok := h.subscribers[taskID]
	if !ok {
		set = make(map[*connection]struct{})
		h.subscribers[taskID] = set
	}
	set[c] = struct{}{}
	if subs, ok := h.subscriptions[c]; ok {
		subs[taskID] = struct{}{}
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	status, err := h.snapshots.GetRealtimeStatus(ctx, taskID)
	if err != nil {
		slog.Debug("no snapshot for subscriber", "task_id", taskID, "error", err)
		return
	}
	if frame, err := marshalEnvelope(TypeStatusUpdate, StatusPayload{TaskID: taskID, Status: *status}); err == nil {
		c.enqueue(frame)
	}
}

func (h *Hub) unsubscribe(c *connection, taskID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach(c, taskID)
}

// removeConnection drops the connection from every subscriber set it belongs to.
func (h *Hub) removeConnection(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for taskID := range h.subscriptions[c] {
		h.detach(c, taskID)
	}
	delete(h.subscriptions, c)
}

// detach must be called with mu held.
func (h *Hub) detach(c *connection, taskID uuid.UUID) {
	if set, ok := h.subscribers[taskID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subscribers, taskID)
		}
	}
	if subs, ok := h.subscriptions[c]; ok {
		delete(subs, taskID)
	}
}

// SubscriberCount returns the number of live subscribers for a task.
func (h *Hub) SubscriberCount(taskID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[taskID])
}

// Close tears down every connection, typically during server shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.subscriptions))
	for c := range h.subscriptions {
		conns = append(conns, c)
	}
	h.subscribers = make(map[uuid.UUID]map[*connection]struct{})
	h.subscriptions = make(map[*connection]map[uuid.UUID]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.stop()
	}
}
