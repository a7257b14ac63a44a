// Package client implements the dashboard-side synchronizer for agent tasks:
// it subscribes over a persistent WebSocket connection, reconnects with
// exponential backoff, and falls back to interval polling of the REST API
// when reconnection attempts are exhausted.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/taskrelay/taskrelay/internal/hub"
	"github.com/taskrelay/taskrelay/pkg/models"
)

// State is the synchronizer's connection state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateDisconnected means reconnect attempts are exhausted; the
	// synchronizer is polling until Connect is called again.
	StateDisconnected State = "disconnected"
)

// Config controls synchronizer behavior. Use DefaultConfig for the standard
// defaults; zero numeric fields fall back to them.
type Config struct {
	WSURL                string
	APIURL               string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	PollingInterval      time.Duration
	PingInterval         time.Duration
	Enabled              bool
}

// DefaultConfig returns a Config with the standard defaults.
func DefaultConfig(wsURL, apiURL string) Config {
	return Config{
		WSURL:                wsURL,
		APIURL:               apiURL,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		PollingInterval:      5 * time.Second,
		PingInterval:         30 * time.Second,
		Enabled:              true,
	}
}

// Handlers receives updates from the synchronizer. Nil handlers are skipped.
// No handler is invoked after Close returns.
type Handlers struct {
	OnStatus func(models.RealtimeStatus)
	OnLogs   func([]models.LogEntry)
	OnState  func(State)
}

// Synchronizer follows one task's realtime status.
type Synchronizer struct {
	cfg      Config
	taskID   uuid.UUID
	api      *restClient
	dialer   *websocket.Dialer
	handlers Handlers

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	closed        bool
	running       bool
	polling       bool
	pollStop      chan struct{}
	lastUpdatedAt time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Synchronizer for taskID. Call Connect to start it.
func New(taskID uuid.UUID, cfg Config, handlers Handlers) *Synchronizer {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Synchronizer{
		cfg:      cfg,
		taskID:   taskID,
		api:      newRESTClient(cfg.APIURL),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handlers: handlers,
		state:    StateDisconnected,
		done:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the connection loop. It is a no-op when the synchronizer is
// disabled or already running; calling it while polling stops the polling
// fallback and retries the persistent connection.
func (s *Synchronizer) Connect() {
	s.mu.Lock()
	if !s.cfg.Enabled || s.closed || s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	if s.polling {
		close(s.pollStop)
		s.polling = false
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// Close unsubscribes if connected and deterministically tears down every
// timer and connection. After Close returns no handler fires again.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	if s.polling {
		close(s.pollStop)
		s.polling = false
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		// Best effort; the peer also cleans up on close.
		if frame, err := marshalClientEnvelope(hub.TypeUnsubscribe, hub.SubscriptionPayload{TaskID: s.taskID}); err == nil {
			conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			conn.WriteMessage(websocket.TextMessage, frame)
		}
		conn.Close()
	}

	s.wg.Wait()
}

// run is the connection loop: dial, serve, and on unexpected close retry
// with exponential backoff until attempts are exhausted, then fall back
// to polling.
func (s *Synchronizer) run() {
	defer s.wg.Done()

	attempt := 0
	for {
		if s.isClosed() {
			return
		}

		if attempt == 0 {
			s.setState(StateConnecting)
		}

		conn, _, err := s.dialer.Dial(s.cfg.WSURL, nil)
		if err == nil {
			attempt = 0
			s.serveConn(conn)
			if s.isClosed() {
				return
			}
			// Unexpected close; fall through to the backoff path.
		}

		if attempt >= s.cfg.MaxReconnectAttempts {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			// Polling starts before the state handler fires, so a Connect
			// call made from the handler finds the poller and stops it.
			s.startPolling()
			s.setState(StateDisconnected)
			return
		}

		delay := backoffDelay(s.cfg.ReconnectDelay, attempt)
		attempt++
		s.setState(StateReconnecting)

		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}
	}
}

// backoffDelay is base × 2^attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<attempt)
}

// serveConn subscribes, bootstraps current state over REST, and reads pushed
// events until the connection drops or the synchronizer closes.
func (s *Synchronizer) serveConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	s.setState(StateConnected)

	if err := s.writeEnvelope(conn, hub.TypeSubscribe, hub.SubscriptionPayload{TaskID: s.taskID}); err != nil {
		return
	}

	s.bootstrap()

	// Liveness ping on its own timer; it does not touch reconnect or poll state.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(conn, data)
	}
}

// bootstrap closes any gap since the last observed state with one-shot
// REST fetches of current status and logs.
func (s *Synchronizer) bootstrap() {
	ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
	defer cancel()

	if rs, err := s.api.FetchStatus(ctx, s.taskID); err == nil {
		s.deliverStatus(*rs)
	}
	if logs, err := s.api.FetchLogs(ctx, s.taskID); err == nil && len(logs) > 0 {
		s.deliverLogs(logs)
	}
}

func (s *Synchronizer) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.writeEnvelope(conn, hub.TypePing, struct{}{}); err != nil {
				return
			}
		case <-stop:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Synchronizer) handleFrame(conn *websocket.Conn, data []byte) {
	var env hub.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Debug("malformed frame from hub", "error", err)
		return
	}

	switch env.Type {
	case hub.TypeStatusUpdate:
		var p hub.StatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.TaskID != s.taskID {
			return
		}
		s.deliverStatus(p.Status)
	case hub.TypeLogsUpdate:
		var p hub.LogsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.TaskID != s.taskID {
			return
		}
		s.deliverLogs(p.Logs)
	case hub.TypePing:
		s.writeEnvelope(conn, hub.TypePong, struct{}{})
	case hub.TypeConnectionStatus, hub.TypePong:
		// Informational only.
	}
}

// deliverStatus forwards a snapshot to the handler, discarding anything older
// than what was already seen (events may arrive out of order around a
// subscribe-time snapshot).
func (s *Synchronizer) deliverStatus(rs models.RealtimeStatus) {
	s.mu.Lock()
	if s.closed || rs.UpdatedAt.Before(s.lastUpdatedAt) {
		s.mu.Unlock()
		return
	}
	s.lastUpdatedAt = rs.UpdatedAt
	h := s.handlers.OnStatus
	s.mu.Unlock()

	if h != nil {
		h(rs)
	}
}

func (s *Synchronizer) deliverLogs(logs []models.LogEntry) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	h := s.handlers.OnLogs
	s.mu.Unlock()

	if h != nil {
		h(logs)
	}
}

func (s *Synchronizer) setState(st State) {
	s.mu.Lock()
	if s.closed || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	h := s.handlers.OnState
	s.mu.Unlock()

	if h != nil {
		h(st)
	}
}

// startPolling begins the interval-polling fallback. It runs until Close or
// until Connect is called again and the persistent connection recovers. A
// Connect that raced ahead of us sets running, in which case polling must
// not start at all; it would otherwise run alongside the new connection.
func (s *Synchronizer) startPolling() {
	s.mu.Lock()
	if s.closed || s.polling || s.running {
		s.mu.Unlock()
		return
	}
	s.polling = true
	stop := make(chan struct{})
	s.pollStop = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pollLoop(stop)
}

func (s *Synchronizer) pollLoop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pollOnce()
		case <-stop:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Synchronizer) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
	defer cancel()

	rs, err := s.api.FetchStatus(ctx, s.taskID)
	if err != nil {
		return
	}

	s.mu.Lock()
	changed := rs.UpdatedAt.After(s.lastUpdatedAt)
	s.mu.Unlock()
	if !changed {
		return
	}

	s.deliverStatus(*rs)
	if logs, err := s.api.FetchLogs(ctx, s.taskID); err == nil && len(logs) > 0 {
		s.deliverLogs(logs)
	}
}

func (s *Synchronizer) writeEnvelope(conn *websocket.Conn, typ string, payload any) error {
	frame, err := marshalClientEnvelope(typ, payload)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func marshalClientEnvelope(typ string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	return json.Marshal(hub.Envelope{Type: typ, Payload: raw, Timestamp: time.Now().UTC()})
}

func (s *Synchronizer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
