package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskrelay/taskrelay/internal/cache"
	"github.com/taskrelay/taskrelay/internal/dispatch"
	"github.com/taskrelay/taskrelay/internal/store"
	"github.com/taskrelay/taskrelay/pkg/models"
)

// Publisher receives accepted status and log updates for fan-out to
// subscribed clients.
type Publisher interface {
	PublishStatus(taskID uuid.UUID, status models.RealtimeStatus)
	PublishLogs(taskID uuid.UUID, logs []models.LogEntry)
}

// NopPublisher discards all events. Used when no realtime hub is wired in.
type NopPublisher struct{}

func (NopPublisher) PublishStatus(uuid.UUID, models.RealtimeStatus) {}
func (NopPublisher) PublishLogs(uuid.UUID, []models.LogEntry)      {}

// Config holds service-level settings.
type Config struct {
	// Retention is how long a task record is kept before background expiry.
	Retention time.Duration
	// CallbackBaseURL is the externally reachable base URL of this server,
	// embedded in dispatch envelopes so the agent knows where to report.
	CallbackBaseURL string
}

// Service coordinates the task lifecycle: dispatching jobs to the agent,
// validating and persisting its status reports, and publishing updates.
type Service struct {
	store      store.Store
	dispatcher dispatch.Dispatcher
	publisher  Publisher
	cache      cache.Cache
	cfg        Config

	mu    sync.Mutex
	locks map[uuid.UUID]*taskLock
}

// taskLock serializes report processing per task id. Entries are refcounted
// so the map does not grow with the number of tasks ever seen.
type taskLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates a Service. A nil publisher falls back to NopPublisher.
func NewService(st store.Store, d dispatch.Dispatcher, pub Publisher, ca cache.Cache, cfg Config) *Service {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Service{
		store:      st,
		dispatcher: d,
		publisher:  pub,
		cache:      ca,
		cfg:        cfg,
		locks:      make(map[uuid.UUID]*taskLock),
	}
}

func (s *Service) lockTask(id uuid.UUID) *taskLock {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &taskLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

func (s *Service) unlockTask(id uuid.UUID, l *taskLock) {
	l.mu.Unlock()

	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, id)
	}
	s.mu.Unlock()
}

// DispatchParams identify what to dispatch and why.
type DispatchParams struct {
	SpecGroupID string
	Action      string
	Context     map[string]any
}

// Dispatch creates a task record, posts the signed job envelope to the agent,
// and records the send outcome. Exactly one send attempt is made; dispatch
// errors are returned for the caller to classify.
func (s *Service) Dispatch(ctx context.Context, p DispatchParams) (*models.AgentTask, error) {
	now := time.Now().UTC()
	t := &models.AgentTask{
		ID:          uuid.New(),
		SpecGroupID: p.SpecGroupID,
		Action:      p.Action,
		Status:      models.TaskStatusPending,
		Context:     p.Context,
		WebhookURL:  s.dispatcher.WebhookURL(),
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Retention),
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	env := dispatch.Envelope{
		TaskID:       t.ID,
		SpecGroupID:  t.SpecGroupID,
		Action:       t.Action,
		Context:      t.Context,
		CallbackURL:  fmt.Sprintf("%s/api/v1/agent-tasks/%s/status", s.cfg.CallbackBaseURL, t.ID),
		DispatchedAt: now,
	}
	if _, err := s.dispatcher.Dispatch(ctx, env); err != nil {
		if uerr := s.store.UpdateTaskStatus(ctx, t.ID, models.TaskStatusFailed); uerr != nil {
			slog.Error("mark task failed after dispatch error", "task_id", t.ID, "error", uerr)
		}
		return nil, err
	}

	if err := s.store.UpdateTaskStatus(ctx, t.ID, models.TaskStatusDispatched); err != nil {
		return nil, fmt.Errorf("mark task dispatched: %w", err)
	}
	t.Status = models.TaskStatusDispatched

	snap := &models.RealtimeStatus{
		TaskID:    t.ID,
		Phase:     models.PhaseStarting,
		UpdatedAt: now,
	}
	if err := s.store.UpsertRealtimeStatus(ctx, snap); err != nil {
		return nil, fmt.Errorf("init realtime status: %w", err)
	}
	s.cacheStatus(ctx, snap)
	s.publisher.PublishStatus(t.ID, *snap)

	return t, nil
}

// Report validates and applies one status report from the agent. The
// transition check and the store mutation run under a per-task lock so
// concurrent reports for the same task cannot race on a stale read.
// It returns false when the report is acknowledged but ignored (stale
// timestamp, illegal transition, or exact duplicate).
func (s *Service) Report(ctx context.Context, taskID uuid.UUID, r Report) (bool, error) {
	if !r.Phase.Valid() {
		return false, nil
	}

	l := s.lockTask(taskID)
	defer s.unlockTask(taskID, l)

	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return false, err
	}

	current, err := s.store.GetRealtimeStatus(ctx, taskID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	if !Evaluate(current, r) {
		return false, nil
	}

	snap := &models.RealtimeStatus{
		TaskID:    taskID,
		Phase:     r.Phase,
		Progress:  r.Progress,
		Message:   r.Message,
		UpdatedAt: r.UpdatedAt,
	}
	if err := s.store.UpsertRealtimeStatus(ctx, snap); err != nil {
		return false, err
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, CoarseStatus(r.Phase)); err != nil {
		return false, err
	}

	logs := r.Logs
	for i := range logs {
		logs[i].TaskID = taskID
	}
	if len(logs) > 0 {
		if err := s.store.AppendLogs(ctx, taskID, logs); err != nil {
			return false, err
		}
	}

	s.cacheStatus(ctx, snap)
	s.publisher.PublishStatus(taskID, *snap)

	if r.Phase.Terminal() && len(logs) == 0 {
		// Terminal report without inline logs: push the full log history so
		// watchers see the final output without an extra fetch.
		if all, err := s.store.GetLogs(ctx, taskID); err == nil {
			logs = all
		} else {
			slog.Warn("load logs for terminal broadcast", "task_id", taskID, "error", err)
		}
	}
	if len(logs) > 0 {
		s.publisher.PublishLogs(taskID, logs)
	}

	return true, nil
}

// Task returns the full task record.
func (s *Service) Task(ctx context.Context, id uuid.UUID) (*models.AgentTask, error) {
	return s.store.GetTask(ctx, id)
}

// Status returns the latest realtime snapshot, cache-aside through Redis.
func (s *Service) Status(ctx context.Context, taskID uuid.UUID) (*models.RealtimeStatus, error) {
	if s.cache != nil {
		if rs, ok, err := s.cache.GetStatus(ctx, taskID); err == nil && ok {
			return rs, nil
		}
	}

	rs, err := s.store.GetRealtimeStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.cacheStatus(ctx, rs)
	return rs, nil
}

// Logs returns the task's log entries in append order.
func (s *Service) Logs(ctx context.Context, taskID uuid.UUID) ([]models.LogEntry, error) {
	return s.store.GetLogs(ctx, taskID)
}

func (s *Service) cacheStatus(ctx context.Context, rs *models.RealtimeStatus) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetStatus(ctx, rs, s.cfg.Retention); err != nil {
		slog.Warn("cache realtime status", "task_id", rs.TaskID, "error", err)
	}
}

// StartReaper runs background expiry of tasks past their retention window
// until ctx is cancelled.
func (s *Service) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.store.DeleteExpiredTasks(ctx, time.Now().UTC())
				if err != nil {
					slog.Error("reap expired tasks", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("reaped expired tasks", "count", n)
				}
			}
		}
	}()
}
