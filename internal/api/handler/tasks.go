package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/taskrelay/taskrelay/internal/api/response"
	"github.com/taskrelay/taskrelay/internal/dispatch"
	"github.com/taskrelay/taskrelay/internal/store"
	"github.com/taskrelay/taskrelay/internal/task"
	"github.com/taskrelay/taskrelay/pkg/models"
)

// TaskService defines the interface the task handlers depend on.
type TaskService interface {
	Dispatch(ctx context.Context, p task.DispatchParams) (*models.AgentTask, error)
	Task(ctx context.Context, id uuid.UUID) (*models.AgentTask, error)
	Status(ctx context.Context, taskID uuid.UUID) (*models.RealtimeStatus, error)
	Logs(ctx context.Context, taskID uuid.UUID) ([]models.LogEntry, error)
	Report(ctx context.Context, taskID uuid.UUID, r task.Report) (bool, error)
}

var validLogLevels = map[string]bool{
	models.LogLevelDebug: true,
	models.LogLevelInfo:  true,
	models.LogLevelWarn:  true,
	models.LogLevelError: true,
}

// NewDispatchHandler returns an http.HandlerFunc for POST /api/v1/agent-tasks.
func NewDispatchHandler(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SpecGroupID string         `json:"spec_group_id"`
			Action      string         `json:"action"`
			Context     map[string]any `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.SpecGroupID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "spec_group_id is required", nil)
			return
		}
		if req.Action == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "action is required", nil)
			return
		}

		t, err := svc.Dispatch(r.Context(), task.DispatchParams{
			SpecGroupID: req.SpecGroupID,
			Action:      req.Action,
			Context:     req.Context,
		})
		if err != nil {
			switch {
			case errors.Is(err, dispatch.ErrWebhookNotConfigured):
				response.Error(w, http.StatusUnprocessableEntity, "WEBHOOK_NOT_CONFIGURED",
					"No agent webhook destination is configured", nil)
			case errors.Is(err, dispatch.ErrWebhookTimeout):
				response.Error(w, http.StatusGatewayTimeout, "WEBHOOK_TIMEOUT",
					"The agent did not accept the job within the timeout", nil)
			case errors.Is(err, dispatch.ErrWebhookDispatch):
				response.Error(w, http.StatusBadGateway, "WEBHOOK_DISPATCH_FAILED",
					"The agent webhook rejected or failed to receive the job", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, t)
	}
}

// NewGetTaskHandler returns an http.HandlerFunc for GET /api/v1/agent-tasks/{taskID}.
func NewGetTaskHandler(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, ok := parseTaskID(w, r)
		if !ok {
			return
		}

		t, err := svc.Task(r.Context(), taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "TASK_NOT_FOUND", "Task not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, t)
	}
}

// NewGetStatusHandler returns an http.HandlerFunc for GET /api/v1/agent-tasks/{taskID}/status.
func NewGetStatusHandler(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, ok := parseTaskID(w, r)
		if !ok {
			return
		}

		rs, err := svc.Status(r.Context(), taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "TASK_NOT_FOUND", "No status for task", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, rs)
	}
}

// NewGetLogsHandler returns an http.HandlerFunc for GET /api/v1/agent-tasks/{taskID}/logs.
func NewGetLogsHandler(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, ok := parseTaskID(w, r)
		if !ok {
			return
		}

		logs, err := svc.Logs(r.Context(), taskID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, logs)
	}
}

// NewReportHandler returns an http.HandlerFunc for POST /api/v1/agent-tasks/{taskID}/status,
// the authenticated agent callback. Signature verification happens in middleware
// before this handler runs. A stale or illegal report is acknowledged as
// accepted-but-ignored so the agent's retry logic stays simple.
func NewReportHandler(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, ok := parseTaskID(w, r)
		if !ok {
			return
		}

		var req struct {
			Phase     models.Phase `json:"phase"`
			Progress  *int         `json:"progress"`
			Message   *string      `json:"message"`
			UpdatedAt time.Time    `json:"updated_at"`
			Logs      []struct {
				Timestamp time.Time      `json:"timestamp"`
				Level     string         `json:"level"`
				Message   string         `json:"message"`
				Metadata  map[string]any `json:"metadata"`
			} `json:"logs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if !req.Phase.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "phase is invalid", nil)
			return
		}

		now := time.Now().UTC()
		if req.UpdatedAt.IsZero() {
			req.UpdatedAt = now
		}

		entries := make([]models.LogEntry, 0, len(req.Logs))
		for _, l := range req.Logs {
			level := l.Level
			if level == "" {
				level = models.LogLevelInfo
			}
			if !validLogLevels[level] {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "log level is invalid", nil)
				return
			}
			ts := l.Timestamp
			if ts.IsZero() {
				ts = now
			}
			entries = append(entries, models.LogEntry{
				Timestamp: ts,
				Level:     level,
				Message:   l.Message,
				Metadata:  l.Metadata,
			})
		}

		accepted, err := svc.Report(r.Context(), taskID, task.Report{
			Phase:     req.Phase,
			Progress:  req.Progress,
			Message:   req.Message,
			UpdatedAt: req.UpdatedAt,
			Logs:      entries,
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "TASK_NOT_FOUND", "Task not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, map[string]any{"accepted": accepted})
	}
}

func parseTaskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "taskID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
