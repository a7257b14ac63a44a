package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskrelay/taskrelay/internal/api/handler"
	"github.com/taskrelay/taskrelay/internal/dispatch"
	"github.com/taskrelay/taskrelay/internal/store"
	"github.com/taskrelay/taskrelay/internal/task"
	"github.com/taskrelay/taskrelay/pkg/models"
)

// --- mock task service ---

type mockTaskService struct {
	dispatchFn func(ctx context.Context, p task.DispatchParams) (*models.AgentTask, error)
	taskFn     func(ctx context.Context, id uuid.UUID) (*models.AgentTask, error)
	statusFn   func(ctx context.Context, taskID uuid.UUID) (*models.RealtimeStatus, error)
	logsFn     func(ctx context.Context, taskID uuid.UUID) ([]models.LogEntry, error)
	reportFn   func(ctx context.Context, taskID uuid.UUID, r task.Report) (bool, error)
}

func (m *mockTaskService) Dispatch(ctx context.Context, p task.DispatchParams) (*models.AgentTask, error) {
	return m.dispatchFn(ctx, p)
}
func (m *mockTaskService) Task(ctx context.Context, id uuid.UUID) (*models.AgentTask, error) {
	return m.taskFn(ctx, id)
}
func (m *mockTaskService) Status(ctx context.Context, taskID uuid.UUID) (*models.RealtimeStatus, error) {
	return m.statusFn(ctx, taskID)
}
func (m *mockTaskService) Logs(ctx context.Context, taskID uuid.UUID) ([]models.LogEntry, error) {
	return m.logsFn(ctx, taskID)
}
func (m *mockTaskService) Report(ctx context.Context, taskID uuid.UUID, r task.Report) (bool, error) {
	return m.reportFn(ctx, taskID, r)
}

func newTaskRouter(svc handler.TaskService) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/agent-tasks", handler.NewDispatchHandler(svc))
	r.Get("/api/v1/agent-tasks/{taskID}", handler.NewGetTaskHandler(svc))
	r.Get("/api/v1/agent-tasks/{taskID}/status", handler.NewGetStatusHandler(svc))
	r.Get("/api/v1/agent-tasks/{taskID}/logs", handler.NewGetLogsHandler(svc))
	r.Post("/api/v1/agent-tasks/{taskID}/status", handler.NewReportHandler(svc))
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

// --- dispatch handler ---

func TestDispatchHandler_Success(t *testing.T) {
	taskID := uuid.New()
	svc := &mockTaskService{
		dispatchFn: func(_ context.Context, p task.DispatchParams) (*models.AgentTask, error) {
			assert.Equal(t, "grp-1", p.SpecGroupID)
			assert.Equal(t, "generate", p.Action)
			return &models.AgentTask{ID: taskID, SpecGroupID: p.SpecGroupID, Action: p.Action, Status: models.TaskStatusDispatched}, nil
		},
	}

	rec := doJSON(t, newTaskRouter(svc), http.MethodPost, "/api/v1/agent-tasks", map[string]any{
		"spec_group_id": "grp-1",
		"action":        "generate",
		"context":       map[string]any{"branch": "main"},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)

	var env struct {
		Data models.AgentTask `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, taskID, env.Data.ID)
	assert.Equal(t, models.TaskStatusDispatched, env.Data.Status)
}

func TestDispatchHandler_Validation(t *testing.T) {
	svc := &mockTaskService{
		dispatchFn: func(context.Context, task.DispatchParams) (*models.AgentTask, error) {
			t.Fatal("dispatch must not be called")
			return nil, nil
		},
	}
	router := newTaskRouter(svc)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing spec_group_id", map[string]any{"action": "generate"}},
		{"missing action", map[string]any{"spec_group_id": "grp-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/v1/agent-tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))
		})
	}
}

func TestDispatchHandler_InvalidJSON(t *testing.T) {
	svc := &mockTaskService{}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent-tasks", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	newTaskRouter(svc).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatchHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not configured", dispatch.ErrWebhookNotConfigured, http.StatusUnprocessableEntity, "WEBHOOK_NOT_CONFIGURED"},
		{"timeout", dispatch.ErrWebhookTimeout, http.StatusGatewayTimeout, "WEBHOOK_TIMEOUT"},
		{"dispatch failed", dispatch.ErrWebhookDispatch, http.StatusBadGateway, "WEBHOOK_DISPATCH_FAILED"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockTaskService{
				dispatchFn: func(context.Context, task.DispatchParams) (*models.AgentTask, error) {
					return nil, tt.err
				},
			}
			rec := doJSON(t, newTaskRouter(svc), http.MethodPost, "/api/v1/agent-tasks", map[string]any{
				"spec_group_id": "grp-1",
				"action":        "generate",
			})
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, rec))
		})
	}
}

// --- read handlers ---

func TestGetTaskHandler(t *testing.T) {
	taskID := uuid.New()
	svc := &mockTaskService{
		taskFn: func(_ context.Context, id uuid.UUID) (*models.AgentTask, error) {
			if id == taskID {
				return &models.AgentTask{ID: id, Status: models.TaskStatusRunning}, nil
			}
			return nil, store.ErrNotFound
		},
	}
	router := newTaskRouter(svc)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/agent-tasks/"+taskID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/agent-tasks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TASK_NOT_FOUND", errorCode(t, rec))

	rec = doJSON(t, router, http.MethodGet, "/api/v1/agent-tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStatusHandler(t *testing.T) {
	taskID := uuid.New()
	progress := 75
	svc := &mockTaskService{
		statusFn: func(_ context.Context, id uuid.UUID) (*models.RealtimeStatus, error) {
			if id == taskID {
				return &models.RealtimeStatus{TaskID: id, Phase: models.PhaseRunning, Progress: &progress, UpdatedAt: time.Now().UTC()}, nil
			}
			return nil, store.ErrNotFound
		},
	}
	router := newTaskRouter(svc)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/agent-tasks/"+taskID.String()+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data models.RealtimeStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, models.PhaseRunning, env.Data.Phase)
	require.NotNil(t, env.Data.Progress)
	assert.Equal(t, 75, *env.Data.Progress)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/agent-tasks/"+uuid.NewString()+"/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetLogsHandler(t *testing.T) {
	taskID := uuid.New()
	svc := &mockTaskService{
		logsFn: func(_ context.Context, id uuid.UUID) ([]models.LogEntry, error) {
			return []models.LogEntry{
				{TaskID: id, Timestamp: time.Now().UTC(), Level: models.LogLevelInfo, Message: "one"},
				{TaskID: id, Timestamp: time.Now().UTC(), Level: models.LogLevelError, Message: "two"},
			}, nil
		},
	}

	rec := doJSON(t, newTaskRouter(svc), http.MethodGet, "/api/v1/agent-tasks/"+taskID.String()+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data []models.LogEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Data, 2)
	assert.Equal(t, "one", env.Data[0].Message)
}

// --- report handler ---

func TestReportHandler_Accepted(t *testing.T) {
	taskID := uuid.New()
	var got task.Report
	svc := &mockTaskService{
		reportFn: func(_ context.Context, id uuid.UUID, r task.Report) (bool, error) {
			assert.Equal(t, taskID, id)
			got = r
			return true, nil
		},
	}

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rec := doJSON(t, newTaskRouter(svc), http.MethodPost, "/api/v1/agent-tasks/"+taskID.String()+"/status", map[string]any{
		"phase":      "running",
		"progress":   40,
		"message":    "building",
		"updated_at": ts.Format(time.RFC3339),
		"logs": []map[string]any{
			{"level": "info", "message": "compiling", "timestamp": ts.Format(time.RFC3339)},
		},
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data map[string]bool `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Data["accepted"])

	assert.Equal(t, models.PhaseRunning, got.Phase)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 40, *got.Progress)
	require.Len(t, got.Logs, 1)
	assert.Equal(t, "compiling", got.Logs[0].Message)
}

func TestReportHandler_IgnoredReportStillAcknowledged(t *testing.T) {
	svc := &mockTaskService{
		reportFn: func(context.Context, uuid.UUID, task.Report) (bool, error) {
			return false, nil
		},
	}

	rec := doJSON(t, newTaskRouter(svc), http.MethodPost, "/api/v1/agent-tasks/"+uuid.NewString()+"/status", map[string]any{
		"phase": "starting",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data map[string]bool `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Data["accepted"])
}

func TestReportHandler_InvalidPhase(t *testing.T) {
	svc := &mockTaskService{
		reportFn: func(context.Context, uuid.UUID, task.Report) (bool, error) {
			t.Fatal("report must not be called")
			return false, nil
		},
	}

	rec := doJSON(t, newTaskRouter(svc), http.MethodPost, "/api/v1/agent-tasks/"+uuid.NewString()+"/status", map[string]any{
		"phase": "paused",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))
}

func TestReportHandler_InvalidLogLevel(t *testing.T) {
	svc := &mockTaskService{}

	rec := doJSON(t, newTaskRouter(svc), http.MethodPost, "/api/v1/agent-tasks/"+uuid.NewString()+"/status", map[string]any{
		"phase": "running",
		"logs":  []map[string]any{{"level": "critical", "message": "boom"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportHandler_DefaultsApplied(t *testing.T) {
	var got task.Report
	svc := &mockTaskService{
		reportFn: func(_ context.Context, _ uuid.UUID, r task.Report) (bool, error) {
			got = r
			return true, nil
		},
	}

	// No updated_at, no log level or timestamp.
	rec := doJSON(t, newTaskRouter(svc), http.MethodPost, "/api/v1/agent-tasks/"+uuid.NewString()+"/status", map[string]any{
		"phase": "running",
		"logs":  []map[string]any{{"message": "no level"}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, got.UpdatedAt.IsZero())
	require.Len(t, got.Logs, 1)
	assert.Equal(t, models.LogLevelInfo, got.Logs[0].Level)
	assert.False(t, got.Logs[0].Timestamp.IsZero())
}

func TestReportHandler_UnknownTask(t *testing.T) {
	svc := &mockTaskService{
		reportFn: func(context.Context, uuid.UUID, task.Report) (bool, error) {
			return false, store.ErrNotFound
		},
	}

	rec := doJSON(t, newTaskRouter(svc), http.MethodPost, "/api/v1/agent-tasks/"+uuid.NewString()+"/status", map[string]any{
		"phase": "running",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TASK_NOT_FOUND", errorCode(t, rec))
}
