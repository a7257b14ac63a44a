package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/taskrelay/taskrelay/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateTask(ctx context.Context, task *models.AgentTask) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.AgentTask, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status string) error

	UpsertRealtimeStatus(ctx context.Context, status *models.RealtimeStatus) error
	GetRealtimeStatus(ctx context.Context, taskID uuid.UUID) (*models.RealtimeStatus, error)

	AppendLogs(ctx context.Context, taskID uuid.UUID, entries []models.LogEntry) error
	GetLogs(ctx context.Context, taskID uuid.UUID) ([]models.LogEntry, error)

	DeleteExpiredTasks(ctx context.Context, now time.Time) (int64, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}
