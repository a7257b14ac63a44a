// Package models contains shared data models used across the taskrelay codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TaskStatusPending    = "pending"
	TaskStatusDispatched = "dispatched"
	TaskStatusRunning    = "running"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// AgentTask is one dispatched agent job. The coarse Status tracks the dispatch
// lifecycle; fine-grained progress lives in RealtimeStatus and is updated far
// more frequently without touching this record.
type AgentTask struct {
	ID          uuid.UUID      `db:"id"            json:"id"`
	SpecGroupID string         `db:"spec_group_id" json:"spec_group_id"`
	Action      string         `db:"action"        json:"action"`
	Status      string         `db:"status"        json:"status"`
	Context     map[string]any `db:"context"       json:"context,omitempty"`
	WebhookURL  string         `db:"webhook_url"   json:"webhook_url"`
	CreatedAt   time.Time      `db:"created_at"    json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"    json:"updated_at"`
	ExpiresAt   time.Time      `db:"expires_at"    json:"expires_at"`
}
