package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the fine-grained progress state of a dispatched task.
type Phase string

const (
	PhaseStarting   Phase = "starting"
	PhaseRunning    Phase = "running"
	PhaseCompleting Phase = "completing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseStarting, PhaseRunning, PhaseCompleting, PhaseCompleted, PhaseFailed:
		return true
	}
	return false
}

// Terminal reports whether p is an absorbing state.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// RealtimeStatus is the latest progress snapshot for a task. Each accepted
// status report overwrites the previous snapshot; only the newest is kept.
type RealtimeStatus struct {
	TaskID    uuid.UUID `db:"task_id"    json:"task_id"`
	Phase     Phase     `db:"phase"      json:"phase"`
	Progress  *int      `db:"progress"   json:"progress,omitempty"`
	Message   *string   `db:"message"    json:"message,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
