// Package task implements the agent-task lifecycle: dispatch, status-report
// validation, persistence, and event publication.
package task

import (
	"time"

	"github.com/taskrelay/taskrelay/pkg/models"
)

// phaseOrder positions each phase on the single forward path. Failed is not
// ordered; it is reachable from any non-terminal phase.
var phaseOrder = map[models.Phase]int{
	models.PhaseStarting:   0,
	models.PhaseRunning:    1,
	models.PhaseCompleting: 2,
	models.PhaseCompleted:  3,
}

// CanTransition reports whether moving from one phase to another is legal.
// Equal phases are allowed (idempotent re-report), forward moves along
// starting → running → completing → completed are allowed, and failed is
// reachable from any non-terminal phase.
func CanTransition(from, to models.Phase) bool {
	if !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == models.PhaseFailed {
		return true
	}
	fromOrd, ok := phaseOrder[from]
	if !ok {
		return false
	}
	toOrd, ok := phaseOrder[to]
	if !ok {
		return false
	}
	return toOrd > fromOrd
}

// Report is one status update from the external agent.
type Report struct {
	Phase     models.Phase
	Progress  *int
	Message   *string
	UpdatedAt time.Time
	Logs      []models.LogEntry
}

// Evaluate applies the acceptance rule for a report against the currently
// stored snapshot (nil when no snapshot exists yet, in which case the task is
// considered to be in its initial phase). It returns whether the report
// mutates state; a stale or illegal report is acknowledged but ignored.
func Evaluate(current *models.RealtimeStatus, r Report) bool {
	from := models.PhaseStarting
	if current != nil {
		from = current.Phase
		if r.UpdatedAt.Before(current.UpdatedAt) {
			return false
		}
		// Exact duplicate: accepted upstream, but a no-op here so a retried
		// callback produces at most one stored state and one broadcast.
		if r.Phase == current.Phase && r.UpdatedAt.Equal(current.UpdatedAt) {
			return false
		}
	}
	return CanTransition(from, r.Phase)
}

// CoarseStatus maps a fine-grained phase to the coarse AgentTask status.
func CoarseStatus(p models.Phase) string {
	switch p {
	case models.PhaseCompleted:
		return models.TaskStatusCompleted
	case models.PhaseFailed:
		return models.TaskStatusFailed
	default:
		return models.TaskStatusRunning
	}
}
