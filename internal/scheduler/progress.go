package scheduler

import (
	"sync"
	"time"

	"github.com/msageha/conductor/internal/model"
)

// ProgressTracker maintains per-task state for one plan execution and
// derives the counts checkpoints record.
type ProgressTracker struct {
	mu     sync.Mutex
	planID string
	states map[string]model.Status
}

func NewProgressTracker(plan model.Plan) *ProgressTracker {
	states := make(map[string]model.Status, len(plan.Tasks))
	for _, task := range plan.Tasks {
		states[task.ID] = model.StatusPending
	}
	return &ProgressTracker{planID: plan.ID, states: states}
}

func (t *ProgressTracker) SetState(taskID string, status model.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[taskID] = status
}

func (t *ProgressTracker) State(taskID string) (model.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.states[taskID]
	return status, ok
}

// Snapshot derives counts from task states so they can never drift.
func (t *ProgressTracker) Snapshot() model.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	progress := model.Progress{
		PlanID:     t.planID,
		Total:      len(t.states),
		TaskStates: make(map[string]model.Status, len(t.states)),
		UpdatedAt:  time.Now().UTC(),
	}
	for id, status := range t.states {
		progress.TaskStates[id] = status
		switch status {
		case model.StatusCompleted:
			progress.Completed++
		case model.StatusFailed, model.StatusCancelled:
			progress.Failed++
		case model.StatusInProgress:
			progress.InProgress++
		}
	}
	return progress
}
