package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/model"
)

func TestCheckpointSaveAndLoad(t *testing.T) {
	cs, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)

	plan := planOf(model.Task{ID: "a"}, model.Task{ID: "b", DependsOn: []string{"a"}})
	progress := model.Progress{
		PlanID:     plan.ID,
		Total:      2,
		Completed:  1,
		InProgress: 1,
		TaskStates: map[string]model.Status{"a": model.StatusCompleted, "b": model.StatusInProgress},
		UpdatedAt:  time.Now().UTC(),
	}
	blockers := []model.Blocker{{ID: "blk_0000000001_00000001", PlanID: plan.ID, Description: "waiting on credentials"}}

	ckpt, err := cs.Save(&plan, &progress, blockers)
	require.NoError(t, err)
	assert.True(t, model.ValidateID(ckpt.ID))

	loaded, err := cs.Load(ckpt.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, loaded.Plan.ID)
	assert.Equal(t, 1, loaded.Progress.Completed)
	assert.Equal(t, model.StatusCompleted, loaded.Progress.TaskStates["a"])
	require.Len(t, loaded.Blockers, 1)
	assert.Equal(t, "waiting on credentials", loaded.Blockers[0].Description)
}

func TestCheckpointLoadLatest(t *testing.T) {
	cs, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)

	latest, err := cs.LoadLatest()
	require.NoError(t, err)
	assert.Nil(t, latest, "no checkpoints yet")

	plan := planOf(model.Task{ID: "a"})
	first, err := cs.Save(&plan, &model.Progress{PlanID: plan.ID, Total: 1}, nil)
	require.NoError(t, err)
	second, err := cs.Save(&plan, &model.Progress{PlanID: plan.ID, Total: 1, Completed: 1}, nil)
	require.NoError(t, err)

	ids, err := cs.List()
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, second.ID}, ids)

	latest, err = cs.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 1, latest.Progress.Completed)
}

func TestProgressTrackerCounts(t *testing.T) {
	plan := planOf(
		model.Task{ID: "a"},
		model.Task{ID: "b"},
		model.Task{ID: "c"},
		model.Task{ID: "d"},
	)
	tracker := NewProgressTracker(plan)

	tracker.SetState("a", model.StatusCompleted)
	tracker.SetState("b", model.StatusFailed)
	tracker.SetState("c", model.StatusInProgress)

	progress := tracker.Snapshot()
	assert.Equal(t, 4, progress.Total)
	assert.Equal(t, 1, progress.Completed)
	assert.Equal(t, 1, progress.Failed)
	assert.Equal(t, 1, progress.InProgress)
	assert.Equal(t, model.StatusPending, progress.TaskStates["d"])
	assert.InDelta(t, 25.0, progress.Percent(), 0.01)
}

func TestProgressPercentEmptyPlan(t *testing.T) {
	progress := model.Progress{}
	assert.Equal(t, float64(100), progress.Percent())
}
