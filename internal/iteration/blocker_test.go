package iteration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/store"
)

func TestBlockerReportAndResolve(t *testing.T) {
	bs := NewBlockerStore(store.NewMemory())
	ctx := context.Background()

	blocker, err := bs.Report(ctx, "plan-1", "waiting on API credentials")
	require.NoError(t, err)
	assert.True(t, model.ValidateID(blocker.ID))
	assert.False(t, blocker.Resolved())

	// Survives a fresh read from the store.
	loaded, err := bs.Get(ctx, blocker.ID)
	require.NoError(t, err)
	assert.Equal(t, "waiting on API credentials", loaded.Description)
	assert.Equal(t, "plan-1", loaded.PlanID)

	require.NoError(t, bs.Resolve(ctx, blocker.ID))
	loaded, err = bs.Get(ctx, blocker.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Resolved())
	assert.WithinDuration(t, time.Now().UTC(), *loaded.ResolvedAt, 5*time.Second)

	// Resolving twice keeps the original resolution time.
	first := *loaded.ResolvedAt
	require.NoError(t, bs.Resolve(ctx, blocker.ID))
	loaded, err = bs.Get(ctx, blocker.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *loaded.ResolvedAt)
}

func TestBlockerResolveUnknown(t *testing.T) {
	bs := NewBlockerStore(store.NewMemory())
	err := bs.Resolve(context.Background(), "blk_0000000000_00000000")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBlockersForPlan(t *testing.T) {
	bs := NewBlockerStore(store.NewMemory())
	ctx := context.Background()

	first, err := bs.Report(ctx, "plan-1", "first")
	require.NoError(t, err)
	_, err = bs.Report(ctx, "plan-2", "other plan")
	require.NoError(t, err)
	second, err := bs.Report(ctx, "plan-1", "second")
	require.NoError(t, err)
	require.NoError(t, bs.Resolve(ctx, first.ID))

	all, err := bs.ForPlan(ctx, "plan-1", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)

	unresolved, err := bs.ForPlan(ctx, "plan-1", true)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, second.ID, unresolved[0].ID)
}

func TestManagerBlockerRoundTrip(t *testing.T) {
	m, _ := newTestManager(cfg())
	ctx := context.Background()

	blocker, err := m.ReportBlocker(ctx, "plan-1", "environment down")
	require.NoError(t, err)
	require.NoError(t, m.ResolveBlocker(ctx, blocker.ID))
}
