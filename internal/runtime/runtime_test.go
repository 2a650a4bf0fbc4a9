package runtime

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/bus"
	"github.com/msageha/conductor/internal/control"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/scheduler"
	"github.com/msageha/conductor/internal/snapshot"
)

func testConfig(stateDir string) model.Config {
	cfg := model.Config{}
	cfg.Runtime.StateDir = stateDir
	cfg.Runtime.ShutdownTimeoutSec = 5
	cfg.Storage.Backend = "memory"
	cfg.Logging.Level = "error"
	return cfg
}

func startRuntime(t *testing.T, cfg model.Config) *Runtime {
	t.Helper()
	r := New(cfg, io.Discard)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Shutdown)
	return r
}

func TestRuntimeStartShutdown(t *testing.T) {
	r := startRuntime(t, testConfig(t.TempDir()))
	require.NotNil(t, r.Bus())
	require.NotNil(t, r.Scheduler())
	require.NotNil(t, r.Iterations())

	r.Shutdown()
	r.Shutdown() // idempotent
}

func TestRuntimeStateDirExclusive(t *testing.T) {
	stateDir := t.TempDir()
	startRuntime(t, testConfig(stateDir))

	second := New(testConfig(stateDir), io.Discard)
	err := second.Start(context.Background())
	require.Error(t, err, "two runtimes must not share a state dir")
}

func TestSubmitPlanExecutes(t *testing.T) {
	r := startRuntime(t, testConfig(t.TempDir()))

	var built []string
	r.Coordinator().RegisterHandler("build", func(_ context.Context, task model.Task) (map[string]any, error) {
		built = append(built, task.ID)
		return nil, nil
	})

	plan := model.Plan{
		ID: "plan_0000000001_00000001",
		Tasks: []model.Task{
			{ID: "a", Category: "build"},
			{ID: "b", Category: "build", DependsOn: []string{"a"}},
		},
	}
	require.NoError(t, r.SubmitPlan(context.Background(), plan))
	assert.Equal(t, []string{"a", "b"}, built)

	// The final checkpoint reflects the completed run.
	latest, err := r.Checkpoints().LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Progress.Completed)
}

func TestSubmitPlanValidationError(t *testing.T) {
	r := startRuntime(t, testConfig(t.TempDir()))

	plan := model.Plan{
		ID: "plan_0000000001_00000002",
		Tasks: []model.Task{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	err := r.SubmitPlan(context.Background(), plan)
	var cycleErr *scheduler.CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestRuntimeFinalSnapshotOnShutdown(t *testing.T) {
	stateDir := t.TempDir()
	cfg := testConfig(stateDir)
	cfg.Snapshot.Enabled = true
	cfg.Snapshot.IntervalSec = 3600

	r := startRuntime(t, cfg)
	path := r.SnapshotPath()
	require.NotEmpty(t, path)
	r.Shutdown()

	snap, err := snapshot.Load(path)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Contains(t, snap.State, "bus")
	assert.Contains(t, snap.State, "scheduler")
	assert.Contains(t, snap.State, "runtime")
}

func TestRuntimeSqliteRecovery(t *testing.T) {
	stateDir := t.TempDir()
	cfg := testConfig(stateDir)
	cfg.Storage.Backend = "sqlite"

	// First run persists a message that is never dispatched.
	first := New(cfg, io.Discard)
	require.NoError(t, first.Start(context.Background()))
	first.Bus().Pause()
	// Paused bus: the message persists but is never dispatched.
	_, err := first.Bus().Publish("task.queued", map[string]any{"n": "1"}, bus.WithPersist())
	require.NoError(t, err)
	first.Shutdown()

	// Second run replays it during Start; dispatch records it in history.
	second := New(cfg, io.Discard)
	require.NoError(t, second.Start(context.Background()))
	t.Cleanup(second.Shutdown)

	deadline := time.Now().Add(5 * time.Second)
	for {
		replayed := second.Bus().History(bus.HistoryFilter{Type: "task.queued"})
		if len(replayed) == 1 {
			assert.Equal(t, "1", replayed[0].Payload["n"])
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("persisted message never replayed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A further recovery pass finds nothing: the message is processed.
	count, err := second.Bus().Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	// The sqlite file lives in the state dir.
	_, err = os.Stat(filepath.Join(stateDir, "conductor.db"))
	require.NoError(t, err)
}

func TestRuntimeControlSocket(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Control.Enabled = true
	// Keep the socket path under the Unix socket length limit.
	sockDir, err := os.MkdirTemp("/tmp", "conductor-rt-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })
	cfg.Control.Socket = filepath.Join(sockDir, "c.sock")

	r := startRuntime(t, cfg)
	client := control.NewClient(r.ControlSocketPath())
	client.SetTimeout(5 * time.Second)

	resp, err := client.SendOp(control.OpPing, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	resp, err = client.SendOp(control.OpStatus, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Contains(t, string(resp.Data), `"state":"idle"`)

	// Pausing with nothing running reports NOT_RUNNING, not success.
	resp, err = client.SendOp(control.OpPause, nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, control.ErrCodeNotRunning, resp.Error.Code)

	// Scan is refused while intake is disabled.
	resp, err = client.SendOp(control.OpScan, nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, control.ErrCodeUnavailable, resp.Error.Code)

	// Shutdown removes the socket.
	resp, err = client.SendOp(control.OpShutdown, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(r.ControlSocketPath()); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("control socket never removed after shutdown")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRuntimeUnknownBackend(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Storage.Backend = "etcd"

	r := New(cfg, io.Discard)
	err := r.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage backend")
}

func TestRuntimeIntakeEndToEnd(t *testing.T) {
	stateDir := t.TempDir()
	cfg := testConfig(stateDir)
	cfg.Intake.Enabled = true
	cfg.Intake.ScanIntervalSec = 1

	r := startRuntime(t, cfg)

	ran := make(chan string, 2)
	r.Coordinator().RegisterHandler("build", func(_ context.Context, task model.Task) (map[string]any, error) {
		ran <- task.ID
		return nil, nil
	})

	planYAML := "id: plan_0000000001_00000003\ntasks:\n  - id: only\n    category: build\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(stateDir, plansDirName, "e2e.yaml"), []byte(planYAML), 0o644))

	select {
	case id := <-ran:
		assert.Equal(t, "only", id)
	case <-time.After(10 * time.Second):
		t.Fatal("plan file never executed")
	}
}
