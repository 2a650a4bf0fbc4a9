// Package runtime assembles the coordination core from configuration.
// One Runtime owns every component; nothing is a singleton, so tests and
// embedders construct fresh instances.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/msageha/conductor/internal/bus"
	"github.com/msageha/conductor/internal/control"
	"github.com/msageha/conductor/internal/iteration"
	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/scheduler"
	"github.com/msageha/conductor/internal/snapshot"
	"github.com/msageha/conductor/internal/store"
	"github.com/msageha/conductor/internal/store/sqlite"
)

// ErrBusy rejects a plan submission while another plan is executing.
var ErrBusy = errors.New("a plan is already executing")

const lockFileName = "runtime.lock"

// Runtime wires the bus, store, scheduler, coordinator, iteration manager,
// snapshot writer, and plan intake per the configuration. Components that
// the configuration disables are never constructed.
type Runtime struct {
	cfg    model.Config
	logger *logging.Logger

	fileLock    *lock.FileLock
	store       store.Store
	bus         *bus.Bus
	audit       *bus.AuditLog
	snapshots   *snapshot.Writer
	checkpoints *scheduler.CheckpointStore
	coordinator *scheduler.Coordinator
	scheduler   *scheduler.Scheduler
	blockers    *iteration.BlockerStore
	iterations  *iteration.Manager
	intake      *Intake
	control     *control.Server

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
	shutdown  sync.Once
}

// New builds an unstarted runtime. Call Start to acquire the state
// directory and bring components up.
func New(cfg model.Config, logSink io.Writer) *Runtime {
	cfg = cfg.Defaulted()
	return &Runtime{
		cfg:    cfg,
		logger: logging.New(logSink, "runtime", logging.ParseLevel(cfg.Logging.Level)),
	}
}

// Start acquires the state directory lock, opens storage, replays
// unprocessed messages, and starts the background loops.
func (r *Runtime) Start(ctx context.Context) error {
	stateDir := r.cfg.Runtime.StateDir
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	r.fileLock = lock.NewFileLock(filepath.Join(stateDir, lockFileName))
	if err := r.fileLock.TryLock(); err != nil {
		return fmt.Errorf("state dir %s: %w", stateDir, err)
	}

	st, err := r.openStore(stateDir)
	if err != nil {
		r.releaseLock()
		return err
	}
	r.store = st

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.startedAt = time.Now().UTC()

	r.bus = bus.New(r.cfg.Bus, r.store, r.logger.Named("bus"))
	if r.cfg.Bus.AuditLog {
		audit, err := bus.NewAuditLog(filepath.Join(stateDir, "logs", "audit.jsonl"), 0)
		if err != nil {
			r.teardown()
			return fmt.Errorf("open audit log: %w", err)
		}
		r.audit = audit
		r.bus.Tap(func(msg model.Message) {
			if err := audit.Record(msg); err != nil {
				r.logger.Warnf("audit_record error=%v", err)
			}
		})
	}

	recovered, err := r.bus.Recover(r.ctx)
	if err != nil {
		r.teardown()
		return fmt.Errorf("bus recovery: %w", err)
	}
	if recovered > 0 {
		r.logger.Infof("replayed_messages count=%d", recovered)
	}

	r.checkpoints, err = scheduler.NewCheckpointStore(filepath.Join(stateDir, "checkpoints"))
	if err != nil {
		r.teardown()
		return err
	}

	r.coordinator = scheduler.NewCoordinator(r.bus, r.store, r.logger.Named("coordinator"))
	r.scheduler = scheduler.New(r.cfg.Scheduler, r.bus, r.coordinator, r.checkpoints, r.logger.Named("scheduler"))
	r.blockers = iteration.NewBlockerStore(r.store)
	r.iterations = iteration.NewManager(r.cfg.Iteration, r.bus, r.coordinator, r.blockers, r.logger.Named("iteration"))

	if r.cfg.Snapshot.Enabled {
		r.snapshots = snapshot.NewWriter(filepath.Join(stateDir, "snapshots"), "runtime")
		r.registerSnapshotSources()
		r.wg.Add(1)
		go r.snapshotLoop()
	}

	if r.cfg.Intake.Enabled {
		r.intake = NewIntake(r.cfg.Intake, stateDir, r.SubmitPlan, r.logger.Named("intake"))
		if err := r.intake.Start(r.ctx, &r.wg); err != nil {
			r.teardown()
			return fmt.Errorf("start plan intake: %w", err)
		}
	}

	if r.cfg.Control.Enabled {
		r.control = control.NewServer(r.ControlSocketPath(), r.logger.Named("control"))
		r.registerControlOps()
		if err := r.control.Start(); err != nil {
			r.teardown()
			return fmt.Errorf("start control socket: %w", err)
		}
	}

	r.logger.Infof("runtime_ready state_dir=%s storage=%s pid=%d",
		stateDir, r.cfg.Storage.Backend, os.Getpid())
	return nil
}

func (r *Runtime) openStore(stateDir string) (store.Store, error) {
	switch r.cfg.Storage.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		path := r.cfg.Storage.Path
		if path == "" {
			path = filepath.Join(stateDir, "conductor.db")
		}
		st, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", r.cfg.Storage.Backend)
	}
}

func (r *Runtime) registerSnapshotSources() {
	r.snapshots.Register("bus", func() (any, error) {
		stats := r.bus.Stats()
		return map[string]any{
			"published":         stats.Published,
			"processed":         stats.Processed,
			"requests":          stats.Requests,
			"subscriber_errors": stats.SubscriberErrors,
			"pending_requests":  stats.PendingRequests,
		}, nil
	})
	r.snapshots.Register("scheduler", func() (any, error) {
		status := r.scheduler.Status()
		return map[string]any{
			"state":    string(status.State),
			"plan_id":  status.PlanID,
			"progress": status.Progress,
		}, nil
	})
	r.snapshots.Register("runtime", func() (any, error) {
		return map[string]any{
			"started_at": r.startedAt.Format(time.RFC3339),
			"pid":        os.Getpid(),
		}, nil
	})
}

// ControlSocketPath resolves the Unix socket location for operator
// commands: the configured override, or <state_dir>/conductor.sock.
func (r *Runtime) ControlSocketPath() string {
	if r.cfg.Control.Socket != "" {
		return r.cfg.Control.Socket
	}
	return filepath.Join(r.cfg.Runtime.StateDir, control.DefaultSocketName)
}

func (r *Runtime) registerControlOps() {
	r.control.Handle(control.OpPing, func(_ *control.Request) *control.Response {
		return control.SuccessResponse(map[string]any{
			"status":     "ok",
			"pid":        os.Getpid(),
			"started_at": r.startedAt.Format(time.RFC3339),
		})
	})

	r.control.Handle(control.OpStatus, func(_ *control.Request) *control.Response {
		status := r.scheduler.Status()
		stats := r.bus.Stats()
		return control.SuccessResponse(map[string]any{
			"scheduler": map[string]any{
				"state":    string(status.State),
				"plan_id":  status.PlanID,
				"progress": status.Progress,
			},
			"bus": map[string]any{
				"published": stats.Published,
				"processed": stats.Processed,
				"requests":  stats.Requests,
			},
		})
	})

	schedulerOp := func(name string, fn func() error) control.HandlerFunc {
		return func(_ *control.Request) *control.Response {
			if err := fn(); err != nil {
				if errors.Is(err, scheduler.ErrNotRunning) {
					return control.ErrorResponse(control.ErrCodeNotRunning, "no plan is executing")
				}
				return control.ErrorResponse(control.ErrCodeInternal, name+": "+err.Error())
			}
			return control.SuccessResponse(nil)
		}
	}
	r.control.Handle(control.OpPause, schedulerOp("pause", func() error { return r.scheduler.Pause() }))
	r.control.Handle(control.OpResume, schedulerOp("resume", func() error { return r.scheduler.Resume() }))
	r.control.Handle(control.OpCancel, schedulerOp("cancel", func() error { return r.scheduler.Cancel() }))

	r.control.Handle(control.OpScan, func(_ *control.Request) *control.Response {
		if r.intake == nil {
			return control.ErrorResponse(control.ErrCodeUnavailable, "plan intake is disabled")
		}
		r.intake.Scan()
		return control.SuccessResponse(nil)
	})

	r.control.Handle(control.OpShutdown, func(_ *control.Request) *control.Response {
		// Respond before shutting down so the client gets an answer.
		go r.Shutdown()
		return control.SuccessResponse(nil)
	})
}

func (r *Runtime) snapshotLoop() {
	defer r.wg.Done()

	interval := time.Duration(r.cfg.Snapshot.IntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.snapshots.Write(); err != nil {
				r.logger.Errorf("snapshot_write error=%v", err)
			}
		}
	}
}

// SubmitPlan validates and executes a plan. Only one plan runs at a time;
// a submission during execution returns ErrBusy so intake can retry the
// file on a later scan.
func (r *Runtime) SubmitPlan(ctx context.Context, plan model.Plan) error {
	if r.scheduler.Status().State != scheduler.StateIdle {
		return ErrBusy
	}
	results, err := r.scheduler.Execute(ctx, plan)
	if err != nil {
		return err
	}

	failed := 0
	for _, result := range results {
		if result.Status == model.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("plan %s finished with %d failed task(s)", plan.ID, failed)
	}
	return nil
}

// Bus exposes the event bus to embedders and downstream agents.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

func (r *Runtime) Scheduler() *scheduler.Scheduler { return r.scheduler }

func (r *Runtime) Coordinator() *scheduler.Coordinator { return r.coordinator }

func (r *Runtime) Iterations() *iteration.Manager { return r.iterations }

func (r *Runtime) Store() store.Store { return r.store }

func (r *Runtime) Checkpoints() *scheduler.CheckpointStore { return r.checkpoints }

// SnapshotPath returns the latest snapshot file location, or empty when
// snapshots are disabled.
func (r *Runtime) SnapshotPath() string {
	if r.snapshots == nil {
		return ""
	}
	return r.snapshots.Path()
}

// Shutdown stops the runtime: new dispatch halts, in-flight work drains
// within the configured timeout, a final snapshot is taken, and the state
// directory lock is released. Idempotent.
func (r *Runtime) Shutdown() {
	r.shutdown.Do(func() {
		r.logger.Infof("shutdown_started")

		if r.scheduler != nil && r.scheduler.Status().State != scheduler.StateIdle {
			if err := r.scheduler.Cancel(); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
				r.logger.Warnf("scheduler_cancel error=%v", err)
			}
		}
		r.cancel()

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		timeout := time.Duration(r.cfg.Runtime.ShutdownTimeoutSec) * time.Second
		select {
		case <-done:
		case <-time.After(timeout):
			r.logger.Warnf("shutdown_drain_timeout after=%s", timeout)
		}

		if r.snapshots != nil {
			if _, err := r.snapshots.Write(); err != nil {
				r.logger.Errorf("final_snapshot error=%v", err)
			}
		}

		r.teardown()
		r.logger.Infof("shutdown_complete")
	})
}

// teardown closes components in reverse construction order. Safe to call
// with a partially constructed runtime.
func (r *Runtime) teardown() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.control != nil {
		if err := r.control.Stop(); err != nil {
			r.logger.Warnf("control_stop error=%v", err)
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.audit != nil {
		if err := r.audit.Close(); err != nil {
			r.logger.Warnf("audit_close error=%v", err)
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warnf("store_close error=%v", err)
		}
	}
	r.releaseLock()
}

func (r *Runtime) releaseLock() {
	if r.fileLock == nil {
		return
	}
	if err := r.fileLock.Unlock(); err != nil {
		r.logger.Warnf("lock_release error=%v", err)
	}
}
