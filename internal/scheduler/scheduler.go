// Package scheduler executes dependency-graph plans with bounded
// concurrency, per-task retry, pause/resume/cancel, and checkpointing.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/conductor/internal/bus"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

// State is the scheduler's coarse lifecycle.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Status is a point-in-time view of the scheduler.
type Status struct {
	State    State
	PlanID   string
	Progress model.Progress
}

type ctrlKind int

const (
	ctrlPause ctrlKind = iota
	ctrlResume
	ctrlCancel
)

type taskDone struct {
	id      string
	attempt int
	output  map[string]any
	err     error
}

// Scheduler runs one plan at a time. A single goroutine (the Execute
// caller) owns all execution state; workers only report completions over
// a channel, and Pause/Resume/Cancel only send control messages.
type Scheduler struct {
	cfg         model.SchedulerConfig
	bus         *bus.Bus
	coordinator *Coordinator
	checkpoints *CheckpointStore // nil disables checkpoint files
	logger      *logging.Logger

	ctrl chan ctrlKind

	mu      sync.Mutex
	state   State
	planID  string
	tracker *ProgressTracker
}

func New(cfg model.SchedulerConfig, b *bus.Bus, coordinator *Coordinator, checkpoints *CheckpointStore, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		bus:         b,
		coordinator: coordinator,
		checkpoints: checkpoints,
		logger:      logger,
		ctrl:        make(chan ctrlKind, 8),
		state:       StateIdle,
	}
}

// Pause stops launching new tasks; in-flight tasks drain, then the
// scheduler checkpoints and holds until Resume.
func (s *Scheduler) Pause() error { return s.control(ctrlPause) }

func (s *Scheduler) Resume() error { return s.control(ctrlResume) }

// Cancel stops the execution cooperatively: the workers' context is
// cancelled, in-flight tasks drain, remaining tasks are marked cancelled.
func (s *Scheduler) Cancel() error { return s.control(ctrlCancel) }

func (s *Scheduler) control(kind ctrlKind) error {
	s.mu.Lock()
	running := s.state != StateIdle
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	s.ctrl <- kind
	return nil
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{State: s.state, PlanID: s.planID}
	if s.tracker != nil {
		status.Progress = s.tracker.Snapshot()
	}
	return status
}

// execution is the per-plan bookkeeping owned by the Execute goroutine.
type execution struct {
	tasks             map[string]model.Task
	order             []string
	dependents        map[string][]string
	attempts          map[string]int
	results           map[string]model.TaskResult
	tracker           *ProgressTracker
	continueOnFailure bool
	inFlight          int
	paused            bool
	cancelled         bool
}

// Execute validates the plan and runs it to completion. Validation errors
// are fatal before any task is dispatched. Per-task failures are reported
// in the result map, not as an Execute error; ErrCancelled is returned
// when the run was cancelled before all tasks reached a terminal state.
func (s *Scheduler) Execute(ctx context.Context, plan model.Plan) (map[string]model.TaskResult, error) {
	order, err := ValidatePlan(plan)
	if err != nil {
		return nil, err
	}

	tracker := NewProgressTracker(plan)
	s.mu.Lock()
	if s.state != StateIdle {
		running := s.planID
		s.mu.Unlock()
		return nil, fmt.Errorf("plan %s already executing", running)
	}
	s.state = StateRunning
	s.planID = plan.ID
	s.tracker = tracker
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.planID = ""
		s.mu.Unlock()
	}()

	exec := &execution{
		tasks:             make(map[string]model.Task, len(plan.Tasks)),
		order:             order,
		dependents:        make(map[string][]string),
		attempts:          make(map[string]int, len(plan.Tasks)),
		results:           make(map[string]model.TaskResult, len(plan.Tasks)),
		tracker:           tracker,
		continueOnFailure: s.cfg.ContinueOnFailure,
	}
	for _, task := range plan.Tasks {
		exec.tasks[task.ID] = task
		for _, dep := range task.DependsOn {
			exec.dependents[dep] = append(exec.dependents[dep], task.ID)
		}
	}

	// Drop control messages left over from a previous run.
	for {
		select {
		case <-s.ctrl:
			continue
		default:
		}
		break
	}

	execCtx, execCancel := context.WithCancel(ctx)
	defer execCancel()

	sem := semaphore.NewWeighted(int64(s.cfg.MaxConcurrency))
	// Every attempt sends exactly once, so this can never block a worker.
	done := make(chan taskDone, len(plan.Tasks)*(s.cfg.MaxTaskRetries+1))

	ticker := time.NewTicker(time.Duration(s.cfg.CheckpointIntervalSec) * time.Second)
	defer ticker.Stop()

	s.publish("scheduler.plan_started", map[string]any{
		"plan_id": plan.ID, "tasks": len(plan.Tasks),
	})
	s.logger.Infof("plan_started id=%s tasks=%d concurrency=%d",
		plan.ID, len(plan.Tasks), s.cfg.MaxConcurrency)

	ctxDone := execCtx.Done()
	checkpointOnDrain := false

	for {
		if !exec.paused && !exec.cancelled {
			s.launchReady(execCtx, exec, sem, done)
		}

		if exec.inFlight == 0 {
			if exec.remaining() == 0 {
				break
			}
			if exec.cancelled {
				exec.cancelRemaining(s)
				break
			}
			if checkpointOnDrain {
				checkpointOnDrain = false
				s.checkpoint(&plan, tracker)
				s.publish("scheduler.paused", map[string]any{"plan_id": plan.ID})
			}
			if !exec.paused && !exec.anyEligible() {
				// Remaining tasks can never run; terminal cascade already
				// recorded them.
				break
			}
		}

		select {
		case res := <-done:
			exec.inFlight--
			if execCtx.Err() != nil {
				exec.cancelled = true
			}
			s.handleCompletion(exec, res)
		case kind := <-s.ctrl:
			switch kind {
			case ctrlPause:
				exec.paused = true
				checkpointOnDrain = true
				s.setState(StatePaused)
				s.logger.Infof("pause_requested plan=%s in_flight=%d", plan.ID, exec.inFlight)
			case ctrlResume:
				exec.paused = false
				checkpointOnDrain = false
				s.setState(StateRunning)
				s.publish("scheduler.resumed", map[string]any{"plan_id": plan.ID})
			case ctrlCancel:
				exec.cancelled = true
				execCancel()
				s.publish("scheduler.cancelled", map[string]any{"plan_id": plan.ID})
			}
		case <-ticker.C:
			s.checkpoint(&plan, tracker)
		case <-ctxDone:
			exec.cancelled = true
			ctxDone = nil
		}
	}

	// Final checkpoint regardless of outcome.
	s.checkpoint(&plan, tracker)

	progress := tracker.Snapshot()
	s.publish("scheduler.plan_finished", map[string]any{
		"plan_id":   plan.ID,
		"completed": progress.Completed,
		"failed":    progress.Failed,
	})
	s.logger.Infof("plan_finished id=%s completed=%d failed=%d",
		plan.ID, progress.Completed, progress.Failed)

	if exec.cancelled {
		return exec.results, ErrCancelled
	}
	return exec.results, nil
}

// launchReady starts every eligible task the semaphore admits.
func (s *Scheduler) launchReady(ctx context.Context, exec *execution, sem *semaphore.Weighted, done chan<- taskDone) {
	for _, id := range exec.order {
		if !exec.eligible(id) {
			continue
		}
		if !sem.TryAcquire(1) {
			return
		}

		exec.attempts[id]++
		exec.tracker.SetState(id, model.StatusInProgress)
		exec.inFlight++

		task := exec.tasks[id]
		attempt := exec.attempts[id]
		if attempt == 1 {
			s.publish("task.started", map[string]any{"task_id": id, "category": task.Category})
		}
		go s.runTask(ctx, task, attempt, sem, done)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task model.Task, attempt int, sem *semaphore.Weighted, done chan<- taskDone) {
	defer sem.Release(1)

	output, err := func() (out map[string]any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return s.coordinator.Handle(ctx, task)
	}()

	done <- taskDone{id: task.ID, attempt: attempt, output: output, err: err}
}

func (s *Scheduler) handleCompletion(exec *execution, res taskDone) {
	if res.err == nil {
		exec.tracker.SetState(res.id, model.StatusCompleted)
		exec.results[res.id] = model.TaskResult{
			TaskID:   res.id,
			Status:   model.StatusCompleted,
			Attempts: res.attempt,
			Output:   res.output,
		}
		s.publish("task.completed", map[string]any{"task_id": res.id, "attempts": res.attempt})
		return
	}

	// A task that errored during cancellation drained cooperatively; it is
	// cancelled, not failed, and must not cascade.
	if exec.cancelled {
		exec.tracker.SetState(res.id, model.StatusCancelled)
		exec.results[res.id] = model.TaskResult{
			TaskID:   res.id,
			Status:   model.StatusCancelled,
			Attempts: res.attempt,
			Error:    res.err.Error(),
		}
		return
	}

	if res.attempt <= s.cfg.MaxTaskRetries {
		// Re-queue for another attempt; eligibility is unchanged since its
		// dependencies already completed.
		exec.tracker.SetState(res.id, model.StatusReady)
		s.publish("task.retrying", map[string]any{
			"task_id": res.id, "attempt": res.attempt, "error": res.err.Error(),
		})
		s.logger.Warnf("task_retrying id=%s attempt=%d error=%v", res.id, res.attempt, res.err)
		return
	}

	exec.tracker.SetState(res.id, model.StatusFailed)
	exec.results[res.id] = model.TaskResult{
		TaskID:   res.id,
		Status:   model.StatusFailed,
		Attempts: res.attempt,
		Error:    res.err.Error(),
	}
	s.publish("task.failed", map[string]any{
		"task_id": res.id, "attempts": res.attempt, "error": res.err.Error(),
	})
	s.logger.Errorf("task_failed id=%s attempts=%d error=%v", res.id, res.attempt, res.err)

	if !s.cfg.ContinueOnFailure {
		exec.cascadeFailure(s, res.id)
	}
}

// eligible reports whether a task can start now: pending or re-queued,
// with every dependency in a satisfying terminal state.
func (exec *execution) eligible(id string) bool {
	status, _ := exec.tracker.State(id)
	if status != model.StatusPending && status != model.StatusReady {
		return false
	}
	// A re-queued retry already had its dependencies satisfied.
	if status == model.StatusReady {
		return true
	}
	for _, dep := range exec.tasks[id].DependsOn {
		depStatus, _ := exec.tracker.State(dep)
		switch depStatus {
		case model.StatusCompleted:
		case model.StatusFailed, model.StatusCancelled:
			// Without continueOnFailure the cascade already failed this
			// task; with it, a failed dependency counts as satisfied.
			if !exec.continueOnFailure {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (exec *execution) anyEligible() bool {
	for _, id := range exec.order {
		if exec.eligible(id) {
			return true
		}
	}
	return false
}

// remaining counts tasks not yet in a terminal state.
func (exec *execution) remaining() int {
	n := 0
	for _, id := range exec.order {
		status, _ := exec.tracker.State(id)
		if !model.IsTerminal(status) {
			n++
		}
	}
	return n
}

// cascadeFailure marks every transitive dependent of a failed task as
// failed before it ever starts.
func (exec *execution) cascadeFailure(s *Scheduler, failedID string) {
	queue := append([]string(nil), exec.dependents[failedID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		status, _ := exec.tracker.State(id)
		if model.IsTerminal(status) || status == model.StatusInProgress {
			continue
		}
		exec.tracker.SetState(id, model.StatusFailed)
		exec.results[id] = model.TaskResult{
			TaskID: id,
			Status: model.StatusFailed,
			Error:  fmt.Sprintf("dependency %s failed", failedID),
		}
		s.publish("task.failed", map[string]any{
			"task_id": id, "error": fmt.Sprintf("dependency %s failed", failedID),
		})
		queue = append(queue, exec.dependents[id]...)
	}
}

// cancelRemaining marks every non-terminal, non-running task cancelled.
func (exec *execution) cancelRemaining(s *Scheduler) {
	for _, id := range exec.order {
		status, _ := exec.tracker.State(id)
		if model.IsTerminal(status) {
			continue
		}
		exec.tracker.SetState(id, model.StatusCancelled)
		exec.results[id] = model.TaskResult{
			TaskID:   id,
			Status:   model.StatusCancelled,
			Attempts: exec.attempts[id],
			Error:    "execution cancelled",
		}
	}
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scheduler) checkpoint(plan *model.Plan, tracker *ProgressTracker) {
	if s.checkpoints == nil {
		return
	}
	progress := tracker.Snapshot()
	ckpt, err := s.checkpoints.Save(plan, &progress, nil)
	if err != nil {
		s.logger.Errorf("checkpoint_failed plan=%s error=%v", plan.ID, err)
		return
	}
	s.logger.Debugf("checkpoint_written id=%s plan=%s completed=%d/%d",
		ckpt.ID, plan.ID, progress.Completed, progress.Total)
}

func (s *Scheduler) publish(eventType string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(eventType, payload, bus.WithSource("scheduler")); err != nil {
		s.logger.Warnf("publish type=%s error=%v", eventType, err)
	}
}
