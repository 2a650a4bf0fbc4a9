// Package iteration drives build-test-fix-verify cycles with bounded
// retry and fix budgets, escalating to external handling on exhaustion.
package iteration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/conductor/internal/bus"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/scheduler"
)

// ErrUnknownIteration rejects operations against an iteration id the
// manager has never seen.
var ErrUnknownIteration = errors.New("unknown iteration")

// EscalationError reports an iteration handed off to external handling.
// It is terminal and never auto-retried.
type EscalationError struct {
	IterationID string
	Level       model.EscalationLevel
	Reason      string
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("iteration %s escalated (%s): %s", e.IterationID, e.Level, e.Reason)
}

// PhaseError reports one failed phase execution with budget remaining;
// the phase can be retried.
type PhaseError struct {
	IterationID string
	Phase       model.Phase
	Err         error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("iteration %s %s phase: %v", e.IterationID, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Options overrides the configured budgets for one iteration. Zero values
// keep the defaults.
type Options struct {
	MaxRetries     int
	MaxFixAttempts int
}

type iterationState struct {
	it             model.Iteration
	maxRetries     int
	maxFixAttempts int
}

// Manager owns iteration state. Phase work executes through the
// coordinator's category handlers (build/test/fix/verify), so fix attempts
// are themselves dispatched tasks.
type Manager struct {
	cfg         model.IterationConfig
	bus         *bus.Bus
	coordinator *scheduler.Coordinator
	logger      *logging.Logger
	blockers    *BlockerStore

	mu         sync.Mutex
	iterations map[string]*iterationState
}

func NewManager(cfg model.IterationConfig, b *bus.Bus, coordinator *scheduler.Coordinator, blockers *BlockerStore, logger *logging.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		bus:         b,
		coordinator: coordinator,
		blockers:    blockers,
		logger:      logger,
		iterations:  make(map[string]*iterationState),
	}
}

// Start creates an iteration in the build phase.
func (m *Manager) Start(planID string, opts Options) (model.Iteration, error) {
	id, err := model.GenerateID(model.IDTypeIteration)
	if err != nil {
		return model.Iteration{}, err
	}

	state := &iterationState{
		it: model.Iteration{
			ID:              id,
			PlanID:          planID,
			Phase:           model.PhaseBuild,
			Status:          model.StatusInProgress,
			EscalationLevel: model.EscalationNone,
			StartedAt:       time.Now().UTC(),
			UpdatedAt:       time.Now().UTC(),
		},
		maxRetries:     m.cfg.MaxRetries,
		maxFixAttempts: m.cfg.MaxFixAttempts,
	}
	if opts.MaxRetries > 0 {
		state.maxRetries = opts.MaxRetries
	}
	if opts.MaxFixAttempts > 0 {
		state.maxFixAttempts = opts.MaxFixAttempts
	}

	m.mu.Lock()
	m.iterations[id] = state
	m.mu.Unlock()

	m.publish("iteration.started", map[string]any{"iteration_id": id, "plan_id": planID})
	m.logger.Infof("iteration_started id=%s plan=%s", id, planID)
	return state.it, nil
}

// Get returns a copy of the iteration record.
func (m *Manager) Get(iterationID string) (model.Iteration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.iterations[iterationID]
	if !ok {
		return model.Iteration{}, fmt.Errorf("%w: %s", ErrUnknownIteration, iterationID)
	}
	return state.it, nil
}

// RunBuildPhase executes the build handler. Success advances to test;
// failure consumes one retry and, on exhaustion, escalates.
func (m *Manager) RunBuildPhase(ctx context.Context, iterationID string) error {
	state, err := m.requirePhase(iterationID, model.PhaseBuild)
	if err != nil {
		return err
	}

	m.phaseStarted(state, model.PhaseBuild)
	_, runErr := m.runCategory(ctx, state, "build")
	if runErr == nil {
		return m.advance(state, model.PhaseTest)
	}
	return m.phaseFailed(state, model.PhaseBuild, runErr)
}

// RunTestPhase executes the test handler. Success completes the
// iteration; failure records failed tests and routes to fix.
func (m *Manager) RunTestPhase(ctx context.Context, iterationID string) error {
	state, err := m.requirePhase(iterationID, model.PhaseTest)
	if err != nil {
		return err
	}

	m.phaseStarted(state, model.PhaseTest)
	out, runErr := m.runCategory(ctx, state, "test")
	if runErr == nil {
		return m.complete(state)
	}

	m.mu.Lock()
	state.it.Errors = append(state.it.Errors, runErr.Error())
	state.it.FailedTests = append(state.it.FailedTests, failedTests(out)...)
	m.mu.Unlock()
	return m.advance(state, model.PhaseFix)
}

// RunFixPhase executes one fix attempt, incrementing fixAttempts by
// exactly one. A call with the budget already spent is rejected and
// escalates instead of running.
func (m *Manager) RunFixPhase(ctx context.Context, iterationID string) error {
	state, err := m.requirePhase(iterationID, model.PhaseFix)
	if err != nil {
		return err
	}

	m.mu.Lock()
	exhausted := state.it.FixAttempts == state.maxFixAttempts
	if !exhausted {
		state.it.FixAttempts++
		state.it.UpdatedAt = time.Now().UTC()
	}
	m.mu.Unlock()

	if exhausted {
		return m.escalate(state, "fix attempts exhausted")
	}

	m.phaseStarted(state, model.PhaseFix)
	_, runErr := m.runCategory(ctx, state, "fix")
	if runErr != nil {
		// The attempt is spent; the iteration stays in fix for the next
		// attempt, or escalates on the next call once the budget is gone.
		m.mu.Lock()
		state.it.Errors = append(state.it.Errors, runErr.Error())
		m.mu.Unlock()
		m.publish("iteration.phase_failed", map[string]any{
			"iteration_id": state.it.ID, "phase": string(model.PhaseFix), "error": runErr.Error(),
		})
		return &PhaseError{IterationID: state.it.ID, Phase: model.PhaseFix, Err: runErr}
	}
	return m.advance(state, model.PhaseVerify)
}

// RunVerifyPhase re-runs the test suite after a fix. Success completes;
// failure re-enters fix while attempts remain, otherwise escalates.
func (m *Manager) RunVerifyPhase(ctx context.Context, iterationID string) error {
	state, err := m.requirePhase(iterationID, model.PhaseVerify)
	if err != nil {
		return err
	}

	m.phaseStarted(state, model.PhaseVerify)
	out, runErr := m.runCategory(ctx, state, "verify")
	if runErr == nil {
		return m.complete(state)
	}

	m.mu.Lock()
	state.it.Errors = append(state.it.Errors, runErr.Error())
	state.it.FailedTests = append(state.it.FailedTests, failedTests(out)...)
	exhausted := state.it.FixAttempts == state.maxFixAttempts
	m.mu.Unlock()

	if exhausted {
		return m.escalate(state, "verify failed with fix attempts exhausted")
	}
	return m.advance(state, model.PhaseFix)
}

// RunFullCycle drives the iteration until it reaches a terminal phase.
// Escalation is reported as an EscalationError; completion returns nil.
func (m *Manager) RunFullCycle(ctx context.Context, iterationID string) (model.Iteration, error) {
	for {
		if err := ctx.Err(); err != nil {
			return m.mustGet(iterationID), err
		}

		it, err := m.Get(iterationID)
		if err != nil {
			return model.Iteration{}, err
		}

		var phaseErr error
		switch it.Phase {
		case model.PhaseBuild:
			phaseErr = m.RunBuildPhase(ctx, iterationID)
		case model.PhaseTest:
			phaseErr = m.RunTestPhase(ctx, iterationID)
		case model.PhaseFix:
			phaseErr = m.RunFixPhase(ctx, iterationID)
		case model.PhaseVerify:
			phaseErr = m.RunVerifyPhase(ctx, iterationID)
		case model.PhaseComplete:
			return it, nil
		case model.PhaseEscalated:
			return it, &EscalationError{
				IterationID: it.ID,
				Level:       it.EscalationLevel,
				Reason:      "iteration escalated",
			}
		default:
			return it, fmt.Errorf("iteration %s in unknown phase %q", it.ID, it.Phase)
		}

		var escErr *EscalationError
		if errors.As(phaseErr, &escErr) {
			return m.mustGet(iterationID), phaseErr
		}
		// Retryable phase failures loop; the budgets bound the cycle.
	}
}

// ReportBlocker records an external impediment against the iteration's
// plan. The iteration keeps running; blockers are advisory state.
func (m *Manager) ReportBlocker(ctx context.Context, planID, description string) (model.Blocker, error) {
	blocker, err := m.blockers.Report(ctx, planID, description)
	if err != nil {
		return model.Blocker{}, err
	}
	m.publish("blocker.reported", map[string]any{
		"blocker_id": blocker.ID, "plan_id": planID, "description": description,
	})
	return blocker, nil
}

func (m *Manager) ResolveBlocker(ctx context.Context, blockerID string) error {
	if err := m.blockers.Resolve(ctx, blockerID); err != nil {
		return err
	}
	m.publish("blocker.resolved", map[string]any{"blocker_id": blockerID})
	return nil
}

func (m *Manager) requirePhase(iterationID string, phase model.Phase) (*iterationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.iterations[iterationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIteration, iterationID)
	}
	if state.it.Phase != phase {
		return nil, fmt.Errorf("iteration %s is in phase %q, not %q", iterationID, state.it.Phase, phase)
	}
	return state, nil
}

func (m *Manager) mustGet(iterationID string) model.Iteration {
	it, _ := m.Get(iterationID)
	return it
}

func (m *Manager) phaseStarted(state *iterationState, phase model.Phase) {
	m.publish("iteration.phase_started", map[string]any{
		"iteration_id": state.it.ID, "phase": string(phase),
	})
}

func (m *Manager) runCategory(ctx context.Context, state *iterationState, category string) (map[string]any, error) {
	taskID, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	task := model.Task{
		ID:       taskID,
		Category: category,
		Phase:    string(state.it.Phase),
		Payload: map[string]any{
			"iteration_id": state.it.ID,
			"plan_id":      state.it.PlanID,
			"fix_attempts": state.it.FixAttempts,
			"retry_count":  state.it.RetryCount,
		},
	}
	m.mu.Unlock()
	return m.coordinator.Handle(ctx, task)
}

// advance performs a validated phase transition.
func (m *Manager) advance(state *iterationState, to model.Phase) error {
	m.mu.Lock()
	from := state.it.Phase
	if err := model.ValidatePhaseTransition(from, to); err != nil {
		m.mu.Unlock()
		return err
	}
	state.it.Phase = to
	state.it.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.publish("iteration.phase_completed", map[string]any{
		"iteration_id": state.it.ID, "from": string(from), "to": string(to),
	})
	m.logger.Debugf("phase_transition id=%s from=%s to=%s", state.it.ID, from, to)
	return nil
}

// phaseFailed consumes one retry of the current phase; exhaustion
// escalates.
func (m *Manager) phaseFailed(state *iterationState, phase model.Phase, cause error) error {
	m.mu.Lock()
	state.it.RetryCount++
	state.it.Errors = append(state.it.Errors, cause.Error())
	state.it.UpdatedAt = time.Now().UTC()
	exhausted := state.it.RetryCount >= state.maxRetries
	m.mu.Unlock()

	m.publish("iteration.phase_failed", map[string]any{
		"iteration_id": state.it.ID, "phase": string(phase), "error": cause.Error(),
	})
	m.logger.Warnf("phase_failed id=%s phase=%s retry=%d error=%v",
		state.it.ID, phase, state.it.RetryCount, cause)

	if exhausted {
		return m.escalate(state, fmt.Sprintf("%s phase retries exhausted", phase))
	}
	return &PhaseError{IterationID: state.it.ID, Phase: phase, Err: cause}
}

func (m *Manager) complete(state *iterationState) error {
	m.mu.Lock()
	if err := model.ValidatePhaseTransition(state.it.Phase, model.PhaseComplete); err != nil {
		m.mu.Unlock()
		return err
	}
	state.it.Phase = model.PhaseComplete
	state.it.Status = model.StatusCompleted
	state.it.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.publish("iteration.completed", map[string]any{"iteration_id": state.it.ID})
	m.logger.Infof("iteration_completed id=%s", state.it.ID)
	return nil
}

// escalate classifies and terminally hands the iteration to external
// handling. The level is set once and never changes.
func (m *Manager) escalate(state *iterationState, reason string) error {
	m.mu.Lock()
	level := escalationLevel(len(state.it.Errors), state.it.RetryCount)
	state.it.Phase = model.PhaseEscalated
	state.it.Status = model.StatusFailed
	state.it.EscalationLevel = level
	state.it.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.publish("iteration.escalated", map[string]any{
		"iteration_id": state.it.ID,
		"plan_id":      state.it.PlanID,
		"level":        string(level),
		"reason":       reason,
	}, bus.WithPriority(model.PriorityHigh))
	m.logger.Errorf("iteration_escalated id=%s level=%s reason=%s", state.it.ID, level, reason)

	return &EscalationError{IterationID: state.it.ID, Level: level, Reason: reason}
}

// escalationLevel classifies an exhausted iteration at the moment of
// escalation.
func escalationLevel(errorCount, retryCount int) model.EscalationLevel {
	switch {
	case errorCount > 5:
		return model.EscalationCritical
	case retryCount < 2:
		return model.EscalationMedium
	default:
		return model.EscalationHigh
	}
}

// failedTests extracts the failed test names a test/verify handler
// reported in its output.
func failedTests(out map[string]any) []string {
	if out == nil {
		return nil
	}
	raw, ok := out["failed_tests"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var names []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return names
	}
	return nil
}

func (m *Manager) publish(eventType string, payload map[string]any, opts ...bus.PublishOption) {
	if m.bus == nil {
		return
	}
	opts = append(opts, bus.WithSource("iteration"))
	if _, err := m.bus.Publish(eventType, payload, opts...); err != nil {
		m.logger.Warnf("publish type=%s error=%v", eventType, err)
	}
}
