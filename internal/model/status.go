package model

import "fmt"

// Status tracks a task through the scheduler.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Phase tracks an iteration through its build-verify cycle.
type Phase string

const (
	PhaseBuild     Phase = "build"
	PhaseTest      Phase = "test"
	PhaseFix       Phase = "fix"
	PhaseVerify    Phase = "verify"
	PhaseComplete  Phase = "complete"
	PhaseEscalated Phase = "escalated"
)

// EscalationLevel classifies an exhausted iteration.
type EscalationLevel string

const (
	EscalationNone     EscalationLevel = "none"
	EscalationLow      EscalationLevel = "low"
	EscalationMedium   EscalationLevel = "medium"
	EscalationHigh     EscalationLevel = "high"
	EscalationCritical EscalationLevel = "critical"
)

// MessageState tracks a bus message from creation to dispatch outcome.
type MessageState string

const (
	MessageCreated    MessageState = "created"
	MessageQueued     MessageState = "queued"
	MessageDispatched MessageState = "dispatched"
	MessageProcessed  MessageState = "processed"
	MessageFailed     MessageState = "failed"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

var terminalPhases = map[Phase]bool{
	PhaseComplete:  true,
	PhaseEscalated: true,
}

// Task status transitions: pending → ready → in_progress → terminal,
// with in_progress → ready for retry re-queueing.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusReady:     true,
		StatusCancelled: true,
		StatusFailed:    true, // dependency failure cascade
	},
	StatusReady: {
		StatusInProgress: true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusReady:     true, // retry re-queue
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

var validPhaseTransitions = map[Phase]map[Phase]bool{
	PhaseBuild: {
		PhaseBuild:     true, // bounded retry of the phase itself
		PhaseTest:      true,
		PhaseEscalated: true,
	},
	PhaseTest: {
		PhaseTest:      true,
		PhaseComplete:  true,
		PhaseFix:       true,
		PhaseEscalated: true,
	},
	PhaseFix: {
		PhaseVerify:    true,
		PhaseEscalated: true,
	},
	PhaseVerify: {
		PhaseComplete:  true,
		PhaseFix:       true,
		PhaseEscalated: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsPhaseTerminal(p Phase) bool {
	return terminalPhases[p]
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidatePhaseTransition(from, to Phase) error {
	if IsPhaseTerminal(from) {
		return fmt.Errorf("cannot transition from terminal phase %q", from)
	}
	allowed, ok := validPhaseTransitions[from]
	if !ok {
		return fmt.Errorf("unknown phase %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid phase transition: %q → %q", from, to)
	}
	return nil
}
