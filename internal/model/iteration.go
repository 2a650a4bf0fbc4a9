package model

import "time"

// Iteration records one build-verify cycle. Mutated only by the iteration
// manager; terminal at PhaseComplete or PhaseEscalated.
type Iteration struct {
	ID              string          `yaml:"id"`
	PlanID          string          `yaml:"plan_id"`
	Phase           Phase           `yaml:"phase"`
	Status          Status          `yaml:"status"`
	RetryCount      int             `yaml:"retry_count"`
	FixAttempts     int             `yaml:"fix_attempts"`
	EscalationLevel EscalationLevel `yaml:"escalation_level"`
	Errors          []string        `yaml:"errors,omitempty"`
	FailedTests     []string        `yaml:"failed_tests,omitempty"`
	StartedAt       time.Time       `yaml:"started_at"`
	UpdatedAt       time.Time       `yaml:"updated_at"`
}

// Blocker is an external impediment reported against a plan.
type Blocker struct {
	ID          string     `yaml:"id"`
	PlanID      string     `yaml:"plan_id"`
	Description string     `yaml:"description"`
	ReportedAt  time.Time  `yaml:"reported_at"`
	ResolvedAt  *time.Time `yaml:"resolved_at,omitempty"`
}

// Resolved reports whether the blocker has been cleared.
func (b Blocker) Resolved() bool {
	return b.ResolvedAt != nil
}
