package model

import "time"

// Progress summarizes task completion for one plan.
type Progress struct {
	PlanID     string            `yaml:"plan_id"`
	Total      int               `yaml:"total"`
	Completed  int               `yaml:"completed"`
	Failed     int               `yaml:"failed"`
	InProgress int               `yaml:"in_progress"`
	TaskStates map[string]Status `yaml:"task_states"`
	UpdatedAt  time.Time         `yaml:"updated_at"`
}

// Percent returns completion as 0–100. Plans with no tasks read as complete.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// Checkpoint is a point-in-time snapshot of plan, progress, and blocker
// state. Created periodically and on pause/shutdown; never mutated.
type Checkpoint struct {
	ID        string    `yaml:"id"`
	Timestamp time.Time `yaml:"timestamp"`
	Plan      *Plan     `yaml:"plan,omitempty"`
	Progress  *Progress `yaml:"progress,omitempty"`
	Blockers  []Blocker `yaml:"blockers,omitempty"`
}
