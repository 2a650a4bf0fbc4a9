package model

// Task is one schedulable unit in a plan. Immutable once submitted.
type Task struct {
	ID         string         `yaml:"id"`
	Category   string         `yaml:"category"`
	DependsOn  []string       `yaml:"depends_on,omitempty"`
	Priority   Priority       `yaml:"priority"`
	Complexity int            `yaml:"complexity,omitempty"`
	Phase      string         `yaml:"phase,omitempty"`
	Payload    map[string]any `yaml:"payload,omitempty"`
}

// Plan is a flat task+dependency list submitted to the scheduler.
type Plan struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type,omitempty"`
	ID            string `yaml:"id"`
	Name          string `yaml:"name,omitempty"`
	Tasks         []Task `yaml:"tasks"`
}

// TaskResult is the outcome a handler reports for one task attempt.
type TaskResult struct {
	TaskID   string         `yaml:"task_id"`
	Status   Status         `yaml:"status"`
	Attempts int            `yaml:"attempts"`
	Output   map[string]any `yaml:"output,omitempty"`
	Error    string         `yaml:"error,omitempty"`
}
