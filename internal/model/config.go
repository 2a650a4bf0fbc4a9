// Package model defines the data structures for conductor's configuration,
// bus messages, plans, and iteration state.
package model

type Config struct {
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Bus       BusConfig       `yaml:"bus"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Iteration IterationConfig `yaml:"iteration"`
	Storage   StorageConfig   `yaml:"storage"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Intake    IntakeConfig    `yaml:"intake"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type RuntimeConfig struct {
	StateDir           string `yaml:"state_dir"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type BusConfig struct {
	MaxHistory        int  `yaml:"max_history"`
	RequestTimeoutSec int  `yaml:"request_timeout_sec"`
	AuditLog          bool `yaml:"audit_log"`
}

type SchedulerConfig struct {
	MaxConcurrency        int  `yaml:"max_concurrency"`
	MaxTaskRetries        int  `yaml:"max_task_retries"`
	ContinueOnFailure     bool `yaml:"continue_on_failure"`
	CheckpointIntervalSec int  `yaml:"checkpoint_interval_sec"`
}

type IterationConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	MaxFixAttempts int `yaml:"max_fix_attempts"`
}

type StorageConfig struct {
	// Backend selects the message/KV store: "memory" or "sqlite".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"`
}

type SnapshotConfig struct {
	Enabled     bool `yaml:"enabled"`
	IntervalSec int  `yaml:"interval_sec"`
}

type IntakeConfig struct {
	Enabled         bool `yaml:"enabled"`
	ScanIntervalSec int  `yaml:"scan_interval_sec"`
}

type ControlConfig struct {
	Enabled bool `yaml:"enabled"`
	// Socket overrides the control socket path; empty means
	// <state_dir>/conductor.sock.
	Socket string `yaml:"socket,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Defaulted returns a copy of c with zero-valued knobs replaced by their
// operational defaults.
func (c Config) Defaulted() Config {
	if c.Runtime.StateDir == "" {
		c.Runtime.StateDir = ".conductor"
	}
	if c.Runtime.ShutdownTimeoutSec <= 0 {
		c.Runtime.ShutdownTimeoutSec = 30
	}
	if c.Bus.MaxHistory <= 0 {
		c.Bus.MaxHistory = 1000
	}
	if c.Bus.RequestTimeoutSec <= 0 {
		c.Bus.RequestTimeoutSec = 30
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		c.Scheduler.MaxConcurrency = 4
	}
	if c.Scheduler.MaxTaskRetries < 0 {
		c.Scheduler.MaxTaskRetries = 0
	}
	if c.Scheduler.CheckpointIntervalSec <= 0 {
		c.Scheduler.CheckpointIntervalSec = 60
	}
	if c.Iteration.MaxRetries <= 0 {
		c.Iteration.MaxRetries = 3
	}
	if c.Iteration.MaxFixAttempts <= 0 {
		c.Iteration.MaxFixAttempts = 3
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Snapshot.IntervalSec <= 0 {
		c.Snapshot.IntervalSec = 60
	}
	if c.Intake.ScanIntervalSec <= 0 {
		c.Intake.ScanIntervalSec = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return c
}
