package model

import "testing"

func TestConfigDefaulted(t *testing.T) {
	cfg := Config{}.Defaulted()

	if cfg.Runtime.StateDir != ".conductor" {
		t.Errorf("state dir: got %q", cfg.Runtime.StateDir)
	}
	if cfg.Bus.MaxHistory != 1000 {
		t.Errorf("max history: got %d", cfg.Bus.MaxHistory)
	}
	if cfg.Scheduler.MaxConcurrency != 4 {
		t.Errorf("max concurrency: got %d", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.Iteration.MaxFixAttempts != 3 {
		t.Errorf("max fix attempts: got %d", cfg.Iteration.MaxFixAttempts)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("backend: got %q", cfg.Storage.Backend)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level: got %q", cfg.Logging.Level)
	}
}

func TestConfigDefaultedKeepsExplicitValues(t *testing.T) {
	cfg := Config{}
	cfg.Runtime.StateDir = "/var/lib/conductor"
	cfg.Scheduler.MaxConcurrency = 16
	cfg.Storage.Backend = "sqlite"

	got := cfg.Defaulted()
	if got.Runtime.StateDir != "/var/lib/conductor" {
		t.Errorf("state dir overwritten: %q", got.Runtime.StateDir)
	}
	if got.Scheduler.MaxConcurrency != 16 {
		t.Errorf("concurrency overwritten: %d", got.Scheduler.MaxConcurrency)
	}
	if got.Storage.Backend != "sqlite" {
		t.Errorf("backend overwritten: %q", got.Storage.Backend)
	}
}
