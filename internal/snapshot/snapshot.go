// Package snapshot writes and reloads on-disk recovery snapshots. Snapshots
// are a recovery aid only, never a primary data path.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	yamlutil "github.com/msageha/conductor/internal/yaml"
)

const CurrentSchemaVersion = 1

// Snapshot is one point-in-time capture of registered component state,
// keyed by the name each component registered under.
type Snapshot struct {
	SchemaVersion int            `yaml:"schema_version"`
	Name          string         `yaml:"name"`
	Timestamp     time.Time      `yaml:"timestamp"`
	Version       int            `yaml:"version"`
	State         map[string]any `yaml:"state"`
}

// StateFunc returns a component's serializable state at capture time.
type StateFunc func() (any, error)

// Writer captures snapshots of registered components into a directory.
// The latest snapshot is always at <dir>/<name>.yaml.
type Writer struct {
	mu      sync.Mutex
	dir     string
	name    string
	version int
	sources map[string]StateFunc
}

func NewWriter(dir, name string) *Writer {
	return &Writer{
		dir:     dir,
		name:    name,
		sources: make(map[string]StateFunc),
	}
}

// Register adds a named state source. Later registrations under the same
// name replace earlier ones.
func (w *Writer) Register(name string, fn StateFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sources[name] = fn
}

// Write captures all registered sources and atomically persists the result.
// A failing source fails the whole capture; partial snapshots are never
// written.
func (w *Writer) Write() (*Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	state := make(map[string]any, len(w.sources))

	names := make([]string, 0, len(w.sources))
	for name := range w.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value, err := w.sources[name]()
		if err != nil {
			return nil, fmt.Errorf("capture %s state: %w", name, err)
		}
		state[name] = value
	}

	w.version++
	snap := &Snapshot{
		SchemaVersion: CurrentSchemaVersion,
		Name:          w.name,
		Timestamp:     time.Now().UTC(),
		Version:       w.version,
		State:         state,
	}

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	path := filepath.Join(w.dir, w.name+".yaml")
	if err := yamlutil.AtomicWrite(path, snap); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}

	return snap, nil
}

// Path returns the location of the latest snapshot file.
func (w *Writer) Path() string {
	return filepath.Join(w.dir, w.name+".yaml")
}

// Load reads a snapshot file. A missing file returns (nil, nil) so callers
// can treat first-boot and recovery uniformly; corruption is surfaced.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := yamlv3.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &snap, nil
}
