package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/yaml"
)

// CheckpointStore writes immutable checkpoint files to a directory, one
// YAML file per checkpoint, named by checkpoint id.
type CheckpointStore struct {
	dir string
}

func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &CheckpointStore{dir: dir}, nil
}

// Save creates a new checkpoint file and returns the checkpoint.
func (s *CheckpointStore) Save(plan *model.Plan, progress *model.Progress, blockers []model.Blocker) (model.Checkpoint, error) {
	id, err := model.GenerateID(model.IDTypeCheckpoint)
	if err != nil {
		return model.Checkpoint{}, err
	}

	ckpt := model.Checkpoint{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Plan:      plan,
		Progress:  progress,
		Blockers:  blockers,
	}
	path := filepath.Join(s.dir, id+".yaml")
	if err := yaml.AtomicWrite(path, ckpt); err != nil {
		return model.Checkpoint{}, fmt.Errorf("write checkpoint %s: %w", id, err)
	}
	return ckpt, nil
}

// List returns checkpoint ids oldest first.
func (s *CheckpointStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}

	type ckptFile struct {
		id      string
		modTime time.Time
	}
	var files []ckptFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		id := strings.TrimSuffix(name, ".yaml")
		if !model.ValidateID(id) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, ckptFile{id: id, modTime: info.ModTime()})
	}
	// The id timestamp only has second resolution; file mtime orders
	// same-second checkpoints correctly.
	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].id < files[j].id
	})

	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.id)
	}
	return ids, nil
}

// LoadLatest returns the most recent checkpoint, or nil if none exist.
func (s *CheckpointStore) LoadLatest() (*model.Checkpoint, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.Load(ids[len(ids)-1])
}

func (s *CheckpointStore) Load(id string) (*model.Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", id, err)
	}
	var ckpt model.Checkpoint
	if err := yamlv3.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", id, err)
	}
	return &ckpt, nil
}
