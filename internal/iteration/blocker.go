package iteration

import (
	"context"
	"fmt"
	"sort"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/store"
)

// BlockerStore persists blocker records in the blockers namespace so they
// survive restarts and appear in checkpoints.
type BlockerStore struct {
	store store.Store
}

func NewBlockerStore(st store.Store) *BlockerStore {
	return &BlockerStore{store: st}
}

func (s *BlockerStore) Report(ctx context.Context, planID, description string) (model.Blocker, error) {
	id, err := model.GenerateID(model.IDTypeBlocker)
	if err != nil {
		return model.Blocker{}, err
	}

	blocker := model.Blocker{
		ID:          id,
		PlanID:      planID,
		Description: description,
		ReportedAt:  time.Now().UTC(),
	}
	if err := s.put(ctx, blocker); err != nil {
		return model.Blocker{}, err
	}
	return blocker, nil
}

func (s *BlockerStore) Resolve(ctx context.Context, blockerID string) error {
	blocker, err := s.Get(ctx, blockerID)
	if err != nil {
		return err
	}
	if blocker.Resolved() {
		return nil
	}
	now := time.Now().UTC()
	blocker.ResolvedAt = &now
	return s.put(ctx, blocker)
}

func (s *BlockerStore) Get(ctx context.Context, blockerID string) (model.Blocker, error) {
	raw, err := s.store.Get(ctx, store.NamespaceBlockers, blockerID)
	if err != nil {
		return model.Blocker{}, fmt.Errorf("get blocker %s: %w", blockerID, err)
	}
	var blocker model.Blocker
	if err := yamlv3.Unmarshal(raw, &blocker); err != nil {
		return model.Blocker{}, fmt.Errorf("parse blocker %s: %w", blockerID, err)
	}
	return blocker, nil
}

// ForPlan returns the plan's blockers ordered by report time. Pass
// unresolvedOnly to exclude cleared blockers (for checkpoints).
func (s *BlockerStore) ForPlan(ctx context.Context, planID string, unresolvedOnly bool) ([]model.Blocker, error) {
	all, err := s.store.List(ctx, store.NamespaceBlockers)
	if err != nil {
		return nil, fmt.Errorf("list blockers: %w", err)
	}

	var blockers []model.Blocker
	for id, raw := range all {
		var blocker model.Blocker
		if err := yamlv3.Unmarshal(raw, &blocker); err != nil {
			return nil, fmt.Errorf("parse blocker %s: %w", id, err)
		}
		if blocker.PlanID != planID {
			continue
		}
		if unresolvedOnly && blocker.Resolved() {
			continue
		}
		blockers = append(blockers, blocker)
	}

	sort.Slice(blockers, func(i, j int) bool {
		if !blockers[i].ReportedAt.Equal(blockers[j].ReportedAt) {
			return blockers[i].ReportedAt.Before(blockers[j].ReportedAt)
		}
		return blockers[i].ID < blockers[j].ID
	})
	return blockers, nil
}

func (s *BlockerStore) put(ctx context.Context, blocker model.Blocker) error {
	raw, err := yamlv3.Marshal(blocker)
	if err != nil {
		return fmt.Errorf("marshal blocker %s: %w", blocker.ID, err)
	}
	if err := s.store.Put(ctx, store.NamespaceBlockers, blocker.ID, raw); err != nil {
		return fmt.Errorf("store blocker %s: %w", blocker.ID, err)
	}
	return nil
}
