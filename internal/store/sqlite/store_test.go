package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Put(ctx, store.NamespaceAgentState, "worker1", []byte("busy")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	value, err := s.Get(ctx, store.NamespaceAgentState, "worker1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "busy" {
		t.Errorf("got %q, want %q", value, "busy")
	}

	// Upsert overwrites
	if err := s.Put(ctx, store.NamespaceAgentState, "worker1", []byte("idle")); err != nil {
		t.Fatal(err)
	}
	value, _ = s.Get(ctx, store.NamespaceAgentState, "worker1")
	if string(value) != "idle" {
		t.Errorf("after upsert: got %q, want %q", value, "idle")
	}

	if err := s.Delete(ctx, store.NamespaceAgentState, "worker1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	_, err = s.Get(ctx, store.NamespaceAgentState, "worker1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, k := range []string{"d1", "d2"} {
		if err := s.Put(ctx, store.NamespaceDecisions, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Put(ctx, store.NamespaceBlockers, "other", []byte("x")); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, store.NamespaceDecisions)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d entries, want 2", len(all))
	}
}

func TestStore_PendingMessageReplayOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Now().UTC()
	low := model.Message{
		ID:        uuid.NewString(),
		Type:      "event",
		Payload:   map[string]any{"n": "low"},
		Priority:  model.PriorityLow,
		CreatedAt: base,
	}
	critical := model.Message{
		ID:        uuid.NewString(),
		Type:      "event",
		Payload:   map[string]any{"n": "critical"},
		Priority:  model.PriorityCritical,
		CreatedAt: base.Add(time.Second),
	}
	normalOld := model.Message{
		ID:        uuid.NewString(),
		Type:      "event",
		Payload:   map[string]any{"n": "normal_old"},
		Priority:  model.PriorityNormal,
		CreatedAt: base,
	}
	normalNew := model.Message{
		ID:        uuid.NewString(),
		Type:      "event",
		Payload:   map[string]any{"n": "normal_new"},
		Priority:  model.PriorityNormal,
		CreatedAt: base.Add(2 * time.Second),
	}

	for _, msg := range []model.Message{low, critical, normalNew, normalOld} {
		if err := s.SavePending(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	loaded, err := s.LoadUnprocessed(ctx)
	if err != nil {
		t.Fatalf("LoadUnprocessed failed: %v", err)
	}
	if len(loaded) != 4 {
		t.Fatalf("got %d messages, want 4", len(loaded))
	}

	want := []string{critical.ID, normalOld.ID, normalNew.ID, low.ID}
	for i, msg := range loaded {
		if msg.ID != want[i] {
			t.Errorf("position %d: got %s, want %s", i, msg.ID, want[i])
		}
	}
}

func TestStore_ProcessedNeverReplayed(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	msg := model.Message{
		ID:        uuid.NewString(),
		Type:      "event",
		Priority:  model.PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SavePending(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessed(ctx, msg.ID); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadUnprocessed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 0 {
		t.Errorf("processed message was replayed: %d entries", len(loaded))
	}
}

func TestStore_SavePendingIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	msg := model.Message{
		ID:        uuid.NewString(),
		Type:      "event",
		Priority:  model.PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SavePending(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePending(ctx, msg); err != nil {
		t.Fatalf("second SavePending should not error: %v", err)
	}

	loaded, err := s.LoadUnprocessed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Errorf("got %d entries, want 1", len(loaded))
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "conductor.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	msg := model.Message{
		ID:        uuid.NewString(),
		Type:      "task.created",
		Payload:   map[string]any{"task_id": "task_1771722060_b7c1d4e9"},
		Priority:  model.PriorityHigh,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SavePending(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.LoadUnprocessed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].ID != msg.ID {
		t.Fatalf("message lost across reopen: %+v", loaded)
	}
	if loaded[0].Payload["task_id"] != "task_1771722060_b7c1d4e9" {
		t.Errorf("payload lost: %v", loaded[0].Payload)
	}
}
