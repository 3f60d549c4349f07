package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"impactkit/core"
	"impactkit/engine"
	"impactkit/engine/storagetest"
)

func TestFileStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) engine.Storage {
		s, err := New(filepath.Join(t.TempDir(), "state.json"))
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return s
	})
}

func TestStorePersistAndLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	at := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

	store, err := New(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.CreateUser(ctx, core.NewUserStats("alice", at)); err != nil {
		t.Fatalf("create: %v", err)
	}
	ev := core.NewEventCompletion("alice", "ev", "org", 2, at)
	id := ev.EnsureID()
	_, err = store.ApplyActivity(ctx, "alice", id, func(cur core.UserStats) (core.UserStats, core.ActivityRecord, error) {
		next, delta, err := core.DefaultRules().Step(cur, ev)
		next.Version = cur.Version + 1
		return next, core.Record(id, ev, delta, next, at), err
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	// ensure file written
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s", path)
	}

	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	stats, err := reloaded.GetStats(ctx, "alice")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.TotalPoints != 70 || !stats.HasBadge(core.BadgeFirstEvent) {
		t.Fatalf("unexpected stats after reload: %+v", stats)
	}
	if _, err := reloaded.GetActivity(ctx, id); err != nil {
		t.Fatalf("activity lost on reload: %v", err)
	}
}

func TestNewRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Fatal("expected error for corrupt file")
	}
}
