package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactkit/core"
	"impactkit/engine"
	"impactkit/engine/storagetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storagetest.Run(t, func(*testing.T) engine.Storage { return New() })
}

func TestMemoryStoreConcurrentApply(t *testing.T) {
	storagetest.RunConcurrent(t, func(*testing.T) engine.Storage { return New() }, 50)
}

func donate(t *testing.T, s *Store, user core.UserID, amount float64, at time.Time) {
	t.Helper()
	ev := core.NewDonation(user, "org", amount, at)
	id := ev.EnsureID()
	_, err := s.ApplyActivity(context.Background(), user, id, func(cur core.UserStats) (core.UserStats, core.ActivityRecord, error) {
		next, delta, err := core.DefaultRules().Step(cur, ev)
		next.Version = cur.Version + 1
		return next, core.Record(id, ev, delta, next, at), err
	})
	require.NoError(t, err)
}

func TestMemoryPosition(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New()
	for _, id := range []core.UserID{"a", "b", "c"} {
		require.NoError(t, s.CreateUser(ctx, core.NewUserStats(id, at)))
	}
	donate(t, s, "c", 40, at)
	donate(t, s, "a", 10, at)

	pos, err := s.Position(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	pos, err = s.Position(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 3, pos)
	_, err = s.Position(ctx, "zed")
	assert.ErrorIs(t, err, core.ErrUserNotFound)
}

func TestMemoryExportImport(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New()
	require.NoError(t, s.CreateUser(ctx, core.NewUserStats("a", at)))
	donate(t, s, "a", 10, at)
	donate(t, s, "a", 15, at.Add(time.Hour))
	_, err := s.PutSnapshot(ctx, core.LeaderboardSnapshot{Kind: core.SnapshotMonthly, PeriodStart: at, CapturedAt: at})
	require.NoError(t, err)

	restored := New()
	restored.Import(s.Export())

	got, err := restored.GetStats(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.TotalPoints)
	hist, err := restored.ListActivity(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, int64(15), hist[0].PointsDelta)
	_, err = restored.GetSnapshot(ctx, core.SnapshotMonthly, at)
	assert.NoError(t, err)
	pos, err := restored.Position(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

func TestMemoryCommitHookError(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.OnCommit(func() error { return assert.AnError })
	err := s.CreateUser(ctx, core.NewUserStats("a", time.Now()))
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
}
