package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactkit/core"
	"impactkit/engine"
	"impactkit/engine/storagetest"
)

// newTestClient spins up a miniredis server and returns a client plus the server.
func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) engine.Storage {
		client, _ := newTestClient(t)
		return NewWithClient(client)
	})
}

func TestRedisStoreConcurrentApply(t *testing.T) {
	storagetest.RunConcurrent(t, func(t *testing.T) engine.Storage {
		client, _ := newTestClient(t)
		return NewWithClient(client)
	}, 20)
}

func TestStore_KeyLayout(t *testing.T) {
	client, mr := newTestClient(t)
	store := &Store{client: client, prefix: "ik:"}
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateUser(ctx, core.NewUserStats("alice", at)))
	ev := core.NewEventCompletion("alice", "ev", "org", 1, at)
	id := ev.EnsureID()
	_, err := store.ApplyActivity(ctx, "alice", id, func(cur core.UserStats) (core.UserStats, core.ActivityRecord, error) {
		next, delta, err := core.DefaultRules().Step(cur, ev)
		return next, core.Record(id, ev, delta, next, at), err
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("ik:user:alice:stats"))
	assert.True(t, mr.Exists("ik:activity:"+id))
	score, err := mr.ZScore("ik:leaderboard:points", "alice")
	require.NoError(t, err)
	assert.Equal(t, float64(60), score)
	streakScore, err := mr.ZScore("ik:streaks:active", "alice")
	require.NoError(t, err)
	assert.Equal(t, float64(at.UnixMilli()), streakScore)
}

func TestStore_ApplyConflictDetected(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewWithClient(client)
	ctx := context.Background()
	at := time.Now().UTC()
	require.NoError(t, store.CreateUser(ctx, core.NewUserStats("bob", at)))

	ev := core.NewDonation("bob", "org", 5, at)
	id := ev.EnsureID()
	_, err := store.ApplyActivity(ctx, "bob", id, func(cur core.UserStats) (core.UserStats, core.ActivityRecord, error) {
		// a write landing between WATCH and EXEC
		require.NoError(t, client.Set(ctx, store.statsKey("bob"), `{"id":"bob","total_points":99}`, 0).Err())
		next, delta, err := core.DefaultRules().Step(cur, ev)
		return next, core.Record(id, ev, delta, next, at), err
	})
	assert.ErrorIs(t, err, core.ErrConcurrencyConflict)

	_, err = store.GetActivity(ctx, id)
	assert.ErrorIs(t, err, core.ErrActivityNotFound, "aborted transaction must not log the event")
}

func TestStore_ResetStreaksRetriesOnlyTheConflictingGroup(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewWithClient(client)
	ctx := context.Background()
	last := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	cutoff := core.StreakCutoff(last.AddDate(0, 0, 3))

	ids := make([]core.UserID, 120)
	for i := range ids {
		ids[i] = core.UserID(fmt.Sprintf("vol-%03d", i))
		st := core.NewUserStats(ids[i], last)
		st.Streak = 4
		st.LastActivity = last
		require.NoError(t, store.CreateUser(ctx, st))
	}

	calls := map[core.UserID]int{}
	target := ids[watchGroup+5]
	changed, err := store.ResetStreaks(ctx, ids, cutoff, func(cur core.UserStats) core.UserStats {
		calls[cur.ID]++
		if cur.ID == target && calls[cur.ID] == 1 {
			// a live write to one participant between WATCH and EXEC
			raw, err := client.Get(ctx, store.statsKey(target)).Result()
			require.NoError(t, err)
			require.NoError(t, client.Set(ctx, store.statsKey(target), raw, 0).Err())
		}
		return core.DefaultRules().ResetStreak(cur)
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, changed)
	assert.Equal(t, 1, calls[ids[0]], "first group committed once")
	assert.Equal(t, 2, calls[target], "conflicting group retried")
	assert.Equal(t, 1, calls[ids[len(ids)-1]], "last group unaffected")

	for _, id := range []core.UserID{ids[0], target, ids[len(ids)-1]} {
		st, err := store.GetStats(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, st.Streak, id)
	}
}

func TestStore_Unavailable(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewWithClient(client)
	mr.Close()
	_, err := store.GetStats(context.Background(), "x")
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
	assert.ErrorIs(t, store.Ping(context.Background()), core.ErrStoreUnavailable)
}

func TestNew_ConnectionFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 100 * time.Millisecond
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNew_Success(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()
	store, err := New(cfg)
	require.NoError(t, err)
	defer store.Close()
	assert.NoError(t, store.Ping(context.Background()))
}
