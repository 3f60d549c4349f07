package leaderboard_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactkit/adapters/memory"
	"impactkit/core"
	"impactkit/leaderboard"
	"impactkit/realtime"
)

type staticSource struct {
	stats []core.UserStats
	err   error
}

func (s staticSource) TopByPoints(_ context.Context, limit int) ([]core.UserStats, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stats, nil
}

func stats(id core.UserID, points int64, last time.Time) core.UserStats {
	st := core.NewUserStats(id, last)
	st.TotalPoints = points
	st.LastActivity = last
	return st
}

func TestAssignTieBreaks(t *testing.T) {
	t0 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	in := []core.UserStats{
		stats("carol", 50, t0.Add(time.Hour)),
		stats("bob", 50, t0),
		stats("alice", 50, t0.Add(time.Hour)),
		stats("dave", 90, t0.Add(2*time.Hour)),
	}
	got := leaderboard.Assign(in, 10)
	require.Len(t, got, 4)
	ids := []core.UserID{got[0].UserID, got[1].UserID, got[2].UserID, got[3].UserID}
	assert.Equal(t, []core.UserID{"dave", "bob", "alice", "carol"}, ids)
	for i, e := range got {
		assert.Equal(t, i+1, e.Rank)
	}
	assert.Equal(t, core.UserID("carol"), in[0].ID, "input must not be reordered")
}

func TestRankDefaultLimit(t *testing.T) {
	t0 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	var all []core.UserStats
	for i := 0; i < 150; i++ {
		all = append(all, stats(core.UserID(fmt.Sprintf("u%03d", i)), int64(i), t0))
	}
	r := leaderboard.NewRanker(staticSource{stats: all}, nil)
	got, err := r.Rank(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, leaderboard.DefaultLimit)
	assert.Equal(t, core.UserID("u149"), got[0].UserID)
	assert.Equal(t, 100, got[99].Rank)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, leaderboard.DefaultLimit, leaderboard.ClampLimit(-3))
	assert.Equal(t, 7, leaderboard.ClampLimit(7))
	assert.Equal(t, leaderboard.MaxLimit, leaderboard.ClampLimit(5000))
}

func TestRankSourceError(t *testing.T) {
	r := leaderboard.NewRanker(staticSource{err: core.ErrStoreUnavailable}, nil)
	_, err := r.Rank(context.Background(), 10)
	assert.True(t, errors.Is(err, core.ErrStoreUnavailable))
}

func TestPositionFullScan(t *testing.T) {
	t0 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	r := leaderboard.NewRanker(staticSource{stats: []core.UserStats{
		stats("a", 10, t0), stats("b", 30, t0), stats("c", 20, t0),
	}}, nil)
	pos, err := r.Position(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	_, err = r.Position(context.Background(), "nobody")
	assert.ErrorIs(t, err, core.ErrUserNotFound)
}

func apply(t *testing.T, s *memory.Store, user core.UserID, amount float64, at time.Time) {
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

func TestPositionUsesStoreIndex(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	s := memory.New()
	for _, id := range []core.UserID{"a", "b"} {
		require.NoError(t, s.CreateUser(ctx, core.NewUserStats(id, t0)))
	}
	apply(t, s, "b", 5, t0)
	pos, err := leaderboard.NewRanker(s, nil).Position(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

func TestWatchEmitsOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t0 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	s := memory.New()
	for _, id := range []core.UserID{"a", "b"} {
		require.NoError(t, s.CreateUser(ctx, core.NewUserStats(id, t0)))
	}
	apply(t, s, "a", 10, t0)

	hub := realtime.NewHub()
	updates, err := leaderboard.NewRanker(s, nil).Watch(ctx, 10, hub)
	require.NoError(t, err)

	first := <-updates
	require.Len(t, first, 2)
	assert.Equal(t, core.UserID("a"), first[0].UserID)

	apply(t, s, "b", 40, t0.Add(time.Hour))
	// a burst of notifications coalesces into one re-rank
	for i := 0; i < 5; i++ {
		hub.Broadcast(ctx, core.Event{Type: core.EventStatsUpdated, UserID: "b"})
	}
	select {
	case next := <-updates:
		assert.Equal(t, core.UserID("b"), next[0].UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no ranking update")
	}

	// an event that leaves the ranking unchanged produces nothing
	hub.Broadcast(ctx, core.Event{Type: core.EventStatsUpdated, UserID: "b"})
	select {
	case next := <-updates:
		t.Fatalf("unexpected update %v", next)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-updates
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.Subscribers())
}
