// Package storagetest holds behavior checks shared by every engine.Storage adapter.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactkit/core"
	"impactkit/engine"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) engine.Storage

var base = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

// Run exercises the Storage contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("ApplyAndDuplicate", func(t *testing.T) { testApplyAndDuplicate(t, newStore(t)) })
	t.Run("ApplyUnknownUser", func(t *testing.T) { testApplyUnknownUser(t, newStore(t)) })
	t.Run("MutateErrorLeavesState", func(t *testing.T) { testMutateError(t, newStore(t)) })
	t.Run("ListActivity", func(t *testing.T) { testListActivity(t, newStore(t)) })
	t.Run("TopByPoints", func(t *testing.T) { testTopByPoints(t, newStore(t)) })
	t.Run("StaleAndReset", func(t *testing.T) { testStaleAndReset(t, newStore(t)) })
	t.Run("Snapshots", func(t *testing.T) { testSnapshots(t, newStore(t)) })
}

// RunConcurrent checks that concurrent applies for one user never lose updates when
// the caller retries conflicts.
func RunConcurrent(t *testing.T, newStore Factory, workers int) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateUser(ctx, core.NewUserStats("hot", base)))

	rules := core.DefaultRules()
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := core.NewDonation("hot", "org", 10, base.Add(time.Duration(i)*time.Second))
			id := ev.EnsureID()
			for attempt := 0; attempt < 200; attempt++ {
				_, err := s.ApplyActivity(ctx, "hot", id, mutateWith(rules, ev, id))
				if errors.Is(err, core.ErrConcurrencyConflict) {
					time.Sleep(time.Millisecond)
					continue
				}
				errs <- err
				return
			}
			errs <- fmt.Errorf("worker %d: too many conflicts", i)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	got, err := s.GetStats(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, int64(10*workers), got.TotalPoints)
	assert.Equal(t, int64(workers), got.Version)
}

func mutateWith(rules core.Rules, ev core.ActivityEvent, id string) core.MutateFunc {
	return func(cur core.UserStats) (core.UserStats, core.ActivityRecord, error) {
		next, delta, err := rules.Step(cur, ev)
		if err != nil {
			return core.UserStats{}, core.ActivityRecord{}, err
		}
		next.Version = cur.Version + 1
		return next, core.Record(id, ev, delta, next, base), nil
	}
}

func apply(t *testing.T, s engine.Storage, ev core.ActivityEvent) core.ApplyResult {
	t.Helper()
	id := ev.EnsureID()
	res, err := s.ApplyActivity(context.Background(), ev.Subject(), id, mutateWith(core.DefaultRules(), ev, id))
	require.NoError(t, err)
	return res
}

func seed(t *testing.T, s engine.Storage, ids ...core.UserID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.CreateUser(context.Background(), core.NewUserStats(id, base)))
	}
}

func testCreateAndGet(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	seed(t, s, "alice")
	err := s.CreateUser(ctx, core.NewUserStats("alice", base))
	assert.ErrorIs(t, err, core.ErrUserExists)

	got, err := s.GetStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.UserID("alice"), got.ID)
	assert.Equal(t, int64(1), got.Level)
	assert.True(t, got.CreatedAt.Equal(base))

	_, err = s.GetStats(ctx, "nobody")
	assert.ErrorIs(t, err, core.ErrUserNotFound)
	require.NoError(t, s.Ping(ctx))
}

func testApplyAndDuplicate(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	seed(t, s, "alice")
	ev := core.NewEventCompletion("alice", "ev-1", "org-1", 2, base)
	first := apply(t, s, ev)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(70), first.Stats.TotalPoints)
	assert.Equal(t, []core.Badge{core.BadgeFirstEvent}, first.Stats.Badges)

	called := false
	second, err := s.ApplyActivity(ctx, "alice", ev.EnsureID(), func(cur core.UserStats) (core.UserStats, core.ActivityRecord, error) {
		called = true
		return cur, core.ActivityRecord{}, nil
	})
	require.NoError(t, err)
	assert.False(t, called, "mutate must not run for a logged event")
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(70), second.Stats.TotalPoints)
	assert.Equal(t, ev.EnsureID(), second.Record.EventID)

	got, err := s.GetStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(70), got.TotalPoints)
	assert.Equal(t, int64(1), got.Version)

	rec, err := s.GetActivity(ctx, ev.EnsureID())
	require.NoError(t, err)
	assert.Equal(t, int64(70), rec.PointsDelta)
	assert.Equal(t, core.KindEventCompletion, rec.Event.Kind)
	require.NotNil(t, rec.Event.Completion)
	assert.Equal(t, "ev-1", rec.Event.Completion.SourceEventID)

	_, err = s.GetActivity(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrActivityNotFound)
}

func testApplyUnknownUser(t *testing.T, s engine.Storage) {
	ev := core.NewDonation("ghost", "org", 5, base)
	_, err := s.ApplyActivity(context.Background(), "ghost", ev.EnsureID(), mutateWith(core.DefaultRules(), ev, ev.EnsureID()))
	assert.ErrorIs(t, err, core.ErrUserNotFound)
}

func testMutateError(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	seed(t, s, "alice")
	boom := errors.New("boom")
	_, err := s.ApplyActivity(ctx, "alice", "evt-x", func(core.UserStats) (core.UserStats, core.ActivityRecord, error) {
		return core.UserStats{}, core.ActivityRecord{}, boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = s.GetActivity(ctx, "evt-x")
	assert.ErrorIs(t, err, core.ErrActivityNotFound)
	got, err := s.GetStats(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, got.Version)
}

func testListActivity(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	seed(t, s, "alice", "bob")
	for i := 0; i < 3; i++ {
		apply(t, s, core.NewDonation("alice", "org", float64(i+1), base.Add(time.Duration(i)*time.Hour)))
	}
	apply(t, s, core.NewDonation("bob", "org", 9, base))

	all, err := s.ListActivity(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].PointsDelta, "newest first")
	assert.Equal(t, int64(1), all[2].PointsDelta)

	two, err := s.ListActivity(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	none, err := s.ListActivity(ctx, "carol", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testTopByPoints(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	seed(t, s, "a", "b", "c", "d")
	apply(t, s, core.NewDonation("a", "o", 10, base))
	apply(t, s, core.NewDonation("b", "o", 30, base))
	apply(t, s, core.NewDonation("c", "o", 20, base))
	apply(t, s, core.NewDonation("d", "o", 20, base))

	top, err := s.TopByPoints(ctx, 2)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(top), 2)
	assert.Equal(t, core.UserID("b"), top[0].ID)
	assert.Equal(t, int64(20), top[1].TotalPoints)
	ids := map[core.UserID]bool{}
	for _, u := range top {
		ids[u.ID] = true
	}
	assert.True(t, ids["c"], "tied boundary users must be present")
	assert.False(t, ids["a"])

	everyone, err := s.TopByPoints(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, everyone, 4)
}

func testStaleAndReset(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	now := base.AddDate(0, 0, 10)
	seed(t, s, "old", "fresh", "idle", "older")
	apply(t, s, core.NewEventCompletion("old", "e1", "o", 1, now.AddDate(0, 0, -3)))
	apply(t, s, core.NewEventCompletion("older", "e1", "o", 1, now.AddDate(0, 0, -5)))
	apply(t, s, core.NewEventCompletion("fresh", "e1", "o", 1, now.Add(-12*time.Hour)))

	cutoff := core.StreakCutoff(now)
	page, err := s.ListStale(ctx, cutoff, "", 1)
	require.NoError(t, err)
	assert.Equal(t, []core.UserID{"old"}, page)
	page, err = s.ListStale(ctx, cutoff, "old", 10)
	require.NoError(t, err)
	assert.Equal(t, []core.UserID{"older"}, page)

	rules := core.DefaultRules()
	changed, err := s.ResetStreaks(ctx, []core.UserID{"old", "older", "fresh", "idle"}, cutoff, rules.ResetStreak)
	require.NoError(t, err)
	assert.ElementsMatch(t, []core.UserID{"old", "older"}, changed)

	got, err := s.GetStats(ctx, "old")
	require.NoError(t, err)
	assert.Zero(t, got.Streak)
	assert.Equal(t, int64(60), got.TotalPoints)
	fresh, err := s.GetStats(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fresh.Streak)

	again, err := s.ResetStreaks(ctx, []core.UserID{"old"}, cutoff, rules.ResetStreak)
	require.NoError(t, err)
	assert.Empty(t, again)
	left, err := s.ListStale(ctx, cutoff, "", 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func testSnapshots(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	week := core.SnapshotWeekly.PeriodStart(base)
	snap := core.LeaderboardSnapshot{
		Kind:        core.SnapshotWeekly,
		PeriodStart: week,
		CapturedAt:  base,
		Entries:     []core.LeaderboardEntry{{UserID: "a", Rank: 1, TotalPoints: 10}},
	}
	created, err := s.PutSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.True(t, created)

	dup := snap
	dup.CapturedAt = base.Add(time.Hour)
	dup.Entries = nil
	created, err = s.PutSnapshot(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetSnapshot(ctx, core.SnapshotWeekly, week)
	require.NoError(t, err)
	require.Len(t, got.Entries, 1)
	assert.True(t, got.CapturedAt.Equal(base), "first write wins")

	_, err = s.GetSnapshot(ctx, core.SnapshotMonthly, week)
	assert.ErrorIs(t, err, core.ErrSnapshotNotFound)

	next := snap
	next.PeriodStart = week.AddDate(0, 0, 7)
	_, err = s.PutSnapshot(ctx, next)
	require.NoError(t, err)
	_, err = s.PutSnapshot(ctx, core.LeaderboardSnapshot{Kind: core.SnapshotMonthly, PeriodStart: core.SnapshotMonthly.PeriodStart(base), CapturedAt: base})
	require.NoError(t, err)

	list, err := s.ListSnapshots(ctx, core.SnapshotWeekly, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].PeriodStart.After(list[1].PeriodStart), "newest period first")
}
