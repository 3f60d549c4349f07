package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactkit/adapters/memory"
	"impactkit/core"
	"impactkit/engine"
	"impactkit/leaderboard"
)

var day0 = time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC) // a Wednesday

type harness struct {
	store  *memory.Store
	agg    *engine.Aggregator
	bus    *engine.EventBus
	sched  *Scheduler
	mu     sync.Mutex
	events []core.Event
}

func newHarness(t *testing.T, store engine.Storage, opts ...Option) *harness {
	t.Helper()
	h := &harness{bus: engine.NewEventBus(engine.DispatchSync)}
	if m, ok := store.(*memory.Store); ok {
		h.store = m
	}
	h.agg = engine.NewAggregator(store, h.bus, engine.WithClock(func() time.Time { return day0 }))
	h.bus.Subscribe(engine.AllEvents, func(_ context.Context, e core.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})
	h.sched = New(store, leaderboard.NewRanker(store, nil), h.bus, opts...)
	return h
}

func (h *harness) count(typ core.EventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestSweepResetsOnlyStaleStreaks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.New())
	_, err := h.agg.Register(ctx, "vol")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := h.agg.Apply(ctx, core.NewDonation("vol", "org", 5, day0.AddDate(0, 0, i)))
		require.NoError(t, err)
	}
	last := day0.AddDate(0, 0, 2)
	st, err := h.agg.GetStats(ctx, "vol")
	require.NoError(t, err)
	require.Equal(t, int64(3), st.Streak)

	rep, err := h.sched.RunStreakSweep(ctx, last.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Reset)
	st, _ = h.agg.GetStats(ctx, "vol")
	assert.Equal(t, int64(3), st.Streak)

	// next calendar day: more than 24h elapsed but an event today still continues it
	rep, err = h.sched.RunStreakSweep(ctx, last.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Reset)

	rep, err = h.sched.RunStreakSweep(ctx, core.Day(last).AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reset)
	st, _ = h.agg.GetStats(ctx, "vol")
	assert.Equal(t, int64(0), st.Streak)
	assert.Equal(t, int64(15), st.TotalPoints)
	assert.Equal(t, 1, h.count(core.EventStreakReset))

	// a second sweep finds nothing left to do
	rep, err = h.sched.RunStreakSweep(ctx, last.Add(50*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Reset)
}

func TestSweepRevokesStreakBadge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.New())
	_, err := h.agg.Register(ctx, "vol")
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, err := h.agg.Apply(ctx, core.NewDonation("vol", "org", 1, day0.AddDate(0, 0, i)))
		require.NoError(t, err)
	}
	st, _ := h.agg.GetStats(ctx, "vol")
	require.True(t, st.HasBadge(core.BadgeStreak7))

	_, err = h.sched.RunStreakSweep(ctx, day0.AddDate(0, 0, 9))
	require.NoError(t, err)
	st, _ = h.agg.GetStats(ctx, "vol")
	assert.False(t, st.HasBadge(core.BadgeStreak7))
	assert.Equal(t, 1, h.count(core.EventBadgeRevoked))
}

// flakyStore fails the first ResetStreaks call.
type flakyStore struct {
	*memory.Store
	mu    sync.Mutex
	calls int
}

func (f *flakyStore) ResetStreaks(ctx context.Context, ids []core.UserID, cutoff time.Time, reset core.StreakResetFunc) ([]core.UserID, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if first {
		return nil, fmt.Errorf("%w: batch write failed", core.ErrStoreUnavailable)
	}
	return f.Store.ResetStreaks(ctx, ids, cutoff, reset)
}

func TestSweepSkipsFailedBatch(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.New()}
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	h := newHarness(t, store, WithConfig(cfg))
	for _, id := range []core.UserID{"a", "b", "c", "d"} {
		_, err := h.agg.Register(ctx, id)
		require.NoError(t, err)
		_, err = h.agg.Apply(ctx, core.NewDonation(id, "org", 1, day0))
		require.NoError(t, err)
	}

	rep, err := h.sched.RunStreakSweep(ctx, day0.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Scanned)
	assert.Equal(t, 1, rep.FailedBatches)
	assert.Equal(t, 2, rep.Reset)

	a, _ := store.GetStats(ctx, "a")
	c, _ := store.GetStats(ctx, "c")
	assert.Equal(t, int64(1), a.Streak, "failed batch is left for the next sweep")
	assert.Equal(t, int64(0), c.Streak)
}

// batchRecorder records the size of every ResetStreaks batch.
type batchRecorder struct {
	*memory.Store
	mu      sync.Mutex
	batches []int
}

func (b *batchRecorder) ResetStreaks(ctx context.Context, ids []core.UserID, cutoff time.Time, reset core.StreakResetFunc) ([]core.UserID, error) {
	b.mu.Lock()
	b.batches = append(b.batches, len(ids))
	b.mu.Unlock()
	return b.Store.ResetStreaks(ctx, ids, cutoff, reset)
}

func TestBatchSizeIsClamped(t *testing.T) {
	for _, size := range []int{-1, 0, 501, 10000} {
		cfg := DefaultConfig()
		cfg.BatchSize = size
		s := New(memory.New(), nil, nil, WithConfig(cfg))
		assert.Equal(t, DefaultBatchSize, s.cfg.BatchSize, "batch size %d", size)
	}
	cfg := DefaultConfig()
	cfg.BatchSize = 50
	assert.Equal(t, 50, New(memory.New(), nil, nil, WithConfig(cfg)).cfg.BatchSize)
}

func TestSweepPagesLargePopulationInBoundedBatches(t *testing.T) {
	ctx := context.Background()
	store := &batchRecorder{Store: memory.New()}
	cfg := DefaultConfig()
	cfg.BatchSize = 10000
	h := newHarness(t, store, WithConfig(cfg))
	const users = 1201
	for i := 0; i < users; i++ {
		id := core.UserID(fmt.Sprintf("vol-%04d", i))
		_, err := h.agg.Register(ctx, id)
		require.NoError(t, err)
		_, err = h.agg.Apply(ctx, core.NewDonation(id, "org", 1, day0))
		require.NoError(t, err)
	}

	rep, err := h.sched.RunStreakSweep(ctx, day0.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, users, rep.Scanned)
	assert.Equal(t, users, rep.Reset)
	assert.Zero(t, rep.FailedBatches)
	assert.Equal(t, []int{500, 500, 201}, store.batches)
	assert.Equal(t, users, h.count(core.EventStreakReset))

	stale, err := store.ListStale(ctx, rep.Cutoff, "", 0)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestWeeklySnapshotKeepsTopHundred(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.New())
	for i := 1; i <= 150; i++ {
		id := core.UserID(fmt.Sprintf("vol-%03d", i))
		_, err := h.agg.Register(ctx, id)
		require.NoError(t, err)
		_, err = h.agg.Apply(ctx, core.NewDonation(id, "org", float64(i), day0))
		require.NoError(t, err)
	}

	rep, err := h.sched.RunSnapshot(ctx, core.SnapshotWeekly, day0)
	require.NoError(t, err)
	assert.True(t, rep.Created)
	assert.Equal(t, 100, rep.Entries)

	snap, err := h.store.GetSnapshot(ctx, core.SnapshotWeekly, rep.PeriodStart)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 100)
	for i, e := range snap.Entries {
		assert.Equal(t, i+1, e.Rank)
		assert.Equal(t, int64(150-i), e.TotalPoints)
	}
	assert.Equal(t, core.UserID("vol-150"), snap.Entries[0].UserID)
	assert.Equal(t, core.UserID("vol-051"), snap.Entries[99].UserID)
}

func TestSnapshotIsIdempotentPerPeriod(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.New())
	for i, id := range []core.UserID{"a", "b", "c"} {
		_, err := h.agg.Register(ctx, id)
		require.NoError(t, err)
		_, err = h.agg.Apply(ctx, core.NewDonation(id, "org", float64(10*(i+1)), day0))
		require.NoError(t, err)
	}

	rep, err := h.sched.RunSnapshot(ctx, core.SnapshotWeekly, day0)
	require.NoError(t, err)
	assert.True(t, rep.Created)
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), rep.PeriodStart)
	assert.Equal(t, "weekly:2024-03-04", rep.Key)
	assert.Equal(t, 3, rep.Entries)

	// later in the same week: skipped, stored entries unchanged
	_, err = h.agg.Apply(ctx, core.NewDonation("a", "org", 500, day0.Add(time.Hour)))
	require.NoError(t, err)
	rep, err = h.sched.RunSnapshot(ctx, core.SnapshotWeekly, day0.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.False(t, rep.Created)

	snap, err := h.store.GetSnapshot(ctx, core.SnapshotWeekly, rep.PeriodStart)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 3)
	assert.Equal(t, core.UserID("c"), snap.Entries[0].UserID)
	assert.Equal(t, 1, h.count(core.EventSnapshotCreated))

	rep, err = h.sched.RunSnapshot(ctx, core.SnapshotMonthly, day0)
	require.NoError(t, err)
	assert.True(t, rep.Created)
	assert.Equal(t, "monthly:2024-03-01", rep.Key)
}

func TestRunJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.New(), WithClock(func() time.Time { return day0 }))
	rep, err := h.sched.RunJob(ctx, JobMonthlySnapshot)
	require.NoError(t, err)
	assert.Equal(t, "monthly:2024-03-01", rep.(SnapshotReport).Key)

	_, err = h.sched.RunJob(ctx, "defrag")
	assert.True(t, errors.Is(err, ErrUnknownJob))
}

func TestStartRejectsBadSpec(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WeeklySpec = "every tuesday"
	h := newHarness(t, memory.New(), WithConfig(cfg))
	err := h.sched.Start(context.Background())
	assert.Error(t, err)
}

func TestStartAndStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, memory.New())
	require.NoError(t, h.sched.Start(ctx))
	cancel()
	h.sched.Stop()
}
