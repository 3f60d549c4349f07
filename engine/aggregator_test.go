package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "impactkit/adapters/memory"
	"impactkit/core"
)

var day0 = time.Date(2024, 2, 1, 15, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T, store Storage, opts ...Option) *Aggregator {
	t.Helper()
	bus := NewEventBus(DispatchSync)
	opts = append([]Option{
		WithClock(func() time.Time { return day0 }),
		WithRetryPolicy(RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxRetries: 5}),
	}, opts...)
	return NewAggregator(store, bus, opts...)
}

func TestApplyCompletionScenario(t *testing.T) {
	ctx := context.Background()
	agg := newTestAggregator(t, mem.New())
	_, err := agg.Register(ctx, "User1")
	require.NoError(t, err)

	var got []core.EventType
	agg.Subscribe(AllEvents, func(_ context.Context, e core.Event) { got = append(got, e.Type) })

	out, err := agg.Apply(ctx, core.NewEventCompletion("user1", "ev-1", "org-1", 2, day0))
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, int64(70), out.Stats.TotalPoints)
	assert.Equal(t, 2.0, out.Stats.VolunteerHours)
	assert.Equal(t, int64(1), out.Stats.CompletedEvents)
	assert.Equal(t, int64(1), out.Stats.Level)
	assert.Equal(t, int64(1), out.Stats.Streak)
	assert.Equal(t, []core.Badge{core.BadgeFirstEvent}, out.Stats.Badges)
	assert.Equal(t, []core.Badge{core.BadgeFirstEvent}, out.Awarded)
	assert.False(t, out.LevelUp)
	assert.Equal(t, []core.EventType{core.EventStatsUpdated, core.EventBadgeAwarded}, got)
}

func TestApplyDonationLevelsUp(t *testing.T) {
	ctx := context.Background()
	agg := newTestAggregator(t, mem.New())
	_, err := agg.Register(ctx, "u1")
	require.NoError(t, err)

	levelUps := 0
	agg.Subscribe(core.EventLevelUp, func(context.Context, core.Event) { levelUps++ })
	out, err := agg.Apply(ctx, core.NewDonation("u1", "org", 250, day0))
	require.NoError(t, err)
	assert.Equal(t, int64(250), out.Record.PointsDelta)
	assert.Equal(t, int64(250), out.Stats.TotalPoints)
	assert.Equal(t, int64(3), out.Stats.Level)
	assert.True(t, out.LevelUp)
	assert.Equal(t, 1, levelUps)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	agg := newTestAggregator(t, mem.New())
	_, err := agg.Register(ctx, "u1")
	require.NoError(t, err)

	published := 0
	agg.Subscribe(core.EventStatsUpdated, func(context.Context, core.Event) { published++ })
	ev := core.NewEventCompletion("u1", "ev-1", "org", 3, day0)
	first, err := agg.Apply(ctx, ev)
	require.NoError(t, err)
	second, err := agg.Apply(ctx, ev)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Stats, second.Stats)
	assert.Equal(t, 1, published, "duplicates are not republished")
	stats, err := agg.GetStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(80), stats.TotalPoints)
	assert.Equal(t, int64(1), stats.CompletedEvents)
}

func TestApplyErrors(t *testing.T) {
	ctx := context.Background()
	agg := newTestAggregator(t, mem.New())
	_, err := agg.Apply(ctx, core.NewDonation("ghost", "org", 1, day0))
	assert.ErrorIs(t, err, core.ErrUserNotFound)

	_, err = agg.Register(ctx, "u1")
	require.NoError(t, err)
	_, err = agg.Register(ctx, "U1 ")
	assert.ErrorIs(t, err, core.ErrUserExists)

	_, err = agg.Apply(ctx, core.NewEventCompletion("u1", "e", "o", -1, day0))
	assert.ErrorIs(t, err, core.ErrInvalidPayload)
	_, err = agg.Apply(ctx, core.NewReferral("u1", "u1", day0))
	assert.ErrorIs(t, err, core.ErrInvalidPayload)

	stats, err := agg.GetStats(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, stats.Version, "rejected events leave no trace")
}

func TestReferralCreditsReferrer(t *testing.T) {
	ctx := context.Background()
	agg := newTestAggregator(t, mem.New())
	_, err := agg.Register(ctx, "ref")
	require.NoError(t, err)
	out, err := agg.Apply(ctx, core.NewReferral("ref", "newcomer", day0))
	require.NoError(t, err)
	assert.Equal(t, core.UserID("ref"), out.Stats.ID)
	assert.Equal(t, int64(25), out.Stats.TotalPoints)
	assert.Zero(t, out.Stats.CompletedEvents)
}

// conflictingStore fails the first n ApplyActivity calls with a conflict.
type conflictingStore struct {
	Storage
	mu    sync.Mutex
	n     int
	calls int
}

func (c *conflictingStore) ApplyActivity(ctx context.Context, user core.UserID, id string, m core.MutateFunc) (core.ApplyResult, error) {
	c.mu.Lock()
	c.calls++
	fail := c.calls <= c.n
	c.mu.Unlock()
	if fail {
		return core.ApplyResult{}, core.ErrConcurrencyConflict
	}
	return c.Storage.ApplyActivity(ctx, user, id, m)
}

func TestApplyRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{Storage: mem.New(), n: 3}
	agg := newTestAggregator(t, store)
	_, err := agg.Register(ctx, "u1")
	require.NoError(t, err)

	out, err := agg.Apply(ctx, core.NewDonation("u1", "o", 10, day0))
	require.NoError(t, err)
	assert.Equal(t, int64(10), out.Stats.TotalPoints)
	assert.Equal(t, 4, store.calls)
}

func TestApplySurfacesPersistentConflict(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{Storage: mem.New(), n: 100}
	agg := newTestAggregator(t, store)
	_, err := agg.Register(ctx, "u1")
	require.NoError(t, err)

	_, err = agg.Apply(ctx, core.NewDonation("u1", "o", 10, day0))
	assert.ErrorIs(t, err, core.ErrConcurrencyConflict)
	assert.Equal(t, 6, store.calls, "initial attempt plus 5 retries")
}

func TestConcurrentApplySameUser(t *testing.T) {
	ctx := context.Background()
	agg := newTestAggregator(t, mem.New())
	_, err := agg.Register(ctx, "u1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := agg.Apply(ctx, core.NewDonation("u1", "o", 5, day0.Add(time.Duration(i)*time.Second)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	stats, err := agg.GetStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), stats.TotalPoints)
	assert.Equal(t, int64(40), stats.Version)
}

func TestHistoryAndReplay(t *testing.T) {
	ctx := context.Background()
	agg := newTestAggregator(t, mem.New())
	_, err := agg.Register(ctx, "u1")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := agg.Apply(ctx, core.NewEventCompletion("u1", "ev", "o", 3, day0.AddDate(0, 0, i)))
		require.NoError(t, err)
	}

	hist, err := agg.History(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
	_, err = agg.History(ctx, "ghost", 2)
	assert.ErrorIs(t, err, core.ErrUserNotFound)

	report, err := agg.Replay(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Events)
	assert.Empty(t, report.Drift)
	assert.Equal(t, int64(4), report.Stored.Streak)
	assert.Equal(t, int64(320), report.Computed.TotalPoints)
}

func TestNewAggregatorPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewAggregator(nil, NewEventBus(DispatchSync)) })
}
