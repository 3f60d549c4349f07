package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"impactkit/core"
	"impactkit/realtime"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Source is the read side of the record store the ranker needs.
type Source interface {
	TopByPoints(ctx context.Context, limit int) ([]core.UserStats, error)
}

// PositionSource is implemented by stores that keep their own ordered index.
type PositionSource interface {
	Position(ctx context.Context, user core.UserID) (int, error)
}

// Ranker produces dense, deterministic rankings from a Source.
type Ranker struct {
	src      Source
	log      *slog.Logger
	debounce time.Duration
}

// NewRanker builds a ranker. debounce coalesces bursts of updates in Watch.
func NewRanker(src Source, log *slog.Logger) *Ranker {
	if log == nil {
		log = slog.Default()
	}
	return &Ranker{src: src, log: log, debounce: 50 * time.Millisecond}
}

// ClampLimit applies the default and ceiling to a requested size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

// Rank returns the top limit participants with ranks 1..N.
func (r *Ranker) Rank(ctx context.Context, limit int) ([]core.LeaderboardEntry, error) {
	limit = ClampLimit(limit)
	stats, err := r.src.TopByPoints(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("rank: %w", err)
	}
	return Assign(stats, limit), nil
}

// Assign sorts stats and assigns dense ranks to the first limit.
func Assign(stats []core.UserStats, limit int) []core.LeaderboardEntry {
	sorted := slices.Clone(stats)
	SortStats(sorted)
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]core.LeaderboardEntry, len(sorted))
	for i, s := range sorted {
		out[i] = core.LeaderboardEntry{
			UserID:          s.ID,
			Rank:            i + 1,
			TotalPoints:     s.TotalPoints,
			VolunteerHours:  s.VolunteerHours,
			CompletedEvents: s.CompletedEvents,
		}
	}
	return out
}

// Position returns the 1-based rank of one participant across the whole population.
func (r *Ranker) Position(ctx context.Context, user core.UserID) (int, error) {
	if ps, ok := r.src.(PositionSource); ok {
		return ps.Position(ctx, user)
	}
	stats, err := r.src.TopByPoints(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("position: %w", err)
	}
	SortStats(stats)
	for i, s := range stats {
		if s.ID == user {
			return i + 1, nil
		}
	}
	return 0, core.ErrUserNotFound
}

// Watch emits the current ranking, then a new one whenever a stats change alters it.
// Bursts of hub events within the debounce window produce a single re-rank. The
// channel closes when ctx is done.
func (r *Ranker) Watch(ctx context.Context, limit int, hub *realtime.Hub) (<-chan []core.LeaderboardEntry, error) {
	first, err := r.Rank(ctx, limit)
	if err != nil {
		return nil, err
	}
	id, events := hub.Subscribe(64, core.EventStatsUpdated, core.EventStreakReset)
	out := make(chan []core.LeaderboardEntry, 1)
	out <- first

	go func() {
		defer close(out)
		defer hub.Unsubscribe(id)
		last := first
		timer := time.NewTimer(r.debounce)
		timer.Stop()
		pending := false
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				if !pending {
					pending = true
					timer.Reset(r.debounce)
				}
			case <-timer.C:
				pending = false
				next, err := r.Rank(ctx, limit)
				if err != nil {
					r.log.Warn("leaderboard watch re-rank failed", "event", "rank_watch_failed", "error", err)
					continue
				}
				if slices.Equal(next, last) {
					continue
				}
				last = next
				select {
				case out <- next:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
