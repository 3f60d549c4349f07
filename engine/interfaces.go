package engine

import (
	"context"
	"time"

	"impactkit/core"
)

// Storage is the record store behind the aggregator, ranker and scheduler.
// Implementations must make ApplyActivity and ResetStreaks atomic per user.
type Storage interface {
	CreateUser(ctx context.Context, stats core.UserStats) error
	GetStats(ctx context.Context, user core.UserID) (core.UserStats, error)
	// ApplyActivity logs eventID and persists mutate's result in one atomic unit.
	// A previously logged eventID short-circuits with Duplicate set and mutate unused.
	ApplyActivity(ctx context.Context, user core.UserID, eventID string, mutate core.MutateFunc) (core.ApplyResult, error)
	GetActivity(ctx context.Context, eventID string) (core.ActivityRecord, error)
	// ListActivity returns the newest records first; limit <= 0 returns all.
	ListActivity(ctx context.Context, user core.UserID, limit int) ([]core.ActivityRecord, error)

	// TopByPoints returns at least the top limit users by points, plus any users tied
	// with the last one. limit <= 0 returns everyone.
	TopByPoints(ctx context.Context, limit int) ([]core.UserStats, error)
	// ListStale pages ids (ascending, after afterID) with a streak and LastActivity before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, afterID core.UserID, limit int) ([]core.UserID, error)
	// ResetStreaks applies reset to the given users that are still stale at write time
	// and returns those it changed. On error the returned ids, if any, were committed.
	ResetStreaks(ctx context.Context, ids []core.UserID, cutoff time.Time, reset core.StreakResetFunc) ([]core.UserID, error)

	// PutSnapshot stores snap unless its (kind, period start) already exists.
	PutSnapshot(ctx context.Context, snap core.LeaderboardSnapshot) (created bool, err error)
	GetSnapshot(ctx context.Context, kind core.SnapshotKind, periodStart time.Time) (core.LeaderboardSnapshot, error)
	// ListSnapshots returns the newest periods first.
	ListSnapshots(ctx context.Context, kind core.SnapshotKind, limit int) ([]core.LeaderboardSnapshot, error)

	Ping(ctx context.Context) error
}

// Metrics observes aggregator outcomes.
type Metrics interface {
	ActivityApplied(kind core.ActivityKind, points int64)
	ActivityDuplicate(kind core.ActivityKind)
	ActivityConflict(kind core.ActivityKind)
	ActivityFailed(kind core.ActivityKind, reason string)
}

type noopMetrics struct{}

func (noopMetrics) ActivityApplied(core.ActivityKind, int64) {}
func (noopMetrics) ActivityDuplicate(core.ActivityKind)      {}
func (noopMetrics) ActivityConflict(core.ActivityKind)       {}
func (noopMetrics) ActivityFailed(core.ActivityKind, string) {}
