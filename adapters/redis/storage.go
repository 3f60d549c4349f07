package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"impactkit/core"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// KeyPrefix namespaces every key, e.g. "impactkit:".
	KeyPrefix string
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store implements engine.Storage on Redis.
// Data structure:
//   - user:{id}:stats -> JSON UserStats
//   - user:{id}:activity -> list of event ids, newest first
//   - activity:{event_id} -> JSON ActivityRecord
//   - leaderboard:points -> sorted set of ids by total points
//   - streaks:active -> sorted set of ids with a streak, scored by last activity (unix ms)
//   - snapshot:{kind}:{date} -> JSON LeaderboardSnapshot
//   - snapshots:{kind} -> sorted set of snapshot keys by period start
type Store struct {
	client *redis.Client
	prefix string
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client, prefix: config.KeyPrefix}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) statsKey(id core.UserID) string { return s.prefix + "user:" + string(id) + ":stats" }
func (s *Store) historyKey(id core.UserID) string {
	return s.prefix + "user:" + string(id) + ":activity"
}
func (s *Store) activityKey(eventID string) string { return s.prefix + "activity:" + eventID }
func (s *Store) pointsKey() string                 { return s.prefix + "leaderboard:points" }
func (s *Store) streaksKey() string                { return s.prefix + "streaks:active" }
func (s *Store) snapshotKey(key string) string     { return s.prefix + "snapshot:" + key }
func (s *Store) snapshotIndexKey(kind core.SnapshotKind) string {
	return s.prefix + "snapshots:" + string(kind)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", core.ErrStoreUnavailable, op, err)
}

func (s *Store) CreateUser(ctx context.Context, stats core.UserStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.statsKey(stats.ID), data, 0).Result()
	if err != nil {
		return unavailable("create user", err)
	}
	if !ok {
		return core.ErrUserExists
	}
	if err := s.client.ZAdd(ctx, s.pointsKey(), redis.Z{Score: float64(stats.TotalPoints), Member: string(stats.ID)}).Err(); err != nil {
		return unavailable("index user", err)
	}
	return nil
}

func (s *Store) GetStats(ctx context.Context, id core.UserID) (core.UserStats, error) {
	return s.getStats(ctx, s.client, id)
}

func (s *Store) getStats(ctx context.Context, c redis.Cmdable, id core.UserID) (core.UserStats, error) {
	data, err := c.Get(ctx, s.statsKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.UserStats{}, core.ErrUserNotFound
	}
	if err != nil {
		return core.UserStats{}, unavailable("get stats", err)
	}
	var stats core.UserStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return core.UserStats{}, fmt.Errorf("decode stats %s: %w", id, err)
	}
	return stats, nil
}

func (s *Store) getRecord(ctx context.Context, c redis.Cmdable, eventID string) (core.ActivityRecord, bool, error) {
	data, err := c.Get(ctx, s.activityKey(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.ActivityRecord{}, false, nil
	}
	if err != nil {
		return core.ActivityRecord{}, false, unavailable("get activity", err)
	}
	var rec core.ActivityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return core.ActivityRecord{}, false, fmt.Errorf("decode activity %s: %w", eventID, err)
	}
	return rec, true, nil
}

// indexStats queues the sorted-set updates that follow a stats write.
func (s *Store) indexStats(ctx context.Context, p redis.Pipeliner, stats core.UserStats) {
	p.ZAdd(ctx, s.pointsKey(), redis.Z{Score: float64(stats.TotalPoints), Member: string(stats.ID)})
	if stats.Streak > 0 && !stats.LastActivity.IsZero() {
		p.ZAdd(ctx, s.streaksKey(), redis.Z{Score: float64(stats.LastActivity.UnixMilli()), Member: string(stats.ID)})
	} else {
		p.ZRem(ctx, s.streaksKey(), string(stats.ID))
	}
}

// ApplyActivity runs mutate inside a WATCH/MULTI transaction over the user's stats and
// the event's log key. A concurrent writer aborts the transaction with
// core.ErrConcurrencyConflict.
func (s *Store) ApplyActivity(ctx context.Context, id core.UserID, eventID string, mutate core.MutateFunc) (core.ApplyResult, error) {
	var res core.ApplyResult
	var domainErr error
	txf := func(tx *redis.Tx) error {
		if rec, ok, err := s.getRecord(ctx, tx, eventID); err != nil {
			return err
		} else if ok {
			res = core.ApplyResult{Stats: rec.StatsAfter, Record: rec, Duplicate: true}
			return nil
		}
		cur, err := s.getStats(ctx, tx, id)
		if err != nil {
			domainErr = err
			return nil
		}
		next, rec, err := mutate(cur)
		if err != nil {
			domainErr = err
			return nil
		}
		statsData, err := json.Marshal(next)
		if err != nil {
			return err
		}
		recData, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.statsKey(id), statsData, 0)
			p.Set(ctx, s.activityKey(eventID), recData, 0)
			p.LPush(ctx, s.historyKey(id), eventID)
			s.indexStats(ctx, p, next)
			return nil
		})
		if err != nil {
			return err
		}
		res = core.ApplyResult{Stats: next, Record: rec}
		return nil
	}

	err := s.client.Watch(ctx, txf, s.statsKey(id), s.activityKey(eventID))
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return core.ApplyResult{}, core.ErrConcurrencyConflict
	case errors.Is(err, core.ErrStoreUnavailable):
		return core.ApplyResult{}, err
	case err != nil:
		return core.ApplyResult{}, unavailable("apply activity", err)
	case domainErr != nil:
		return core.ApplyResult{}, domainErr
	}
	return res, nil
}

func (s *Store) GetActivity(ctx context.Context, eventID string) (core.ActivityRecord, error) {
	rec, ok, err := s.getRecord(ctx, s.client, eventID)
	if err != nil {
		return core.ActivityRecord{}, err
	}
	if !ok {
		return core.ActivityRecord{}, core.ErrActivityNotFound
	}
	return rec, nil
}

func (s *Store) ListActivity(ctx context.Context, id core.UserID, limit int) ([]core.ActivityRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.LRange(ctx, s.historyKey(id), 0, stop).Result()
	if err != nil {
		return nil, unavailable("list activity", err)
	}
	if len(ids) == 0 {
		return []core.ActivityRecord{}, nil
	}
	keys := make([]string, len(ids))
	for i, eid := range ids {
		keys[i] = s.activityKey(eid)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("load activity", err)
	}
	out := make([]core.ActivityRecord, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec core.ActivityRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode activity: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) loadStats(ctx context.Context, ids []string) ([]core.UserStats, error) {
	if len(ids) == 0 {
		return []core.UserStats{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.statsKey(core.UserID(id))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("load stats", err)
	}
	out := make([]core.UserStats, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var st core.UserStats
		if err := json.Unmarshal([]byte(str), &st); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}

// TopByPoints reads the top of the points index and widens the page to every member
// tied with the last score so ties can be broken on last activity.
func (s *Store) TopByPoints(ctx context.Context, limit int) ([]core.UserStats, error) {
	if limit <= 0 {
		ids, err := s.client.ZRevRange(ctx, s.pointsKey(), 0, -1).Result()
		if err != nil {
			return nil, unavailable("top by points", err)
		}
		return s.loadStats(ctx, ids)
	}
	top, err := s.client.ZRevRangeWithScores(ctx, s.pointsKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable("top by points", err)
	}
	if len(top) == 0 {
		return []core.UserStats{}, nil
	}
	boundary := strconv.FormatFloat(top[len(top)-1].Score, 'f', -1, 64)
	ties, err := s.client.ZRangeByScore(ctx, s.pointsKey(), &redis.ZRangeBy{Min: boundary, Max: boundary}).Result()
	if err != nil {
		return nil, unavailable("top by points ties", err)
	}
	ids := make([]string, 0, len(top)+len(ties))
	for _, z := range top {
		ids = append(ids, z.Member.(string))
	}
	for _, id := range ties {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return s.loadStats(ctx, ids)
}

func (s *Store) ListStale(ctx context.Context, cutoff time.Time, afterID core.UserID, limit int) ([]core.UserID, error) {
	members, err := s.client.ZRangeByScore(ctx, s.streaksKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable("list stale", err)
	}
	ids := make([]core.UserID, 0, len(members))
	for _, m := range members {
		if id := core.UserID(m); id > afterID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// watchGroup bounds how many stats keys one WATCH covers during a sweep; a concurrent
// write to one participant then only aborts its own group.
const watchGroup = 50

const resetAttempts = 3

// ResetStreaks resets the batch in groups of watchGroup ids, each group in its own
// WATCH/MULTI. A group that keeps conflicting stops the batch; the ids changed by
// earlier groups are still returned with the error.
func (s *Store) ResetStreaks(ctx context.Context, ids []core.UserID, cutoff time.Time, reset core.StreakResetFunc) ([]core.UserID, error) {
	var changed []core.UserID
	for start := 0; start < len(ids); start += watchGroup {
		group := ids[start:min(start+watchGroup, len(ids))]
		var (
			done []core.UserID
			err  error
		)
		for attempt := 0; attempt < resetAttempts; attempt++ {
			done, err = s.resetGroup(ctx, group, cutoff, reset)
			if !errors.Is(err, core.ErrConcurrencyConflict) {
				break
			}
		}
		if err != nil {
			return changed, err
		}
		changed = append(changed, done...)
	}
	return changed, nil
}

func (s *Store) resetGroup(ctx context.Context, ids []core.UserID, cutoff time.Time, reset core.StreakResetFunc) ([]core.UserID, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.statsKey(id)
	}
	var changed []core.UserID
	txf := func(tx *redis.Tx) error {
		changed = changed[:0]
		var updates []core.UserStats
		for _, id := range ids {
			cur, err := s.getStats(ctx, tx, id)
			if errors.Is(err, core.ErrUserNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if cur.Streak <= 0 || cur.LastActivity.IsZero() || !cur.LastActivity.Before(cutoff) {
				continue
			}
			next := reset(cur)
			next.Version = cur.Version + 1
			updates = append(updates, next)
			changed = append(changed, id)
		}
		if len(updates) == 0 {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, u := range updates {
				data, err := json.Marshal(u)
				if err != nil {
					return err
				}
				p.Set(ctx, s.statsKey(u.ID), data, 0)
				s.indexStats(ctx, p, u)
			}
			return nil
		})
		return err
	}
	err := s.client.Watch(ctx, txf, keys...)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return nil, core.ErrConcurrencyConflict
	case errors.Is(err, core.ErrStoreUnavailable):
		return nil, err
	case err != nil:
		return nil, unavailable("reset streaks", err)
	}
	return changed, nil
}

func (s *Store) PutSnapshot(ctx context.Context, snap core.LeaderboardSnapshot) (bool, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return false, err
	}
	key := snap.Key()
	ok, err := s.client.SetNX(ctx, s.snapshotKey(key), data, 0).Result()
	if err != nil {
		return false, unavailable("put snapshot", err)
	}
	// the index write is idempotent, so it is repeated even when the snapshot already exists
	if err := s.client.ZAdd(ctx, s.snapshotIndexKey(snap.Kind), redis.Z{Score: float64(snap.PeriodStart.Unix()), Member: key}).Err(); err != nil {
		return false, unavailable("index snapshot", err)
	}
	return ok, nil
}

func (s *Store) GetSnapshot(ctx context.Context, kind core.SnapshotKind, periodStart time.Time) (core.LeaderboardSnapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(core.SnapshotKey(kind, periodStart))).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.LeaderboardSnapshot{}, core.ErrSnapshotNotFound
	}
	if err != nil {
		return core.LeaderboardSnapshot{}, unavailable("get snapshot", err)
	}
	var snap core.LeaderboardSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return core.LeaderboardSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, kind core.SnapshotKind, limit int) ([]core.LeaderboardSnapshot, error) {
	kinds := []core.SnapshotKind{kind}
	if kind == "" {
		kinds = []core.SnapshotKind{core.SnapshotWeekly, core.SnapshotMonthly}
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	var out []core.LeaderboardSnapshot
	for _, k := range kinds {
		keys, err := s.client.ZRevRange(ctx, s.snapshotIndexKey(k), 0, stop).Result()
		if err != nil {
			return nil, unavailable("list snapshots", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, s.snapshotKey(key)).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, unavailable("load snapshot", err)
			}
			var snap core.LeaderboardSnapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return nil, fmt.Errorf("decode snapshot: %w", err)
			}
			out = append(out, snap)
		}
	}
	slices.SortStableFunc(out, func(a, b core.LeaderboardSnapshot) int { return b.PeriodStart.Compare(a.PeriodStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
