package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"impactkit/core"
	"impactkit/leaderboard"
)

// Store is a concurrent in-memory Storage implementation. Each user record has its own
// lock; the audit log and the ranking index are shared.
type Store struct {
	users sync.Map // map[core.UserID]*userRecord

	logMu  sync.RWMutex
	log    map[string]core.ActivityRecord
	order  []string
	byUser map[core.UserID][]string

	board *leaderboard.SkipList

	snapMu sync.RWMutex
	snaps  map[string]core.LeaderboardSnapshot

	onCommit func() error
}

type userRecord struct {
	mu    sync.Mutex
	stats core.UserStats
}

func New() *Store {
	return &Store{
		log:    map[string]core.ActivityRecord{},
		byUser: map[core.UserID][]string{},
		board:  leaderboard.NewSkipList(),
		snaps:  map[string]core.LeaderboardSnapshot{},
	}
}

// OnCommit registers a hook run after every committed write. A hook error is
// reported to the writer; the in-memory change is kept.
func (s *Store) OnCommit(fn func() error) { s.onCommit = fn }

func (s *Store) committed() error {
	if s.onCommit == nil {
		return nil
	}
	if err := s.onCommit(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) load(user core.UserID) (*userRecord, bool) {
	v, ok := s.users.Load(user)
	if !ok {
		return nil, false
	}
	return v.(*userRecord), true
}

func (s *Store) CreateUser(_ context.Context, stats core.UserStats) error {
	rec := &userRecord{stats: stats.Clone()}
	if _, loaded := s.users.LoadOrStore(stats.ID, rec); loaded {
		return core.ErrUserExists
	}
	s.board.Update(leaderboard.EntryOf(stats))
	return s.committed()
}

func (s *Store) GetStats(_ context.Context, user core.UserID) (core.UserStats, error) {
	rec, ok := s.load(user)
	if !ok {
		return core.UserStats{}, core.ErrUserNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.stats.Clone(), nil
}

func (s *Store) lookup(eventID string) (core.ActivityRecord, bool) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	r, ok := s.log[eventID]
	return r, ok
}

func duplicate(r core.ActivityRecord) core.ApplyResult {
	return core.ApplyResult{Stats: r.StatsAfter.Clone(), Record: r, Duplicate: true}
}

func (s *Store) ApplyActivity(_ context.Context, user core.UserID, eventID string, mutate core.MutateFunc) (core.ApplyResult, error) {
	if r, ok := s.lookup(eventID); ok {
		return duplicate(r), nil
	}
	rec, ok := s.load(user)
	if !ok {
		return core.ApplyResult{}, core.ErrUserNotFound
	}
	res, err := s.applyLocked(rec, user, eventID, mutate)
	if err != nil || res.Duplicate {
		return res, err
	}
	// the commit hook may read every record, so it runs after the user lock is released
	if err := s.committed(); err != nil {
		return core.ApplyResult{}, err
	}
	return res, nil
}

func (s *Store) applyLocked(rec *userRecord, user core.UserID, eventID string, mutate core.MutateFunc) (core.ApplyResult, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	next, record, err := mutate(rec.stats.Clone())
	if err != nil {
		return core.ApplyResult{}, err
	}

	s.logMu.Lock()
	if r, ok := s.log[eventID]; ok {
		s.logMu.Unlock()
		return duplicate(r), nil
	}
	s.log[eventID] = record
	s.order = append(s.order, eventID)
	s.byUser[user] = append(s.byUser[user], eventID)
	s.logMu.Unlock()

	rec.stats = next.Clone()
	s.board.Update(leaderboard.EntryOf(next))
	return core.ApplyResult{Stats: next, Record: record}, nil
}

func (s *Store) GetActivity(_ context.Context, eventID string) (core.ActivityRecord, error) {
	r, ok := s.lookup(eventID)
	if !ok {
		return core.ActivityRecord{}, core.ErrActivityNotFound
	}
	return r, nil
}

func (s *Store) ListActivity(_ context.Context, user core.UserID, limit int) ([]core.ActivityRecord, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	ids := s.byUser[user]
	n := len(ids)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]core.ActivityRecord, 0, n)
	for i := len(ids) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.log[ids[i]])
	}
	return out, nil
}

func (s *Store) TopByPoints(_ context.Context, limit int) ([]core.UserStats, error) {
	var entries []leaderboard.Entry
	if limit <= 0 {
		entries = s.board.All()
	} else {
		entries = s.board.TopN(limit)
	}
	out := make([]core.UserStats, 0, len(entries))
	for _, e := range entries {
		rec, ok := s.load(e.User)
		if !ok {
			continue
		}
		rec.mu.Lock()
		out = append(out, rec.stats.Clone())
		rec.mu.Unlock()
	}
	return out, nil
}

// Position answers rank lookups from the ordered index.
func (s *Store) Position(_ context.Context, user core.UserID) (int, error) {
	pos, ok := s.board.Position(user)
	if !ok {
		return 0, core.ErrUserNotFound
	}
	return pos, nil
}

func (s *Store) ListStale(_ context.Context, cutoff time.Time, afterID core.UserID, limit int) ([]core.UserID, error) {
	var ids []core.UserID
	s.users.Range(func(k, v any) bool {
		id := k.(core.UserID)
		if id <= afterID {
			return true
		}
		rec := v.(*userRecord)
		rec.mu.Lock()
		stale := isStale(rec.stats, cutoff)
		rec.mu.Unlock()
		if stale {
			ids = append(ids, id)
		}
		return true
	})
	slices.Sort(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func isStale(s core.UserStats, cutoff time.Time) bool {
	return s.Streak > 0 && !s.LastActivity.IsZero() && s.LastActivity.Before(cutoff)
}

func (s *Store) ResetStreaks(_ context.Context, ids []core.UserID, cutoff time.Time, reset core.StreakResetFunc) ([]core.UserID, error) {
	var changed []core.UserID
	for _, id := range ids {
		rec, ok := s.load(id)
		if !ok {
			continue
		}
		rec.mu.Lock()
		if isStale(rec.stats, cutoff) {
			next := reset(rec.stats.Clone())
			next.Version = rec.stats.Version + 1
			rec.stats = next
			changed = append(changed, id)
		}
		rec.mu.Unlock()
	}
	if len(changed) == 0 {
		return nil, nil
	}
	return changed, s.committed()
}

func (s *Store) PutSnapshot(_ context.Context, snap core.LeaderboardSnapshot) (bool, error) {
	s.snapMu.Lock()
	key := snap.Key()
	if _, ok := s.snaps[key]; ok {
		s.snapMu.Unlock()
		return false, nil
	}
	snap.Entries = slices.Clone(snap.Entries)
	s.snaps[key] = snap
	s.snapMu.Unlock()
	return true, s.committed()
}

func (s *Store) GetSnapshot(_ context.Context, kind core.SnapshotKind, periodStart time.Time) (core.LeaderboardSnapshot, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	snap, ok := s.snaps[core.SnapshotKey(kind, periodStart)]
	if !ok {
		return core.LeaderboardSnapshot{}, core.ErrSnapshotNotFound
	}
	snap.Entries = slices.Clone(snap.Entries)
	return snap, nil
}

func (s *Store) ListSnapshots(_ context.Context, kind core.SnapshotKind, limit int) ([]core.LeaderboardSnapshot, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	var out []core.LeaderboardSnapshot
	for _, snap := range s.snaps {
		if kind == "" || snap.Kind == kind {
			snap.Entries = slices.Clone(snap.Entries)
			out = append(out, snap)
		}
	}
	slices.SortFunc(out, func(a, b core.LeaderboardSnapshot) int {
		if c := b.PeriodStart.Compare(a.PeriodStart); c != 0 {
			return c
		}
		return strings.Compare(string(a.Kind), string(b.Kind))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }
