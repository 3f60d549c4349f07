package memory

import (
	"slices"
	"strings"

	"impactkit/core"
	"impactkit/leaderboard"
)

// State is a point-in-time copy of the whole store, used for file persistence.
type State struct {
	Users     []core.UserStats           `json:"users"`
	Activity  []core.ActivityRecord      `json:"activity"`
	Snapshots []core.LeaderboardSnapshot `json:"snapshots"`
}

// Export copies the store contents. Activity keeps commit order.
func (s *Store) Export() State {
	var st State
	s.users.Range(func(_, v any) bool {
		rec := v.(*userRecord)
		rec.mu.Lock()
		st.Users = append(st.Users, rec.stats.Clone())
		rec.mu.Unlock()
		return true
	})
	slices.SortFunc(st.Users, func(a, b core.UserStats) int { return strings.Compare(string(a.ID), string(b.ID)) })

	s.logMu.RLock()
	st.Activity = make([]core.ActivityRecord, 0, len(s.order))
	for _, id := range s.order {
		st.Activity = append(st.Activity, s.log[id])
	}
	s.logMu.RUnlock()

	s.snapMu.RLock()
	for _, snap := range s.snaps {
		st.Snapshots = append(st.Snapshots, snap)
	}
	s.snapMu.RUnlock()
	slices.SortFunc(st.Snapshots, func(a, b core.LeaderboardSnapshot) int { return strings.Compare(a.Key(), b.Key()) })
	return st
}

// Import loads a previously exported state into an empty store.
func (s *Store) Import(st State) {
	for _, u := range st.Users {
		u = u.Clone()
		s.users.Store(u.ID, &userRecord{stats: u})
		s.board.Update(leaderboard.EntryOf(u))
	}
	s.logMu.Lock()
	for _, r := range st.Activity {
		if _, ok := s.log[r.EventID]; ok {
			continue
		}
		s.log[r.EventID] = r
		s.order = append(s.order, r.EventID)
		s.byUser[r.UserID] = append(s.byUser[r.UserID], r.EventID)
	}
	s.logMu.Unlock()
	s.snapMu.Lock()
	for _, snap := range st.Snapshots {
		s.snaps[snap.Key()] = snap
	}
	s.snapMu.Unlock()
}
