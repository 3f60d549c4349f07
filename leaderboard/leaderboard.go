package leaderboard

import (
	"cmp"
	"slices"
	"time"

	"impactkit/core"
)

// Entry is the ordering key of one participant.
type Entry struct {
	User         core.UserID
	Score        int64
	LastActivity time.Time
}

// EntryOf extracts the ordering key from stats.
func EntryOf(s core.UserStats) Entry {
	return Entry{User: s.ID, Score: s.TotalPoints, LastActivity: s.LastActivity}
}

// Compare orders by score descending, then earlier last activity, then user id.
func Compare(a, b Entry) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := a.LastActivity.Compare(b.LastActivity); c != 0 {
		return c
	}
	return cmp.Compare(a.User, b.User)
}

// SortStats sorts stats in ranking order in place.
func SortStats(stats []core.UserStats) {
	slices.SortFunc(stats, func(a, b core.UserStats) int { return Compare(EntryOf(a), EntryOf(b)) })
}

// Board abstracts an ordered in-memory ranking index.
type Board interface {
	Update(e Entry)
	Remove(user core.UserID)
	TopN(n int) []Entry
	Get(user core.UserID) (Entry, bool)
	Position(user core.UserID) (int, bool)
	Len() int
}
