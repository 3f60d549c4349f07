package core

// MutateFunc computes the next stats and the audit record from the current stats.
// Stores call it inside their atomic unit, possibly more than once when an optimistic
// transaction is retried.
type MutateFunc func(current UserStats) (UserStats, ActivityRecord, error)

// ApplyResult is what a store reports for one ApplyActivity call.
type ApplyResult struct {
	Stats  UserStats
	Record ActivityRecord
	// Duplicate is set when the event id was already logged; Stats is then the
	// result persisted by the first delivery.
	Duplicate bool
}

// StreakResetFunc rewrites the stats of a user whose streak has gone stale.
type StreakResetFunc func(UserStats) UserStats
