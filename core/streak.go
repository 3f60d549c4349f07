package core

import "time"

// StreakWindow is one calendar day: a streak survives a day without activity and the
// daily sweep decays it once a second day has started.
const StreakWindow = 24 * time.Hour

// StreakState classifies a participant's streak at a given instant.
type StreakState int

const (
	NoActivity StreakState = iota
	ActiveToday
	Building
)

func (s StreakState) String() string {
	switch s {
	case NoActivity:
		return "no_activity"
	case ActiveToday:
		return "active_today"
	case Building:
		return "building"
	}
	return "unknown"
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween counts calendar days from a to b in UTC.
func daysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// ClassifyStreak reports the streak state of s as seen at now. An expired streak the
// sweep has not reached yet already counts as NoActivity.
func ClassifyStreak(s UserStats, now time.Time) StreakState {
	if s.Streak == 0 || s.LastActivity.IsZero() || StreakExpired(s.LastActivity, now) {
		return NoActivity
	}
	if daysBetween(s.LastActivity, now) == 0 {
		return ActiveToday
	}
	return Building
}

// NextStreak returns the streak and last-activity instant after an event at t.
// Same-day events never double count, the following day extends the streak and any
// longer gap restarts it at 1. Events older than the last activity day are late
// deliveries: they leave both values untouched.
func NextStreak(last time.Time, streak int64, t time.Time) (int64, time.Time) {
	t = t.UTC()
	if last.IsZero() {
		return 1, t
	}
	gap := daysBetween(last, t)
	switch {
	case gap < 0:
		return streak, last
	case gap == 0:
		if t.After(last) {
			last = t
		}
		return max(streak, 1), last
	case gap == 1:
		return streak + 1, t
	default:
		return 1, t
	}
}

// StreakCutoff is the sweep boundary at now: the start of the previous UTC day.
// Activity before it missed a whole calendar day, so its streak can never continue.
func StreakCutoff(now time.Time) time.Time {
	return Day(now).Add(-StreakWindow)
}

// StreakExpired is the sweep predicate. Activity yesterday keeps the streak alive
// for all of today, whatever hour the sweep runs.
func StreakExpired(last time.Time, now time.Time) bool {
	if last.IsZero() {
		return false
	}
	return last.Before(StreakCutoff(now))
}
