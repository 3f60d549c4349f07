package core

import (
	"fmt"
	"time"
)

// LeaderboardEntry is one ranked row of a leaderboard.
type LeaderboardEntry struct {
	UserID          UserID  `json:"user_id"`
	Rank            int     `json:"rank"`
	TotalPoints     int64   `json:"total_points"`
	VolunteerHours  float64 `json:"volunteer_hours"`
	CompletedEvents int64   `json:"completed_events"`
}

// SnapshotKind is the reporting period of a snapshot.
type SnapshotKind string

const (
	SnapshotWeekly  SnapshotKind = "weekly"
	SnapshotMonthly SnapshotKind = "monthly"
)

// ParseSnapshotKind validates a kind received from a caller.
func ParseSnapshotKind(s string) (SnapshotKind, error) {
	switch SnapshotKind(s) {
	case SnapshotWeekly, SnapshotMonthly:
		return SnapshotKind(s), nil
	}
	return "", fmt.Errorf("unknown snapshot kind %q", s)
}

// PeriodStart returns the start of the period containing t: Monday 00:00 UTC of the
// ISO week for weekly, the first of the month 00:00 UTC for monthly.
func (k SnapshotKind) PeriodStart(t time.Time) time.Time {
	d := Day(t)
	switch k {
	case SnapshotMonthly:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		offset := (int(d.Weekday()) + 6) % 7
		return d.AddDate(0, 0, -offset)
	}
}

// LeaderboardSnapshot is an immutable capture of the top of the leaderboard for one
// period. At most one snapshot exists per (Kind, PeriodStart).
type LeaderboardSnapshot struct {
	Kind        SnapshotKind       `json:"kind"`
	PeriodStart time.Time          `json:"period_start"`
	CapturedAt  time.Time          `json:"captured_at"`
	Entries     []LeaderboardEntry `json:"entries"`
}

// PeriodLayout formats period starts in keys and URLs.
const PeriodLayout = "2006-01-02"

// SnapshotKey builds the storage key for a snapshot period.
func SnapshotKey(kind SnapshotKind, periodStart time.Time) string {
	return string(kind) + ":" + periodStart.UTC().Format(PeriodLayout)
}

// Key returns the idempotency key of the snapshot.
func (s LeaderboardSnapshot) Key() string { return SnapshotKey(s.Kind, s.PeriodStart) }
