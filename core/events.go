package core

import "time"

// EventType enumerates domain notifications published after a committed change.
type EventType string

const (
	EventStatsUpdated    EventType = "stats_updated"
	EventLevelUp         EventType = "level_up"
	EventBadgeAwarded    EventType = "badge_awarded"
	EventBadgeRevoked    EventType = "badge_revoked"
	EventStreakReset     EventType = "streak_reset"
	EventSnapshotCreated EventType = "snapshot_created"
)

// Event represents an immutable domain notification.
type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	UserID   UserID         `json:"user_id,omitempty"`
	EventID  string         `json:"event_id,omitempty"`
	Delta    int64          `json:"delta,omitempty"`
	Total    int64          `json:"total,omitempty"`
	Badge    Badge          `json:"badge,omitempty"`
	Level    int64          `json:"level,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func NewStatsUpdated(s UserStats, eventID string, delta int64) Event {
	return Event{Type: EventStatsUpdated, Time: time.Now().UTC(), UserID: s.ID, EventID: eventID, Delta: delta, Total: s.TotalPoints, Level: s.Level}
}

func NewLevelUp(user UserID, level int64) Event {
	return Event{Type: EventLevelUp, Time: time.Now().UTC(), UserID: user, Level: level}
}

func NewBadgeAwarded(user UserID, badge Badge) Event {
	return Event{Type: EventBadgeAwarded, Time: time.Now().UTC(), UserID: user, Badge: badge}
}

func NewBadgeRevoked(user UserID, badge Badge) Event {
	return Event{Type: EventBadgeRevoked, Time: time.Now().UTC(), UserID: user, Badge: badge}
}

func NewStreakReset(user UserID) Event {
	return Event{Type: EventStreakReset, Time: time.Now().UTC(), UserID: user}
}

func NewSnapshotCreated(s LeaderboardSnapshot) Event {
	return Event{
		Type: EventSnapshotCreated,
		Time: time.Now().UTC(),
		Metadata: map[string]any{
			"kind":         string(s.Kind),
			"period_start": s.PeriodStart.Format(PeriodLayout),
			"entries":      len(s.Entries),
		},
	}
}
