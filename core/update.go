package core

import (
	"fmt"
	"time"
)

// Step applies one activity event to s and returns the updated stats with the point
// delta. Level, streak and badges are all recomputed; Version is not touched.
func (r Rules) Step(s UserStats, e ActivityEvent) (UserStats, int64, error) {
	delta, err := r.Points(e)
	if err != nil {
		return UserStats{}, 0, err
	}
	next := s.Clone()
	if next.TotalPoints, err = AddSafe(next.TotalPoints, delta); err != nil {
		return UserStats{}, 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	next.VolunteerHours += Hours(e)
	if e.Kind == KindEventCompletion {
		next.CompletedEvents++
	}
	next.Level = r.Level(next.TotalPoints)
	next.Streak, next.LastActivity = NextStreak(s.LastActivity, s.Streak, e.OccurredAt)
	next.Badges = r.DeriveBadges(next)
	return next, delta, nil
}

// Record builds the audit-log entry for an applied event.
func Record(eventID string, e ActivityEvent, delta int64, after UserStats, now time.Time) ActivityRecord {
	return ActivityRecord{
		EventID:     eventID,
		UserID:      after.ID,
		Kind:        e.Kind,
		OccurredAt:  e.OccurredAt.UTC(),
		PointsDelta: delta,
		HoursDelta:  Hours(e),
		Event:       e,
		StatsAfter:  after.Clone(),
		RecordedAt:  now.UTC(),
	}
}

// ResetStreak decays a stale streak to zero and re-derives the streak badges.
func (r Rules) ResetStreak(s UserStats) UserStats {
	next := s.Clone()
	next.Streak = 0
	next.Badges = r.DeriveBadges(next)
	return next
}

// Drift describes how persisted stats differ from a recomputation over the audit log.
type Drift struct {
	Field    string `json:"field"`
	Stored   any    `json:"stored"`
	Computed any    `json:"computed"`
}

// Replay recomputes stats for base.ID from its audit records, given oldest first.
// Streak is not compared for drift because the sweep decays it outside the log.
func (r Rules) Replay(base UserStats, records []ActivityRecord) (UserStats, error) {
	s := NewUserStats(base.ID, base.CreatedAt)
	for _, rec := range records {
		next, _, err := r.Step(s, rec.Event)
		if err != nil {
			return UserStats{}, fmt.Errorf("replay %s: %w", rec.EventID, err)
		}
		s = next
	}
	s.Version = base.Version
	return s, nil
}

// CompareStats lists the derived fields that differ between stored and computed.
func CompareStats(stored, computed UserStats) []Drift {
	var out []Drift
	if stored.TotalPoints != computed.TotalPoints {
		out = append(out, Drift{"total_points", stored.TotalPoints, computed.TotalPoints})
	}
	if stored.VolunteerHours != computed.VolunteerHours {
		out = append(out, Drift{"volunteer_hours", stored.VolunteerHours, computed.VolunteerHours})
	}
	if stored.CompletedEvents != computed.CompletedEvents {
		out = append(out, Drift{"completed_events", stored.CompletedEvents, computed.CompletedEvents})
	}
	if stored.Level != computed.Level {
		out = append(out, Drift{"level", stored.Level, computed.Level})
	}
	return out
}
