package core

import (
	"errors"
	"math"
	"slices"
	"strings"
	"time"
)

// UserID uniquely identifies a participant.
type UserID string

// Badge represents a named badge identifier.
type Badge string

const (
	BadgeFirstEvent   Badge = "first-event"
	BadgeVolunteer10  Badge = "volunteer-10"
	BadgeVolunteer50  Badge = "volunteer-50"
	BadgeVolunteer100 Badge = "volunteer-100"
	BadgeStreak7      Badge = "streak-7"
	BadgeStreak30     Badge = "streak-30"
)

// UserStats is the durable per-participant gamification record.
// Badges and Level are derived from the other counters and are never set by callers.
type UserStats struct {
	ID              UserID    `json:"id"`
	TotalPoints     int64     `json:"total_points"`
	VolunteerHours  float64   `json:"volunteer_hours"`
	CompletedEvents int64     `json:"completed_events"`
	Badges          []Badge   `json:"badges"`
	Level           int64     `json:"level"`
	Streak          int64     `json:"streak"`
	LastActivity    time.Time `json:"last_activity"`
	CreatedAt       time.Time `json:"created_at"`
	// Version increments on every committed write.
	Version int64 `json:"version"`
}

// NewUserStats returns the registration state for a participant.
func NewUserStats(id UserID, now time.Time) UserStats {
	return UserStats{
		ID:        id,
		Badges:    []Badge{},
		Level:     1,
		CreatedAt: now.UTC(),
	}
}

// Clone returns a deep copy of the stats.
func (s UserStats) Clone() UserStats {
	cp := s
	cp.Badges = slices.Clone(s.Badges)
	if cp.Badges == nil {
		cp.Badges = []Badge{}
	}
	return cp
}

// HasBadge reports whether b is currently held.
func (s UserStats) HasBadge(b Badge) bool {
	return slices.Contains(s.Badges, b)
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, errors.New("integer overflow in AddSafe")
	}
	return base + delta, nil
}

// NormalizeUserID trims and lowercases user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty user id")
	}
	return UserID(strings.ToLower(s)), nil
}

// ValidateBadgeID ensures non-empty badge id with simple charset check.
func ValidateBadgeID(b Badge) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return errors.New("empty badge id")
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			continue
		}
		return errors.New("invalid badge id")
	}
	return nil
}
