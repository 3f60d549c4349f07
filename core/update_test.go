package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepCompletionScenario(t *testing.T) {
	r := DefaultRules()
	at := time.Date(2024, 2, 1, 15, 0, 0, 0, time.UTC)
	s := NewUserStats("u1", at.Add(-time.Hour))

	next, delta, err := r.Step(s, NewEventCompletion("u1", "ev-1", "org-1", 2, at))
	require.NoError(t, err)
	assert.Equal(t, int64(70), delta)
	assert.Equal(t, int64(70), next.TotalPoints)
	assert.Equal(t, 2.0, next.VolunteerHours)
	assert.Equal(t, int64(1), next.CompletedEvents)
	assert.Equal(t, int64(1), next.Level)
	assert.Equal(t, []Badge{BadgeFirstEvent}, next.Badges)
	assert.Equal(t, int64(1), next.Streak)
	assert.True(t, next.LastActivity.Equal(at))
	assert.Empty(t, s.Badges, "input must not be mutated")
}

func TestStepDonationScenario(t *testing.T) {
	r := DefaultRules()
	s := NewUserStats("u1", time.Now())
	next, delta, err := r.Step(s, NewDonation("u1", "org", 250, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(250), delta)
	assert.Equal(t, int64(250), next.TotalPoints)
	assert.Equal(t, int64(3), next.Level)
	assert.Zero(t, next.CompletedEvents)
	assert.Zero(t, next.VolunteerHours)
	assert.Empty(t, next.Badges)
}

func TestStepInvalid(t *testing.T) {
	_, _, err := DefaultRules().Step(NewUserStats("u", time.Now()), NewEventCompletion("u", "e", "o", -2, time.Now()))
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestResetStreakRederivesBadges(t *testing.T) {
	r := DefaultRules()
	s := UserStats{ID: "u", CompletedEvents: 1, Streak: 8}
	s.Badges = r.DeriveBadges(s)
	require.Contains(t, s.Badges, BadgeStreak7)

	out := r.ResetStreak(s)
	assert.Zero(t, out.Streak)
	assert.NotContains(t, out.Badges, BadgeStreak7)
	assert.Contains(t, out.Badges, BadgeFirstEvent)
}

func TestReplayMatchesIncremental(t *testing.T) {
	r := DefaultRules()
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	s := NewUserStats("u1", start)
	events := []ActivityEvent{
		NewEventCompletion("u1", "a", "o", 3, start),
		NewDonation("u1", "o", 40, start.Add(time.Hour)),
		NewReferral("u1", "u2", start.AddDate(0, 0, 1)),
		NewEventCompletion("u1", "b", "o", 8, start.AddDate(0, 0, 2)),
	}
	var records []ActivityRecord
	for i, e := range events {
		next, delta, err := r.Step(s, e)
		require.NoError(t, err)
		next.Version = s.Version + 1
		records = append(records, Record(e.EnsureID(), e, delta, next, start.Add(time.Duration(i)*time.Minute)))
		s = next
	}

	got, err := r.Replay(s, records)
	require.NoError(t, err)
	assert.Empty(t, CompareStats(s, got))
	assert.Equal(t, s.Badges, got.Badges)

	s.TotalPoints += 10
	drift := CompareStats(s, got)
	require.Len(t, drift, 1)
	assert.Equal(t, "total_points", drift[0].Field)
}
