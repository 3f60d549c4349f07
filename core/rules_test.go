package core

import (
	"errors"
	"testing"
	"time"
)

func TestLevelThresholds(t *testing.T) {
	cases := []struct {
		points int64
		want   int64
	}{
		{0, 1}, {99, 1}, {100, 2}, {199, 2}, {250, 3}, {10_000, 101}, {-5, 1},
	}
	r := DefaultRules()
	for _, c := range cases {
		if got := r.Level(c.points); got != c.want {
			t.Errorf("Level(%d) = %d, want %d", c.points, got, c.want)
		}
	}
}

func TestLevelMatchesFormula(t *testing.T) {
	r := DefaultRules()
	for p := int64(0); p < 5000; p += 7 {
		if got, want := r.Level(p), p/100+1; got != want {
			t.Fatalf("Level(%d) = %d, want %d", p, got, want)
		}
	}
}

func TestLevelCapOnlyWhenConfigured(t *testing.T) {
	r := DefaultRules()
	r.MaxLevel = 5
	if got := r.Level(10_000); got != 5 {
		t.Fatalf("capped level = %d, want 5", got)
	}
}

func TestPoints(t *testing.T) {
	at := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	r := DefaultRules()
	cases := []struct {
		name string
		ev   ActivityEvent
		want int64
	}{
		{"completion", NewEventCompletion("u", "ev", "org", 2, at), 70},
		{"completion fractional", NewEventCompletion("u", "ev", "org", 1.55, at), 65},
		{"zero hours", NewEventCompletion("u", "ev", "org", 0, at), 50},
		{"donation", NewDonation("u", "org", 250, at), 250},
		{"donation floor", NewDonation("u", "org", 9.99, at), 9},
		{"referral", NewReferral("a", "b", at), 25},
	}
	for _, c := range cases {
		got, err := r.Points(c.ev)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if got != c.want {
			t.Errorf("%s: points = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestPointsRejectsNegative(t *testing.T) {
	at := time.Now()
	r := DefaultRules()
	if _, err := r.Points(NewEventCompletion("u", "e", "o", -1, at)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("negative hours err = %v", err)
	}
	if _, err := r.Points(NewDonation("u", "o", -0.5, at)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("negative amount err = %v", err)
	}
}

func TestPointsRejectsUnrepresentableAmounts(t *testing.T) {
	at := time.Now()
	r := DefaultRules()
	cases := []struct {
		name string
		ev   ActivityEvent
	}{
		{"donation beyond int64", NewDonation("u", "o", 1e19, at)},
		{"donation at 2^63", NewDonation("u", "o", 9223372036854775808, at)},
		{"hours beyond int64", NewEventCompletion("u", "e", "o", 1e18, at)},
	}
	for _, c := range cases {
		got, err := r.Points(c.ev)
		if !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("%s: points = %d, err = %v; want ErrInvalidPayload", c.name, got, err)
		}
	}

	s := NewUserStats("u", at)
	if _, _, err := r.Step(s, NewDonation("u", "o", 1e19, at)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("step err = %v, want ErrInvalidPayload", err)
	}

	big, err := r.Points(NewDonation("u", "o", 1e15, at))
	if err != nil || big != 1e15 {
		t.Fatalf("large but representable donation = %d, %v", big, err)
	}
}

func TestCustomRulesChangeFormulas(t *testing.T) {
	r := DefaultRules()
	r.BaseEventPoints = 5
	r.HourMultiplier = 1
	got, err := r.Points(NewEventCompletion("u", "e", "o", 3, time.Now()))
	if err != nil || got != 8 {
		t.Fatalf("points = %d, %v; want 8", got, err)
	}
}

func TestRulesValidate(t *testing.T) {
	if err := DefaultRules().Validate(); err != nil {
		t.Fatalf("default rules invalid: %v", err)
	}
	r := DefaultRules()
	r.PointsPerLevel = 0
	r.HourBadges = []Tier{{Threshold: 50, Badge: "a"}, {Threshold: 10, Badge: "b"}}
	if err := r.Validate(); err == nil {
		t.Fatal("expected validation error")
	}

	r = DefaultRules()
	r.DonationMultiplier = 1e300
	if err := r.Validate(); err == nil {
		t.Fatal("expected absurd multiplier to be rejected")
	}
}

func TestDeriveBadgesOneTierPerCategory(t *testing.T) {
	r := DefaultRules()
	for hours := 0.0; hours <= 150; hours += 5 {
		for streak := int64(0); streak <= 40; streak += 3 {
			badges := r.DeriveBadges(UserStats{CompletedEvents: 3, VolunteerHours: hours, Streak: streak})
			seen := map[BadgeCategory]int{}
			for _, b := range badges {
				cat, ok := r.CategoryOf(b)
				if !ok {
					t.Fatalf("unknown badge %s", b)
				}
				seen[cat]++
			}
			for cat, n := range seen {
				if n > 1 {
					t.Fatalf("hours=%v streak=%d: %d badges in %s: %v", hours, streak, n, cat, badges)
				}
			}
		}
	}
}

func TestDeriveBadgesHighestTier(t *testing.T) {
	r := DefaultRules()
	got := r.DeriveBadges(UserStats{CompletedEvents: 1, VolunteerHours: 55, Streak: 31})
	want := []Badge{BadgeFirstEvent, BadgeStreak30, BadgeVolunteer50}
	if len(got) != len(want) {
		t.Fatalf("badges = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("badges = %v, want %v", got, want)
		}
	}
}

func TestDeriveBadgesRegressionRevokes(t *testing.T) {
	r := DefaultRules()
	prev := r.DeriveBadges(UserStats{CompletedEvents: 1, VolunteerHours: 12})
	next := r.DeriveBadges(UserStats{CompletedEvents: 1, VolunteerHours: 8})
	awarded, revoked := BadgeDiff(prev, next)
	if len(awarded) != 0 || len(revoked) != 1 || revoked[0] != BadgeVolunteer10 {
		t.Fatalf("awarded=%v revoked=%v", awarded, revoked)
	}
}
