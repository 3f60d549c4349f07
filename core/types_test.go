package core

import (
	"math"
	"testing"
	"time"
)

func TestAddSafe(t *testing.T) {
	if v, err := AddSafe(10, 5); err != nil || v != 15 {
		t.Fatalf("got %v %v", v, err)
	}
	if _, err := AddSafe(math.MaxInt64, 1); err == nil {
		t.Fatalf("expected overflow")
	}
}

func TestNormalizeUserID(t *testing.T) {
	id, err := NormalizeUserID(" Alice ")
	if err != nil || id != "alice" {
		t.Fatalf("got %v %v", id, err)
	}
	if _, err := NormalizeUserID("   "); err == nil {
		t.Fatalf("expected empty error")
	}
}

func TestNewUserStats(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	s := NewUserStats("u1", now)
	if s.Level != 1 || s.Streak != 0 || s.TotalPoints != 0 || s.CompletedEvents != 0 {
		t.Fatalf("unexpected registration state %+v", s)
	}
	if s.Badges == nil || len(s.Badges) != 0 {
		t.Fatalf("badges should be empty, got %v", s.Badges)
	}
	if !s.CreatedAt.Equal(now) {
		t.Fatalf("created_at = %v, want %v", s.CreatedAt, now)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := UserStats{ID: "u1", Badges: []Badge{BadgeFirstEvent}}
	cp := s.Clone()
	cp.Badges[0] = BadgeStreak7
	if s.Badges[0] != BadgeFirstEvent {
		t.Fatal("clone shares badge slice")
	}
}

func TestValidateBadgeID(t *testing.T) {
	if err := ValidateBadgeID("onboarded_1"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := ValidateBadgeID("bad badge"); err == nil {
		t.Fatalf("expected invalid badge err")
	}
}
