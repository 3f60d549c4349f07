package leaderboard

import (
	"fmt"
	"testing"
	"time"

	"impactkit/core"
)

func TestSkipListBasic(t *testing.T) {
	s := NewSkipList()
	s.Update(Entry{User: "a", Score: 10})
	s.Update(Entry{User: "b", Score: 20})
	s.Update(Entry{User: "c", Score: 15})
	top := s.TopN(3)
	if len(top) != 3 || top[0].User != "b" || top[1].User != "c" || top[2].User != "a" {
		t.Fatalf("unexpected order: %#v", top)
	}
	s.Update(Entry{User: "a", Score: 25})
	top = s.TopN(1)
	if top[0].User != "a" {
		t.Fatalf("top should be a, got %#v", top)
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3", s.Len())
	}
}

func TestSkipListTieBreak(t *testing.T) {
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSkipList()
	s.Update(Entry{User: "z", Score: 50, LastActivity: early})
	s.Update(Entry{User: "b", Score: 50, LastActivity: early.Add(time.Hour)})
	s.Update(Entry{User: "a", Score: 50, LastActivity: early.Add(time.Hour)})
	got := s.All()
	want := []core.UserID{"z", "a", "b"}
	for i := range want {
		if got[i].User != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSkipListPosition(t *testing.T) {
	s := NewSkipList()
	for i := 0; i < 200; i++ {
		s.Update(Entry{User: core.UserID(fmt.Sprintf("u%03d", i)), Score: int64(i)})
	}
	// Churn a few users to exercise span maintenance.
	s.Update(Entry{User: "u010", Score: 1000})
	s.Remove("u199")
	s.Update(Entry{User: "u198", Score: -1})

	all := s.All()
	if len(all) != s.Len() || s.Len() != 199 {
		t.Fatalf("len = %d, all = %d", s.Len(), len(all))
	}
	for i, e := range all {
		pos, ok := s.Position(e.User)
		if !ok || pos != i+1 {
			t.Fatalf("Position(%s) = %d %v, want %d", e.User, pos, ok, i+1)
		}
	}
	if _, ok := s.Position("missing"); ok {
		t.Fatal("missing user has a position")
	}
}
