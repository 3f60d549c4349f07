package core

import (
	"errors"
	"testing"
	"time"
)

func TestValidateActivity(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bad := []ActivityEvent{
		{Kind: KindDonation, OccurredAt: at},
		{Kind: KindDonation, OccurredAt: at, Completion: &EventCompletion{UserID: "u"}},
		{Kind: "bogus", OccurredAt: at, Donation: &Donation{UserID: "u"}},
		NewReferral("a", "a", at),
		NewEventCompletion("", "e", "o", 1, at),
		{Kind: KindDonation, Donation: &Donation{UserID: "u", Amount: 1}},
		{
			Kind: KindDonation, OccurredAt: at,
			Donation: &Donation{UserID: "u"}, Referral: &Referral{ReferrerID: "a", ReferredUserID: "b"},
		},
	}
	for i, e := range bad {
		if err := e.Validate(); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("case %d: err = %v, want ErrInvalidPayload", i, err)
		}
	}
	if err := NewReferral("a", "b", at).Validate(); err != nil {
		t.Fatalf("valid referral rejected: %v", err)
	}
}

func TestNormalizeActivity(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	e, err := NewReferral(" Alice ", "BOB", time.Date(2024, 1, 1, 1, 0, 0, 0, loc)).Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if e.Subject() != "alice" || e.Referral.ReferredUserID != "bob" {
		t.Fatalf("not normalized: %+v", e.Referral)
	}
	if e.OccurredAt.Location() != time.UTC {
		t.Fatalf("occurred_at not in UTC")
	}
}

func TestEnsureIDDeterministic(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewEventCompletion("u", "e1", "o", 2, at)
	b := NewEventCompletion("u", "e1", "o", 2, at)
	c := NewEventCompletion("u", "e2", "o", 2, at)
	if a.EnsureID() != b.EnsureID() {
		t.Fatal("same event produced different ids")
	}
	if a.EnsureID() == c.EnsureID() {
		t.Fatal("different events share an id")
	}
	a.ID = "given"
	if a.EnsureID() != "given" {
		t.Fatal("caller-supplied id was replaced")
	}
}
