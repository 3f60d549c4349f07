package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActivityKind tags the variant carried by an ActivityEvent.
type ActivityKind string

const (
	KindEventCompletion ActivityKind = "event_completion"
	KindDonation        ActivityKind = "donation"
	KindReferral        ActivityKind = "referral"
)

// EventCompletion records a participant finishing a volunteer event.
type EventCompletion struct {
	UserID        UserID  `json:"user_id"`
	SourceEventID string  `json:"source_event_id"`
	SourceOrgID   string  `json:"source_org_id"`
	HoursSpent    float64 `json:"hours_spent"`
}

// Donation records a pre-validated donation amount.
type Donation struct {
	UserID      UserID  `json:"user_id"`
	SourceOrgID string  `json:"source_org_id"`
	Amount      float64 `json:"amount"`
}

// Referral credits ReferrerID for bringing in ReferredUserID.
type Referral struct {
	ReferrerID     UserID `json:"referrer_id"`
	ReferredUserID UserID `json:"referred_user_id"`
}

// ActivityEvent is an immutable point-earning action. Exactly one payload is set and
// it must match Kind.
type ActivityEvent struct {
	ID         string           `json:"id,omitempty"`
	Kind       ActivityKind     `json:"kind"`
	OccurredAt time.Time        `json:"occurred_at"`
	Completion *EventCompletion `json:"completion,omitempty"`
	Donation   *Donation        `json:"donation,omitempty"`
	Referral   *Referral        `json:"referral,omitempty"`
}

// NewEventCompletion builds a completion event occurring at t.
func NewEventCompletion(user UserID, sourceEventID, sourceOrgID string, hours float64, t time.Time) ActivityEvent {
	return ActivityEvent{
		Kind:       KindEventCompletion,
		OccurredAt: t.UTC(),
		Completion: &EventCompletion{UserID: user, SourceEventID: sourceEventID, SourceOrgID: sourceOrgID, HoursSpent: hours},
	}
}

// NewDonation builds a donation event occurring at t.
func NewDonation(user UserID, sourceOrgID string, amount float64, t time.Time) ActivityEvent {
	return ActivityEvent{
		Kind:       KindDonation,
		OccurredAt: t.UTC(),
		Donation:   &Donation{UserID: user, SourceOrgID: sourceOrgID, Amount: amount},
	}
}

// NewReferral builds a referral event occurring at t.
func NewReferral(referrer, referred UserID, t time.Time) ActivityEvent {
	return ActivityEvent{
		Kind:       KindReferral,
		OccurredAt: t.UTC(),
		Referral:   &Referral{ReferrerID: referrer, ReferredUserID: referred},
	}
}

// Subject returns the participant whose stats the event updates.
func (e ActivityEvent) Subject() UserID {
	switch e.Kind {
	case KindEventCompletion:
		if e.Completion != nil {
			return e.Completion.UserID
		}
	case KindDonation:
		if e.Donation != nil {
			return e.Donation.UserID
		}
	case KindReferral:
		if e.Referral != nil {
			return e.Referral.ReferrerID
		}
	}
	return ""
}

// Normalize returns a copy with user ids normalized and the timestamp in UTC.
func (e ActivityEvent) Normalize() (ActivityEvent, error) {
	out := e
	out.ID = strings.TrimSpace(e.ID)
	out.OccurredAt = e.OccurredAt.UTC()
	var err error
	switch {
	case e.Completion != nil:
		c := *e.Completion
		if c.UserID, err = NormalizeUserID(c.UserID); err != nil {
			return ActivityEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out.Completion = &c
	case e.Donation != nil:
		d := *e.Donation
		if d.UserID, err = NormalizeUserID(d.UserID); err != nil {
			return ActivityEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out.Donation = &d
	case e.Referral != nil:
		r := *e.Referral
		if r.ReferrerID, err = NormalizeUserID(r.ReferrerID); err != nil {
			return ActivityEvent{}, fmt.Errorf("%w: referrer: %v", ErrInvalidPayload, err)
		}
		if r.ReferredUserID, err = NormalizeUserID(r.ReferredUserID); err != nil {
			return ActivityEvent{}, fmt.Errorf("%w: referred user: %v", ErrInvalidPayload, err)
		}
		out.Referral = &r
	}
	return out, nil
}

// Validate checks the intrinsic fields of the event.
func (e ActivityEvent) Validate() error {
	payloads := 0
	for _, set := range []bool{e.Completion != nil, e.Donation != nil, e.Referral != nil} {
		if set {
			payloads++
		}
	}
	if payloads != 1 {
		return fmt.Errorf("%w: exactly one payload required, got %d", ErrInvalidPayload, payloads)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at is required", ErrInvalidPayload)
	}
	switch e.Kind {
	case KindEventCompletion:
		if e.Completion == nil {
			return fmt.Errorf("%w: kind %s without completion payload", ErrInvalidPayload, e.Kind)
		}
		if e.Completion.UserID == "" {
			return fmt.Errorf("%w: user_id is required", ErrInvalidPayload)
		}
		if invalidAmount(e.Completion.HoursSpent) {
			return fmt.Errorf("%w: hours_spent must be >= 0", ErrInvalidPayload)
		}
	case KindDonation:
		if e.Donation == nil {
			return fmt.Errorf("%w: kind %s without donation payload", ErrInvalidPayload, e.Kind)
		}
		if e.Donation.UserID == "" {
			return fmt.Errorf("%w: user_id is required", ErrInvalidPayload)
		}
		if invalidAmount(e.Donation.Amount) {
			return fmt.Errorf("%w: amount must be >= 0", ErrInvalidPayload)
		}
	case KindReferral:
		if e.Referral == nil {
			return fmt.Errorf("%w: kind %s without referral payload", ErrInvalidPayload, e.Kind)
		}
		if e.Referral.ReferrerID == "" || e.Referral.ReferredUserID == "" {
			return fmt.Errorf("%w: referrer_id and referred_user_id are required", ErrInvalidPayload)
		}
		if e.Referral.ReferrerID == e.Referral.ReferredUserID {
			return fmt.Errorf("%w: self referral", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, e.Kind)
	}
	return nil
}

func invalidAmount(v float64) bool {
	return v < 0 || math.IsNaN(v) || math.IsInf(v, 0)
}

var activityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("impactkit/activity"))

// EnsureID returns the caller-supplied id, or one derived deterministically from the
// event contents so that redelivery of the same event maps to the same id.
func (e ActivityEvent) EnsureID() string {
	if e.ID != "" {
		return e.ID
	}
	canonical := struct {
		Kind       ActivityKind     `json:"kind"`
		OccurredAt string           `json:"occurred_at"`
		Completion *EventCompletion `json:"completion,omitempty"`
		Donation   *Donation        `json:"donation,omitempty"`
		Referral   *Referral        `json:"referral,omitempty"`
	}{e.Kind, e.OccurredAt.UTC().Format(time.RFC3339Nano), e.Completion, e.Donation, e.Referral}
	b, _ := json.Marshal(canonical)
	return uuid.NewSHA1(activityNamespace, b).String()
}

// ActivityRecord is the audit-log entry written together with the stats update.
type ActivityRecord struct {
	EventID     string        `json:"event_id"`
	UserID      UserID        `json:"user_id"`
	Kind        ActivityKind  `json:"kind"`
	OccurredAt  time.Time     `json:"occurred_at"`
	PointsDelta int64         `json:"points_delta"`
	HoursDelta  float64       `json:"hours_delta"`
	Event       ActivityEvent `json:"event"`
	StatsAfter  UserStats     `json:"stats_after"`
	RecordedAt  time.Time     `json:"recorded_at"`
}
