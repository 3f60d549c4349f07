package core

import (
	"fmt"
	"math"
)

// Points computes the point delta awarded for an event. It has no side effects and is
// safe to reuse when recomputing stats from the audit log.
func (r Rules) Points(e ActivityEvent) (int64, error) {
	switch e.Kind {
	case KindEventCompletion:
		if e.Completion == nil {
			return 0, fmt.Errorf("%w: missing completion payload", ErrInvalidPayload)
		}
		if invalidAmount(e.Completion.HoursSpent) {
			return 0, fmt.Errorf("%w: hours_spent must be >= 0", ErrInvalidPayload)
		}
		hourPts, err := scaled(e.Completion.HoursSpent, r.HourMultiplier, "hours_spent")
		if err != nil {
			return 0, err
		}
		total, err := AddSafe(r.BaseEventPoints, hourPts)
		if err != nil {
			return 0, fmt.Errorf("%w: hours_spent too large", ErrInvalidPayload)
		}
		return total, nil
	case KindDonation:
		if e.Donation == nil {
			return 0, fmt.Errorf("%w: missing donation payload", ErrInvalidPayload)
		}
		if invalidAmount(e.Donation.Amount) {
			return 0, fmt.Errorf("%w: amount must be >= 0", ErrInvalidPayload)
		}
		return scaled(e.Donation.Amount, r.DonationMultiplier, "amount")
	case KindReferral:
		return r.ReferralBonus, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, e.Kind)
	}
}

// maxPoints bounds a float product before it is converted; float64(math.MaxInt64)
// rounds up to 2^63, which no int64 holds.
const maxPoints = float64(math.MaxInt64)

// scaled floors v*mult into points, rejecting products an int64 cannot hold.
func scaled(v, mult float64, field string) (int64, error) {
	p := math.Floor(v * mult)
	if math.IsNaN(p) || math.IsInf(p, 0) || p >= maxPoints {
		return 0, fmt.Errorf("%w: %s too large", ErrInvalidPayload, field)
	}
	return int64(p), nil
}

// Hours returns the volunteer hours an event contributes. Only completions count.
func Hours(e ActivityEvent) float64 {
	if e.Kind == KindEventCompletion && e.Completion != nil {
		return e.Completion.HoursSpent
	}
	return 0
}

// Level maps total points to a level: floor(total/PointsPerLevel) + 1.
func (r Rules) Level(totalPoints int64) int64 {
	if totalPoints <= 0 {
		return 1
	}
	step := r.PointsPerLevel
	if step <= 0 {
		step = 100
	}
	lvl := totalPoints/step + 1
	if r.MaxLevel > 0 && lvl > r.MaxLevel {
		return r.MaxLevel
	}
	return lvl
}
