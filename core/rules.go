package core

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Tier maps a threshold to the badge earned once the threshold is reached.
type Tier struct {
	Threshold float64 `json:"threshold" toml:"threshold"`
	Badge     Badge   `json:"badge" toml:"badge"`
}

// Rules holds the point formulas, level step and badge tiers consumed by the pure
// calculators. A zero value is not usable; start from DefaultRules.
type Rules struct {
	BaseEventPoints    int64   `json:"base_event_points" toml:"base_event_points"`
	HourMultiplier     float64 `json:"hour_multiplier" toml:"hour_multiplier"`
	DonationMultiplier float64 `json:"donation_multiplier" toml:"donation_multiplier"`
	ReferralBonus      int64   `json:"referral_bonus" toml:"referral_bonus"`
	PointsPerLevel     int64   `json:"points_per_level" toml:"points_per_level"`
	// MaxLevel caps the level when > 0.
	MaxLevel int64 `json:"max_level" toml:"max_level"`

	FirstEventBadge     Badge  `json:"first_event_badge" toml:"first_event_badge"`
	FirstEventThreshold int64  `json:"first_event_threshold" toml:"first_event_threshold"`
	HourBadges          []Tier `json:"hour_badges" toml:"hour_badges"`
	StreakBadges        []Tier `json:"streak_badges" toml:"streak_badges"`
}

// DefaultRules returns the production rule tables.
func DefaultRules() Rules {
	return Rules{
		BaseEventPoints:     50,
		HourMultiplier:      10,
		DonationMultiplier:  1,
		ReferralBonus:       25,
		PointsPerLevel:      100,
		FirstEventBadge:     BadgeFirstEvent,
		FirstEventThreshold: 1,
		HourBadges: []Tier{
			{Threshold: 10, Badge: BadgeVolunteer10},
			{Threshold: 50, Badge: BadgeVolunteer50},
			{Threshold: 100, Badge: BadgeVolunteer100},
		},
		StreakBadges: []Tier{
			{Threshold: 7, Badge: BadgeStreak7},
			{Threshold: 30, Badge: BadgeStreak30},
		},
	}
}

// Validate checks the rule tables for internal consistency.
func (r Rules) Validate() error {
	var errs []string
	if r.BaseEventPoints < 0 {
		errs = append(errs, "base_event_points must be >= 0")
	}
	if !validMultiplier(r.HourMultiplier) {
		errs = append(errs, fmt.Sprintf("hour_multiplier must be within [0, %g]", MaxMultiplier))
	}
	if !validMultiplier(r.DonationMultiplier) {
		errs = append(errs, fmt.Sprintf("donation_multiplier must be within [0, %g]", MaxMultiplier))
	}
	if r.ReferralBonus < 0 {
		errs = append(errs, "referral_bonus must be >= 0")
	}
	if r.PointsPerLevel <= 0 {
		errs = append(errs, "points_per_level must be > 0")
	}
	if r.MaxLevel < 0 {
		errs = append(errs, "max_level must be >= 0")
	}
	if r.FirstEventBadge != "" {
		if err := ValidateBadgeID(r.FirstEventBadge); err != nil {
			errs = append(errs, fmt.Sprintf("first_event_badge: %v", err))
		}
		if r.FirstEventThreshold < 1 {
			errs = append(errs, "first_event_threshold must be >= 1")
		}
	}
	if err := validateTiers(r.HourBadges); err != nil {
		errs = append(errs, fmt.Sprintf("hour_badges: %v", err))
	}
	if err := validateTiers(r.StreakBadges); err != nil {
		errs = append(errs, fmt.Sprintf("streak_badges: %v", err))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// MaxMultiplier caps the hour and donation multipliers.
const MaxMultiplier = 1e6

func validMultiplier(m float64) bool {
	return m >= 0 && m <= MaxMultiplier && !math.IsNaN(m)
}

func validateTiers(tiers []Tier) error {
	for i, t := range tiers {
		if err := ValidateBadgeID(t.Badge); err != nil {
			return fmt.Errorf("tier %d: %w", i, err)
		}
		if t.Threshold <= 0 {
			return fmt.Errorf("tier %d: threshold must be > 0", i)
		}
		if i > 0 && t.Threshold <= tiers[i-1].Threshold {
			return fmt.Errorf("tier %d: thresholds must be strictly ascending", i)
		}
	}
	return nil
}
