package core

import (
	"slices"
)

// BadgeCategory groups mutually exclusive badge tiers.
type BadgeCategory string

const (
	CategoryMilestone      BadgeCategory = "milestone"
	CategoryVolunteerHours BadgeCategory = "volunteer-hours"
	CategoryStreak         BadgeCategory = "streak"
)

// DeriveBadges recomputes the badge set from scratch. Each category contributes at most
// its highest satisfied tier, so the result never stacks tiers even if stats regress.
// The result is sorted.
func (r Rules) DeriveBadges(s UserStats) []Badge {
	out := make([]Badge, 0, 3)
	if r.FirstEventBadge != "" && r.FirstEventThreshold > 0 && s.CompletedEvents >= r.FirstEventThreshold {
		out = append(out, r.FirstEventBadge)
	}
	if b, ok := highestTier(r.HourBadges, s.VolunteerHours); ok {
		out = append(out, b)
	}
	if b, ok := highestTier(r.StreakBadges, float64(s.Streak)); ok {
		out = append(out, b)
	}
	slices.Sort(out)
	return out
}

// CategoryOf reports which category a badge belongs to under r.
func (r Rules) CategoryOf(b Badge) (BadgeCategory, bool) {
	switch {
	case b == r.FirstEventBadge && b != "":
		return CategoryMilestone, true
	case tierContains(r.HourBadges, b):
		return CategoryVolunteerHours, true
	case tierContains(r.StreakBadges, b):
		return CategoryStreak, true
	}
	return "", false
}

func highestTier(tiers []Tier, value float64) (Badge, bool) {
	var best Badge
	found := false
	for _, t := range tiers {
		if value >= t.Threshold {
			best = t.Badge
			found = true
		}
	}
	return best, found
}

func tierContains(tiers []Tier, b Badge) bool {
	return slices.ContainsFunc(tiers, func(t Tier) bool { return t.Badge == b })
}

// BadgeDiff reports which badges appear in next but not prev (awarded) and which
// were dropped (revoked).
func BadgeDiff(prev, next []Badge) (awarded, revoked []Badge) {
	for _, b := range next {
		if !slices.Contains(prev, b) {
			awarded = append(awarded, b)
		}
	}
	for _, b := range prev {
		if !slices.Contains(next, b) {
			revoked = append(revoked, b)
		}
	}
	return awarded, revoked
}
