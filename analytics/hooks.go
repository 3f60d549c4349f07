package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"impactkit/core"
)

// Hook receives committed domain events.
type Hook interface {
	OnEvent(e core.Event)
}

// Handler adapts a hook to an event bus subscription.
func Handler(h Hook) func(context.Context, core.Event) {
	return func(_ context.Context, e core.Event) { h.OnEvent(e) }
}

// DAU tracks daily active participants.
type DAU struct {
	mu   sync.Mutex
	days map[string]map[core.UserID]struct{}
}

func NewDAU() *DAU { return &DAU{days: map[string]map[core.UserID]struct{}{}} }

func (d *DAU) OnEvent(e core.Event) {
	if e.Type != core.EventStatsUpdated || e.UserID == "" {
		return
	}
	day := e.Time.UTC().Format(core.PeriodLayout)
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.days[day]
	if m == nil {
		m = map[core.UserID]struct{}{}
		d.days[day] = m
	}
	m[e.UserID] = struct{}{}
}

func (d *DAU) Count(day string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.days[day])
}

// Engagement keeps per-period counters of participation: active participants by day,
// ISO week and month, points by day, badge awards by badge and level-ups.
type Engagement struct {
	mu sync.RWMutex

	weekly  map[string]map[core.UserID]struct{}
	monthly map[string]map[core.UserID]struct{}

	pointsByDay   map[string]int64
	badgesByType  map[core.Badge]int64
	badgeHolders  map[core.Badge]map[core.UserID]struct{}
	revokedByType map[core.Badge]int64
	levelUps      map[int64]int64
	streakResets  int64
}

func NewEngagement() *Engagement {
	return &Engagement{
		weekly:        map[string]map[core.UserID]struct{}{},
		monthly:       map[string]map[core.UserID]struct{}{},
		pointsByDay:   map[string]int64{},
		badgesByType:  map[core.Badge]int64{},
		badgeHolders:  map[core.Badge]map[core.UserID]struct{}{},
		revokedByType: map[core.Badge]int64{},
		levelUps:      map[int64]int64{},
	}
}

func (g *Engagement) OnEvent(e core.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch e.Type {
	case core.EventStatsUpdated:
		add(g.weekly, WeekKey(e.Time), e.UserID)
		add(g.monthly, MonthKey(e.Time), e.UserID)
		if e.Delta > 0 {
			g.pointsByDay[e.Time.UTC().Format(core.PeriodLayout)] += e.Delta
		}
	case core.EventBadgeAwarded:
		g.badgesByType[e.Badge]++
		add(g.badgeHolders, e.Badge, e.UserID)
	case core.EventBadgeRevoked:
		g.revokedByType[e.Badge]++
		if h := g.badgeHolders[e.Badge]; h != nil {
			delete(h, e.UserID)
		}
	case core.EventLevelUp:
		g.levelUps[e.Level]++
	case core.EventStreakReset:
		g.streakResets++
	}
}

func add[K comparable](m map[K]map[core.UserID]struct{}, k K, u core.UserID) {
	s := m[k]
	if s == nil {
		s = map[core.UserID]struct{}{}
		m[k] = s
	}
	s[u] = struct{}{}
}

func (g *Engagement) WeeklyActive(week string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.weekly[week])
}

func (g *Engagement) MonthlyActive(month string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.monthly[month])
}

func (g *Engagement) PointsOn(day string) int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pointsByDay[day]
}

func (g *Engagement) BadgesAwarded(b core.Badge) int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.badgesByType[b]
}

// BadgeHolders counts participants currently holding b, as seen through events.
func (g *Engagement) BadgeHolders(b core.Badge) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.badgeHolders[b])
}

func (g *Engagement) LevelUps(level int64) int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.levelUps[level]
}

func (g *Engagement) StreakResets() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.streakResets
}

// WeekKey formats t as an ISO week, e.g. 2024-W09.
func WeekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }
