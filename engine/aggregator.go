package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"impactkit/core"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// RetryPolicy bounds how long the aggregator retries ErrConcurrencyConflict.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultRetryPolicy is 5 retries between 10ms and 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: 10 * time.Millisecond, MaxInterval: 200 * time.Millisecond, MaxRetries: 5}
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)
}

// ApplyOutcome is the result of applying one activity event.
type ApplyOutcome struct {
	Stats     core.UserStats      `json:"stats"`
	Record    core.ActivityRecord `json:"record"`
	Duplicate bool                `json:"duplicate"`
	Awarded   []core.Badge        `json:"awarded,omitempty"`
	Revoked   []core.Badge        `json:"revoked,omitempty"`
	LevelUp   bool                `json:"level_up"`
}

// ReplayReport compares stored stats against a recomputation from the audit log.
type ReplayReport struct {
	UserID   core.UserID    `json:"user_id"`
	Events   int            `json:"events"`
	Stored   core.UserStats `json:"stored"`
	Computed core.UserStats `json:"computed"`
	Drift    []core.Drift   `json:"drift"`
}

// Aggregator turns activity events into per-user stats.
type Aggregator struct {
	storage Storage
	bus     *EventBus
	rules   core.Rules
	retry   RetryPolicy
	metrics Metrics
	log     *slog.Logger
	now     func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithRules(r core.Rules) Option         { return func(a *Aggregator) { a.rules = r } }
func WithRetryPolicy(p RetryPolicy) Option  { return func(a *Aggregator) { a.retry = p } }
func WithMetrics(m Metrics) Option          { return func(a *Aggregator) { a.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(a *Aggregator) { a.log = l } }
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

func NewAggregator(storage Storage, bus *EventBus, opts ...Option) *Aggregator {
	if storage == nil || bus == nil {
		panic("NewAggregator requires non-nil storage and bus")
	}
	a := &Aggregator{
		storage: storage,
		bus:     bus,
		rules:   core.DefaultRules(),
		retry:   DefaultRetryPolicy(),
		metrics: noopMetrics{},
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Rules returns the rule tables in use.
func (a *Aggregator) Rules() core.Rules { return a.rules }

// Now reads the aggregator clock in UTC.
func (a *Aggregator) Now() time.Time { return a.now().UTC() }

// Subscribe convenience method.
func (a *Aggregator) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return a.bus.Subscribe(typ, handler)
}

// Register creates the stats record for a new participant.
func (a *Aggregator) Register(ctx context.Context, user core.UserID) (core.UserStats, error) {
	id, err := core.NormalizeUserID(user)
	if err != nil {
		return core.UserStats{}, fmt.Errorf("%w: %v", core.ErrInvalidPayload, err)
	}
	stats := core.NewUserStats(id, a.now())
	if err := a.storage.CreateUser(ctx, stats); err != nil {
		return core.UserStats{}, err
	}
	a.log.Info("user registered", "event", "user_registered", "user_id", string(id))
	return stats, nil
}

// Apply processes one activity event. Redelivery of an already-logged event returns
// the persisted result with Duplicate set and no error.
func (a *Aggregator) Apply(ctx context.Context, ev core.ActivityEvent) (ApplyOutcome, error) {
	kind := ev.Kind
	ev, err := ev.Normalize()
	if err != nil {
		a.metrics.ActivityFailed(kind, "invalid")
		return ApplyOutcome{}, err
	}
	if err := ev.Validate(); err != nil {
		a.metrics.ActivityFailed(ev.Kind, "invalid")
		return ApplyOutcome{}, err
	}
	ev.ID = ev.EnsureID()
	user := ev.Subject()

	var prev core.UserStats
	mutate := func(cur core.UserStats) (core.UserStats, core.ActivityRecord, error) {
		prev = cur.Clone()
		next, delta, err := a.rules.Step(cur, ev)
		if err != nil {
			return core.UserStats{}, core.ActivityRecord{}, err
		}
		next.Version = cur.Version + 1
		return next, core.Record(ev.ID, ev, delta, next, a.now()), nil
	}

	res, err := backoff.RetryWithData(func() (core.ApplyResult, error) {
		res, err := a.storage.ApplyActivity(ctx, user, ev.ID, mutate)
		if errors.Is(err, core.ErrConcurrencyConflict) {
			a.metrics.ActivityConflict(ev.Kind)
			a.log.Debug("activity conflict, retrying", "event", "activity_conflict", "user_id", string(user), "event_id", ev.ID)
			return res, err
		}
		if err != nil {
			return res, backoff.Permanent(err)
		}
		return res, nil
	}, a.retry.backoff(ctx))
	if err != nil {
		a.metrics.ActivityFailed(ev.Kind, failureReason(err))
		a.log.Warn("activity rejected", "event", "activity_failed", "user_id", string(user), "event_id", ev.ID, "error", err)
		return ApplyOutcome{}, err
	}

	if res.Duplicate {
		a.metrics.ActivityDuplicate(ev.Kind)
		a.log.Info("duplicate activity ignored", "event", "activity_duplicate", "user_id", string(user), "event_id", ev.ID)
		return ApplyOutcome{Stats: res.Stats, Record: res.Record, Duplicate: true}, nil
	}

	out := ApplyOutcome{Stats: res.Stats, Record: res.Record, LevelUp: res.Stats.Level > prev.Level}
	out.Awarded, out.Revoked = core.BadgeDiff(prev.Badges, res.Stats.Badges)
	a.metrics.ActivityApplied(ev.Kind, res.Record.PointsDelta)
	a.log.Info("activity applied",
		"event", "activity_applied",
		"user_id", string(user),
		"event_id", ev.ID,
		"kind", string(ev.Kind),
		"points_delta", res.Record.PointsDelta,
		"total_points", res.Stats.TotalPoints,
		"level", res.Stats.Level,
		"streak", res.Stats.Streak,
	)
	a.publish(ctx, out)
	return out, nil
}

func (a *Aggregator) publish(ctx context.Context, out ApplyOutcome) {
	user := out.Stats.ID
	a.bus.Publish(ctx, core.NewStatsUpdated(out.Stats, out.Record.EventID, out.Record.PointsDelta))
	if out.LevelUp {
		a.bus.Publish(ctx, core.NewLevelUp(user, out.Stats.Level))
	}
	for _, b := range out.Awarded {
		a.bus.Publish(ctx, core.NewBadgeAwarded(user, b))
	}
	for _, b := range out.Revoked {
		a.bus.Publish(ctx, core.NewBadgeRevoked(user, b))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, core.ErrUserNotFound):
		return "not_found"
	case errors.Is(err, core.ErrInvalidPayload):
		return "invalid"
	case errors.Is(err, core.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unavailable"
	}
}

func (a *Aggregator) GetStats(ctx context.Context, user core.UserID) (core.UserStats, error) {
	id, err := core.NormalizeUserID(user)
	if err != nil {
		return core.UserStats{}, fmt.Errorf("%w: %v", core.ErrInvalidPayload, err)
	}
	return a.storage.GetStats(ctx, id)
}

// History lists the user's audit records, newest first.
func (a *Aggregator) History(ctx context.Context, user core.UserID, limit int) ([]core.ActivityRecord, error) {
	id, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidPayload, err)
	}
	if _, err := a.storage.GetStats(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return a.storage.ListActivity(ctx, id, min(limit, maxHistoryLimit))
}

// Replay recomputes the user's stats from the full audit log with the current rules.
// It never writes; drift is reported for an operator to act on.
func (a *Aggregator) Replay(ctx context.Context, user core.UserID) (ReplayReport, error) {
	id, err := core.NormalizeUserID(user)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("%w: %v", core.ErrInvalidPayload, err)
	}
	stored, err := a.storage.GetStats(ctx, id)
	if err != nil {
		return ReplayReport{}, err
	}
	records, err := a.storage.ListActivity(ctx, id, 0)
	if err != nil {
		return ReplayReport{}, err
	}
	slices.Reverse(records)
	computed, err := a.rules.Replay(stored, records)
	if err != nil {
		return ReplayReport{}, err
	}
	report := ReplayReport{UserID: id, Events: len(records), Stored: stored, Computed: computed, Drift: core.CompareStats(stored, computed)}
	if len(report.Drift) > 0 {
		a.log.Warn("stats drift detected", "event", "replay_drift", "user_id", string(id), "fields", len(report.Drift))
	}
	return report, nil
}

// Ping checks the record store.
func (a *Aggregator) Ping(ctx context.Context) error { return a.storage.Ping(ctx) }

func (a *Aggregator) Close() { a.bus.Close() }
