// Package scheduler runs the periodic jobs: the daily streak sweep and the weekly and
// monthly leaderboard snapshots.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"impactkit/core"
	"impactkit/engine"
	"impactkit/leaderboard"
)

// Job names, shared by the CLI, the admin endpoint and the lambda trigger.
const (
	JobStreakSweep     = "streak_sweep"
	JobWeeklySnapshot  = "weekly_snapshot"
	JobMonthlySnapshot = "monthly_snapshot"
)

const (
	DefaultBatchSize    = 500
	DefaultSnapshotSize = 100
)

// ErrUnknownJob is returned by RunJob for an unrecognized name.
var ErrUnknownJob = errors.New("unknown job")

// Config holds cron specs (UTC, standard five fields) and batch sizes.
type Config struct {
	SweepSpec    string
	WeeklySpec   string
	MonthlySpec  string
	BatchSize    int
	SnapshotSize int
}

func DefaultConfig() Config {
	return Config{
		SweepSpec:    "0 0 * * *",
		WeeklySpec:   "5 0 * * 1",
		MonthlySpec:  "10 0 1 * *",
		BatchSize:    DefaultBatchSize,
		SnapshotSize: DefaultSnapshotSize,
	}
}

// Metrics observes job outcomes.
type Metrics interface {
	StreaksReset(n int)
	SweepBatchFailed()
	SnapshotStored(kind core.SnapshotKind, created bool)
	JobCompleted(job string, d time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) StreaksReset(int)                          {}
func (noopMetrics) SweepBatchFailed()                         {}
func (noopMetrics) SnapshotStored(core.SnapshotKind, bool)    {}
func (noopMetrics) JobCompleted(string, time.Duration, error) {}

// SweepReport summarizes one streak sweep.
type SweepReport struct {
	Cutoff        time.Time     `json:"cutoff"`
	Scanned       int           `json:"scanned"`
	Reset         int           `json:"reset"`
	FailedBatches int           `json:"failed_batches"`
	Duration      time.Duration `json:"duration"`
}

// SnapshotReport summarizes one snapshot run.
type SnapshotReport struct {
	Kind        core.SnapshotKind `json:"kind"`
	PeriodStart time.Time         `json:"period_start"`
	Key         string            `json:"key"`
	Entries     int               `json:"entries"`
	Created     bool              `json:"created"`
}

type Scheduler struct {
	store   engine.Storage
	ranker  *leaderboard.Ranker
	bus     *engine.EventBus
	rules   core.Rules
	cfg     Config
	log     *slog.Logger
	metrics Metrics
	now     func() time.Time
	cron    *cron.Cron
}

type Option func(*Scheduler)

func WithConfig(c Config) Option            { return func(s *Scheduler) { s.cfg = c } }
func WithRules(r core.Rules) Option         { return func(s *Scheduler) { s.rules = r } }
func WithLogger(l *slog.Logger) Option      { return func(s *Scheduler) { s.log = l } }
func WithMetrics(m Metrics) Option          { return func(s *Scheduler) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New builds a scheduler. bus may be nil when no events should be published.
func New(store engine.Storage, ranker *leaderboard.Ranker, bus *engine.EventBus, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		ranker:  ranker,
		bus:     bus,
		rules:   core.DefaultRules(),
		cfg:     DefaultConfig(),
		log:     slog.Default(),
		metrics: noopMetrics{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.BatchSize <= 0 || s.cfg.BatchSize > DefaultBatchSize {
		s.cfg.BatchSize = DefaultBatchSize
	}
	if s.cfg.SnapshotSize <= 0 {
		s.cfg.SnapshotSize = DefaultSnapshotSize
	}
	return s
}

// RunStreakSweep resets streaks of participants idle for longer than the streak window.
// Batches that fail to commit are logged and skipped; the sweep keeps paging.
func (s *Scheduler) RunStreakSweep(ctx context.Context, now time.Time) (SweepReport, error) {
	start := time.Now()
	rep := SweepReport{Cutoff: core.StreakCutoff(now)}
	var after core.UserID
	for {
		if err := ctx.Err(); err != nil {
			rep.Duration = time.Since(start)
			return rep, err
		}
		ids, err := s.store.ListStale(ctx, rep.Cutoff, after, s.cfg.BatchSize)
		if err != nil {
			rep.Duration = time.Since(start)
			return rep, fmt.Errorf("list stale: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		rep.Scanned += len(ids)
		after = ids[len(ids)-1]

		prev := make(map[core.UserID]core.UserStats, len(ids))
		next := make(map[core.UserID]core.UserStats, len(ids))
		changed, err := s.store.ResetStreaks(ctx, ids, rep.Cutoff, func(cur core.UserStats) core.UserStats {
			out := s.rules.ResetStreak(cur)
			prev[cur.ID] = cur
			next[cur.ID] = out
			return out
		})
		if err != nil {
			// stores that commit a batch in parts still report the part that landed
			rep.FailedBatches++
			s.metrics.SweepBatchFailed()
			s.log.Error("streak sweep batch failed",
				"event", "streak_sweep_batch_failed",
				"first", ids[0], "last", after, "size", len(ids), "committed", len(changed), "error", err)
		}
		rep.Reset += len(changed)
		s.metrics.StreaksReset(len(changed))
		for _, id := range changed {
			s.publish(ctx, core.NewStreakReset(id))
			_, revoked := core.BadgeDiff(prev[id].Badges, next[id].Badges)
			for _, b := range revoked {
				s.publish(ctx, core.NewBadgeRevoked(id, b))
			}
		}
		if err == nil && len(ids) < s.cfg.BatchSize {
			break
		}
	}
	rep.Duration = time.Since(start)
	s.log.Info("streak sweep finished",
		"event", "streak_sweep_finished",
		"cutoff", rep.Cutoff, "scanned", rep.Scanned, "reset", rep.Reset,
		"failed_batches", rep.FailedBatches, "duration", rep.Duration)
	return rep, nil
}

// RunSnapshot captures the current ranking for the period containing now. A period
// that already has a snapshot is left untouched.
func (s *Scheduler) RunSnapshot(ctx context.Context, kind core.SnapshotKind, now time.Time) (SnapshotReport, error) {
	if _, err := core.ParseSnapshotKind(string(kind)); err != nil {
		return SnapshotReport{}, err
	}
	entries, err := s.ranker.Rank(ctx, s.cfg.SnapshotSize)
	if err != nil {
		return SnapshotReport{}, fmt.Errorf("snapshot %s: %w", kind, err)
	}
	snap := core.LeaderboardSnapshot{
		Kind:        kind,
		PeriodStart: kind.PeriodStart(now),
		CapturedAt:  now.UTC(),
		Entries:     entries,
	}
	created, err := s.store.PutSnapshot(ctx, snap)
	if err != nil {
		return SnapshotReport{}, fmt.Errorf("snapshot %s: %w", snap.Key(), err)
	}
	s.metrics.SnapshotStored(kind, created)
	rep := SnapshotReport{Kind: kind, PeriodStart: snap.PeriodStart, Key: snap.Key(), Entries: len(entries), Created: created}
	if created {
		s.publish(ctx, core.NewSnapshotCreated(snap))
		s.log.Info("leaderboard snapshot stored", "event", "snapshot_created", "key", rep.Key, "entries", rep.Entries)
	} else {
		s.log.Info("leaderboard snapshot already exists", "event", "snapshot_skipped", "key", rep.Key)
	}
	return rep, nil
}

// RunJob runs a job by name at the scheduler's current time.
func (s *Scheduler) RunJob(ctx context.Context, job string) (any, error) {
	now := s.now()
	start := time.Now()
	var (
		rep any
		err error
	)
	switch job {
	case JobStreakSweep:
		rep, err = s.RunStreakSweep(ctx, now)
	case JobWeeklySnapshot:
		rep, err = s.RunSnapshot(ctx, core.SnapshotWeekly, now)
	case JobMonthlySnapshot:
		rep, err = s.RunSnapshot(ctx, core.SnapshotMonthly, now)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, job)
	}
	s.metrics.JobCompleted(job, time.Since(start), err)
	return rep, err
}

// Start registers the jobs on a UTC cron and starts it. Overlapping runs of the same
// job are skipped. The cron stops when ctx is done; Stop waits for running jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	jobs := []struct{ spec, name string }{
		{s.cfg.SweepSpec, JobStreakSweep},
		{s.cfg.WeeklySpec, JobWeeklySnapshot},
		{s.cfg.MonthlySpec, JobMonthlySnapshot},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		name := j.name
		if _, err := c.AddFunc(j.spec, func() {
			if _, err := s.RunJob(ctx, name); err != nil {
				s.log.Error("scheduled job failed", "event", "job_failed", "job", name, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, j.spec, err)
		}
	}
	s.cron = c
	c.Start()
	s.log.Info("scheduler started", "event", "scheduler_started",
		"sweep", s.cfg.SweepSpec, "weekly", s.cfg.WeeklySpec, "monthly", s.cfg.MonthlySpec)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Scheduler) publish(ctx context.Context, ev core.Event) {
	if s.bus != nil {
		s.bus.Publish(ctx, ev)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug("cron: "+msg, kv...) }
func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kv, "error", err)...)
}
