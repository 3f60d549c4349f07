package analytics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"impactkit/core"
)

// Bridge fans one event out to several hooks.
type Bridge struct{ hooks []Hook }

func NewBridge(hooks ...Hook) *Bridge { return &Bridge{hooks: hooks} }

func (b *Bridge) OnEvent(e core.Event) {
	for _, h := range b.hooks {
		h.OnEvent(e)
	}
}

// Prometheus exports aggregator, scheduler and event counters. It implements
// engine.Metrics, scheduler.Metrics and Hook.
type Prometheus struct {
	activities    *prometheus.CounterVec
	points        *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	failures      *prometheus.CounterVec
	events        *prometheus.CounterVec
	streakResets  prometheus.Counter
	sweepFailures prometheus.Counter
	snapshots     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobFailures   *prometheus.CounterVec
}

// NewPrometheus registers the collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		activities: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "impactkit", Subsystem: "aggregator", Name: "activities_applied_total",
			Help: "Activities committed to the ledger.",
		}, []string{"kind"}),
		points: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "impactkit", Subsystem: "aggregator", Name: "points_awarded_total",
			Help: "Points awarded by committed activities.",
		}, []string{"kind"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "impactkit", Subsystem: "aggregator", Name: "activities_duplicate_total",
			Help: "Redelivered activities ignored by event id.",
		}, []string{"kind"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "impactkit", Subsystem: "aggregator", Name: "conflicts_total",
			Help: "Optimistic write conflicts, including retried ones.",
		}, []string{"kind"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "impactkit", Subsystem: "aggregator", Name: "activities_failed_total",
			Help: "Activities rejected, by reason.",
		}, []string{"kind", "reason"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "impactkit", Subsystem: "events", Name: "published_total",
			Help: "Domain events published, by type.",
		}, []string{"type"}),
		streakResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: "impactkit", Subsystem: "scheduler", Name: "streak_resets_total",
			Help: "Streaks reset by the daily sweep.",
		}),
		sweepFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "impactkit", Subsystem: "scheduler", Name: "sweep_batches_failed_total",
			Help: "Streak sweep batches that failed to commit.",
		}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "impactkit", Subsystem: "scheduler", Name: "snapshots_total",
			Help: "Snapshot runs by kind and result (created or skipped).",
		}, []string{"kind", "result"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "impactkit", Subsystem: "scheduler", Name: "job_duration_seconds",
			Help:    "Scheduled job run time.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		jobFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "impactkit", Subsystem: "scheduler", Name: "job_failures_total",
			Help: "Scheduled job runs that returned an error.",
		}, []string{"job"}),
	}
}

func (p *Prometheus) ActivityApplied(kind core.ActivityKind, points int64) {
	p.activities.WithLabelValues(string(kind)).Inc()
	if points > 0 {
		p.points.WithLabelValues(string(kind)).Add(float64(points))
	}
}

func (p *Prometheus) ActivityDuplicate(kind core.ActivityKind) {
	p.duplicates.WithLabelValues(string(kind)).Inc()
}

func (p *Prometheus) ActivityConflict(kind core.ActivityKind) {
	p.conflicts.WithLabelValues(string(kind)).Inc()
}

func (p *Prometheus) ActivityFailed(kind core.ActivityKind, reason string) {
	p.failures.WithLabelValues(string(kind), reason).Inc()
}

func (p *Prometheus) StreaksReset(n int) { p.streakResets.Add(float64(n)) }

func (p *Prometheus) SweepBatchFailed() { p.sweepFailures.Inc() }

func (p *Prometheus) SnapshotStored(kind core.SnapshotKind, created bool) {
	result := "skipped"
	if created {
		result = "created"
	}
	p.snapshots.WithLabelValues(string(kind), result).Inc()
}

func (p *Prometheus) JobCompleted(job string, d time.Duration, err error) {
	p.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	if err != nil {
		p.jobFailures.WithLabelValues(job).Inc()
	}
}

func (p *Prometheus) OnEvent(e core.Event) {
	p.events.WithLabelValues(string(e.Type)).Inc()
}
