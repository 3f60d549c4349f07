package gamify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	mem "impactkit/adapters/memory"
	"impactkit/analytics"
	"impactkit/core"
	"impactkit/engine"
	"impactkit/leaderboard"
	"impactkit/realtime"
	"impactkit/scheduler"
)

// Option configures the Kit builder.
type Option func(*kitOptions)

type kitOptions struct {
	storage   engine.Storage
	closer    func() error
	mode      engine.DispatchMode
	rules     core.Rules
	retry     engine.RetryPolicy
	hub       *realtime.Hub
	logger    *slog.Logger
	metrics   *analytics.Prometheus
	hooks     []analytics.Hook
	scheduler scheduler.Config
	clock     func() time.Time
}

// WithStorage sets the record store.
func WithStorage(s engine.Storage) Option { return func(c *kitOptions) { c.storage = s } }

// WithCloser registers a function run by Kit.Close after the bus drains, typically the
// store's Close.
func WithCloser(fn func() error) Option { return func(c *kitOptions) { c.closer = fn } }

// WithRules sets the scoring, level and badge tables.
func WithRules(r core.Rules) Option { return func(c *kitOptions) { c.rules = r } }

// WithRetryPolicy bounds conflict retries in the aggregator.
func WithRetryPolicy(p engine.RetryPolicy) Option { return func(c *kitOptions) { c.retry = p } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *kitOptions) { c.mode = m } }

// WithRealtime wires a realtime hub to receive all engine events.
func WithRealtime(h *realtime.Hub) Option { return func(c *kitOptions) { c.hub = h } }

func WithLogger(l *slog.Logger) Option { return func(c *kitOptions) { c.logger = l } }

// WithPrometheus records aggregator, scheduler and event metrics on p.
func WithPrometheus(p *analytics.Prometheus) Option { return func(c *kitOptions) { c.metrics = p } }

// WithHooks subscribes analytics hooks (DAU, engagement, webhooks) to every event.
func WithHooks(h ...analytics.Hook) Option {
	return func(c *kitOptions) { c.hooks = append(c.hooks, h...) }
}

func WithSchedulerConfig(sc scheduler.Config) Option { return func(c *kitOptions) { c.scheduler = sc } }

// WithClock overrides time.Now for the aggregator and scheduler.
func WithClock(now func() time.Time) Option { return func(c *kitOptions) { c.clock = now } }

// Kit is the assembled ledger: one store, one bus and the components sharing them.
type Kit struct {
	Store      engine.Storage
	Bus        *engine.EventBus
	Aggregator *engine.Aggregator
	Hub        *realtime.Hub
	Ranker     *leaderboard.Ranker
	Scheduler  *scheduler.Scheduler
	Logger     *slog.Logger

	closer func() error
}

// New builds a Kit. If not provided, defaults are used:
//   - storage: in-memory
//   - rules: core.DefaultRules
//   - dispatch: async
//   - hub: a fresh realtime.Hub
func New(opts ...Option) *Kit {
	cfg := &kitOptions{
		mode:      engine.DispatchAsync,
		rules:     core.DefaultRules(),
		retry:     engine.DefaultRetryPolicy(),
		scheduler: scheduler.DefaultConfig(),
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = mem.New()
	}
	if cfg.hub == nil {
		cfg.hub = realtime.NewHub()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	bus := engine.NewEventBus(cfg.mode)
	aggOpts := []engine.Option{
		engine.WithRules(cfg.rules),
		engine.WithRetryPolicy(cfg.retry),
		engine.WithLogger(cfg.logger),
	}
	schedOpts := []scheduler.Option{
		scheduler.WithConfig(cfg.scheduler),
		scheduler.WithRules(cfg.rules),
		scheduler.WithLogger(cfg.logger),
	}
	if cfg.metrics != nil {
		aggOpts = append(aggOpts, engine.WithMetrics(cfg.metrics))
		schedOpts = append(schedOpts, scheduler.WithMetrics(cfg.metrics))
		cfg.hooks = append(cfg.hooks, cfg.metrics)
	}
	if cfg.clock != nil {
		aggOpts = append(aggOpts, engine.WithClock(cfg.clock))
		schedOpts = append(schedOpts, scheduler.WithClock(cfg.clock))
	}

	ranker := leaderboard.NewRanker(cfg.storage, cfg.logger)
	k := &Kit{
		Store:      cfg.storage,
		Bus:        bus,
		Aggregator: engine.NewAggregator(cfg.storage, bus, aggOpts...),
		Hub:        cfg.hub,
		Ranker:     ranker,
		Scheduler:  scheduler.New(cfg.storage, ranker, bus, schedOpts...),
		Logger:     cfg.logger,
		closer:     cfg.closer,
	}

	// Bridge every event to realtime subscribers and hooks.
	bus.Subscribe(engine.AllEvents, cfg.hub.Broadcast)
	if len(cfg.hooks) > 0 {
		bus.Subscribe(engine.AllEvents, analytics.Handler(analytics.NewBridge(cfg.hooks...)))
	}
	return k
}

// Start runs the cron scheduler until ctx is cancelled.
func (k *Kit) Start(ctx context.Context) error { return k.Scheduler.Start(ctx) }

// Close stops the scheduler, drains the event bus and closes the store.
func (k *Kit) Close() error {
	k.Scheduler.Stop()
	k.Aggregator.Close()
	if k.closer == nil {
		return nil
	}
	if err := k.closer(); err != nil {
		return errors.Join(errors.New("close storage"), err)
	}
	return nil
}
