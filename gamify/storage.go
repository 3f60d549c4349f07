package gamify

import (
	"context"
	"fmt"
	"log/slog"

	"impactkit/adapters/jsonfile"
	mem "impactkit/adapters/memory"
	"impactkit/adapters/postgres"
	redisAdapter "impactkit/adapters/redis"
	sqlxAdapter "impactkit/adapters/sqlx"
	"impactkit/config"
	"impactkit/engine"
)

// OpenStorage creates the store selected by cfg.Adapter. The returned close function
// is never nil.
func OpenStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (engine.Storage, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Adapter {
	case "", "memory":
		return mem.New(), noop, nil
	case "file":
		s, err := jsonfile.New(cfg.File.Path)
		if err != nil {
			return nil, noop, fmt.Errorf("open file storage %s: %w", cfg.File.Path, err)
		}
		return s, noop, nil
	case "redis":
		s, err := redisAdapter.New(cfg.Redis)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "sql":
		s, err := sqlxAdapter.New(cfg.SQL)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "postgres":
		repo, err := postgres.Connect(cfg.Postgres.DSN, logger)
		if err != nil {
			return nil, noop, err
		}
		if err := repo.SetPool(cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns, 0); err != nil {
			_ = repo.Close()
			return nil, noop, err
		}
		if cfg.Postgres.Migrate {
			if err := repo.Migrate(ctx); err != nil {
				_ = repo.Close()
				return nil, noop, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		return repo, repo.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage adapter: %s", cfg.Adapter)
	}
}

// FromConfig opens the configured store and builds a Kit around it. Extra options are
// applied last.
func FromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger, extra ...Option) (*Kit, error) {
	store, closeStore, err := OpenStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	hooks := WebhookHooks(cfg.Integrations, logger)
	// Webhook delivery blocks its handler, so it never runs on the request path.
	mode := engine.DispatchSync
	if cfg.Aggregator.AsyncEvents || len(hooks) > 0 {
		mode = engine.DispatchAsync
	}
	opts := []Option{
		WithStorage(store),
		WithCloser(closeStore),
		WithLogger(logger),
		WithRules(cfg.Rules),
		WithDispatchMode(mode),
		WithRetryPolicy(RetryPolicy(cfg.Aggregator)),
		WithSchedulerConfig(SchedulerConfig(cfg.Scheduler)),
	}
	if len(hooks) > 0 {
		opts = append(opts, WithHooks(hooks...))
	}
	return New(append(opts, extra...)...), nil
}
