package gamify

import (
	"io"
	"log/slog"
	"os"

	"impactkit/analytics"
	"impactkit/config"
	"impactkit/core"
	"impactkit/engine"
	"impactkit/integrations/webhook"
	"impactkit/scheduler"
)

// RetryPolicy maps the aggregator config section to the engine policy.
func RetryPolicy(c config.AggregatorConfig) engine.RetryPolicy {
	return engine.RetryPolicy{
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		MaxRetries:      c.MaxRetries,
	}
}

// SchedulerConfig maps the scheduler config section, keeping defaults for unset values.
func SchedulerConfig(c config.SchedulerConfig) scheduler.Config {
	sc := scheduler.DefaultConfig()
	if c.SweepSpec != "" {
		sc.SweepSpec = c.SweepSpec
	}
	if c.WeeklySpec != "" {
		sc.WeeklySpec = c.WeeklySpec
	}
	if c.MonthlySpec != "" {
		sc.MonthlySpec = c.MonthlySpec
	}
	if c.BatchSize > 0 {
		sc.BatchSize = c.BatchSize
	}
	if c.SnapshotSize > 0 {
		sc.SnapshotSize = c.SnapshotSize
	}
	return sc
}

// WebhookHooks returns the webhook sink for the configured endpoints, or nothing when
// none are set.
func WebhookHooks(c config.IntegrationsConfig, logger *slog.Logger) []analytics.Hook {
	wh := c.Webhooks
	if len(wh.Endpoints) == 0 {
		return nil
	}
	opts := []webhook.Option{webhook.WithRetries(wh.Retries), webhook.WithLogger(logger)}
	if wh.Secret != "" {
		opts = append(opts, webhook.WithSecret(wh.Secret))
	}
	if len(wh.Events) > 0 {
		types := make([]core.EventType, len(wh.Events))
		for i, e := range wh.Events {
			types[i] = core.EventType(e)
		}
		opts = append(opts, webhook.WithTypes(types...))
	}
	return []analytics.Hook{webhook.New(wh.Endpoints, opts...)}
}

// NewLogger builds the process logger from the logging section and installs it as the
// slog default.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Level),
	}

	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func convertAttributes(attrs map[string]string) []slog.Attr {
	result := make([]slog.Attr, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}
