package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"impactkit/analytics"
	"impactkit/api/httpapi"
	"impactkit/config"
	"impactkit/gamify"
)

// Source selects where configuration is read from. An empty Source reads the
// environment on top of the development defaults.
type Source struct {
	Path    string
	Profile string
}

// App aggregates the assembled components.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Registry   *prometheus.Registry
	Kit        *gamify.Kit
	DAU        *analytics.DAU
	Engagement *analytics.Engagement
	Handler    http.Handler
	Server     *http.Server
	Metrics    *MetricsServer
}

// MetricsServer exposes the registry on its own listener. Nil when metrics are
// disabled or share the API listener.
type MetricsServer struct {
	*http.Server
}

func provideConfig(ctx context.Context, src Source) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case src.Path != "":
		cfg, err = config.LoadFromFile(src.Path)
	case src.Profile != "":
		cfg, err = config.LoadProfile(src.Profile)
	default:
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	store, err := config.NewSecretStore(ctx, cfg.Secrets)
	if err != nil {
		return nil, err
	}
	if err := cfg.ResolveSecrets(ctx, store); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return gamify.NewLogger(cfg.Logging)
}

func provideRegistry(cfg *config.Config) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	if cfg.Metrics.CollectSystem {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return reg
}

func provideDAU() *analytics.DAU { return analytics.NewDAU() }

func provideEngagement() *analytics.Engagement { return analytics.NewEngagement() }

func provideKit(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry, dau *analytics.DAU, eng *analytics.Engagement) (*gamify.Kit, func(), error) {
	opts := []gamify.Option{gamify.WithHooks(dau, eng)}
	if cfg.Metrics.Enabled {
		opts = append(opts, gamify.WithPrometheus(analytics.NewPrometheus(reg)))
	}
	kit, err := gamify.FromConfig(ctx, cfg, logger, opts...)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := kit.Close(); err != nil {
			logger.Error("failed to close ledger", "error", err)
		}
	}
	return kit, cleanup, nil
}

func provideHandler(cfg *config.Config, logger *slog.Logger, kit *gamify.Kit, reg *prometheus.Registry, dau *analytics.DAU, eng *analytics.Engagement) http.Handler {
	api := httpapi.NewMux(httpapi.Deps{
		Aggregator: kit.Aggregator,
		Ranker:     kit.Ranker,
		Snapshots:  kit.Store,
		Jobs:       kit.Scheduler,
		Hub:        kit.Hub,
		DAU:        dau,
		Engagement: eng,
	}, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		RateLimitCleanup: cfg.Security.RateLimit.CleanupInterval,
		Logger:           logger,
	})
	if !cfg.Metrics.Enabled || !sharedListener(cfg) {
		return api
	}
	mux := http.NewServeMux()
	mux.Handle(metricsPath(cfg), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", api)
	return mux
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

func provideMetricsServer(cfg *config.Config, reg *prometheus.Registry) *MetricsServer {
	if !cfg.Metrics.Enabled || sharedListener(cfg) {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(metricsPath(cfg), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &MetricsServer{&http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}}
}

// sharedListener reports whether /metrics is served by the API listener.
func sharedListener(cfg *config.Config) bool {
	return cfg.Metrics.Address == "" || cfg.Metrics.Address == cfg.Server.Address
}

func metricsPath(cfg *config.Config) string {
	p := cfg.Metrics.Path
	if p == "" {
		return "/metrics"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
