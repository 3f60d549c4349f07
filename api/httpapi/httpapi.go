package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	wsadapter "impactkit/adapters/websocket"
	"impactkit/analytics"
	"impactkit/core"
	"impactkit/engine"
	"impactkit/leaderboard"
	"impactkit/realtime"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// RateLimitCleanup is how long an idle client's bucket is kept.
	RateLimitCleanup time.Duration
	Logger           *slog.Logger
}

// SnapshotReader is the read side of the snapshot store.
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, kind core.SnapshotKind, periodStart time.Time) (core.LeaderboardSnapshot, error)
	ListSnapshots(ctx context.Context, kind core.SnapshotKind, limit int) ([]core.LeaderboardSnapshot, error)
}

// JobRunner runs a scheduled job on demand.
type JobRunner interface {
	RunJob(ctx context.Context, job string) (any, error)
}

// Deps are the components the API serves. Hub, Jobs, DAU and Engagement are optional.
type Deps struct {
	Aggregator *engine.Aggregator
	Ranker     *leaderboard.Ranker
	Snapshots  SnapshotReader
	Jobs       JobRunner
	Hub        *realtime.Hub
	DAU        *analytics.DAU
	Engagement *analytics.Engagement
}

type server struct {
	Deps
	log *slog.Logger
}

// NewMux builds the ledger REST API and WebSocket streams.
// Routes:
//   - GET  {prefix}/healthz
//   - POST {prefix}/users
//   - GET  {prefix}/users/{id}
//   - GET  {prefix}/users/{id}/activity?limit=
//   - GET  {prefix}/users/{id}/rank
//   - POST {prefix}/activity
//   - GET  {prefix}/leaderboard?limit=
//   - GET  {prefix}/leaderboard/snapshots?kind=&limit=
//   - GET  {prefix}/leaderboard/snapshots/{kind}/{period}
//   - POST {prefix}/admin/jobs/{job}
//   - POST {prefix}/admin/users/{id}/replay
//   - GET  {prefix}/admin/engagement?day=
//   - WS   {prefix}/ws?types=
//   - WS   {prefix}/leaderboard/ws?limit=
func NewMux(deps Deps, opts Options) http.Handler {
	s := &server{Deps: deps, log: opts.Logger}
	if s.log == nil {
		s.log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if opts.AllowCORSOrigin != "" {
		r.Use(cors(opts.AllowCORSOrigin))
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		r.Use(rateLimit(newRateLimiter(opts.RateLimitRPM, opts.RateLimitBurst, opts.RateLimitCleanup), s.log))
	}
	if len(opts.APIKeys) > 0 {
		r.Use(apiKeyAuth(opts.APIKeys, s.log))
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	routes := func(r chi.Router) {
		r.Get("/healthz", s.health)

		r.Post("/users", s.register)
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", s.stats)
			r.Get("/activity", s.history)
			r.Get("/rank", s.rank)
		})
		r.Post("/activity", s.apply)

		r.Get("/leaderboard", s.leaderboard)
		r.Get("/leaderboard/snapshots", s.listSnapshots)
		r.Get("/leaderboard/snapshots/{kind}/{period}", s.getSnapshot)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/jobs/{job}", s.runJob)
			r.Post("/users/{id}/replay", s.replay)
			r.Get("/engagement", s.engagement)
		})

		if s.Hub != nil {
			r.Handle("/ws", wsadapter.Handler(s.Hub))
			r.Handle("/leaderboard/ws", wsadapter.LeaderboardHandler(s.Ranker, s.Hub, s.log))
		}
	}
	if prefix := routePrefix(opts.PathPrefix); prefix != "" {
		r.Route(prefix, routes)
	} else {
		routes(r)
	}
	return r
}

func routePrefix(prefix string) string {
	if prefix == "" || prefix == "/" {
		return ""
	}
	if prefix[len(prefix)-1] == '/' {
		prefix = prefix[:len(prefix)-1]
	}
	if prefix[0] != '/' {
		prefix = "/" + prefix
	}
	return prefix
}
