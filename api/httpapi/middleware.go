package httpapi

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// cors applies a minimal CORS policy and answers preflight requests before
// authentication runs; browsers never send credentials on a preflight.
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-API-Key")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// apiKeyAuth enforces a shared API key list. Health checks are exempt.
func apiKeyAuth(apiKeys []string, log *slog.Logger) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			allowed[k] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/healthz") {
				next.ServeHTTP(w, r)
				return
			}
			key := extractAPIKey(r)
			if _, ok := allowed[key]; !ok {
				msg := "invalid API key"
				if key == "" {
					msg = "missing API key"
				}
				log.Warn("request rejected", "event", "auth_failed", "reason", msg,
					"path", r.URL.Path, "remote", remoteHost(r), "request_id", middleware.GetReqID(r.Context()))
				writeError(w, http.StatusUnauthorized, "unauthorized", msg, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit applies a token-bucket limiter per client key.
func rateLimit(limiter *rateLimiter, log *slog.Logger) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(limiter.refillSeconds())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientKey(r)) {
				log.Debug("request throttled", "event", "rate_limited", "remote", remoteHost(r), "path", r.URL.Path)
				w.Header().Set("Retry-After", retryAfter)
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return r.Header.Get("X-API-Key")
}

// clientKey uses the API key if present, otherwise the remote IP.
func clientKey(r *http.Request) string {
	if key := extractAPIKey(r); key != "" {
		return key
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type rateLimiter struct {
	rpm   float64
	burst float64
	// idle buckets older than ttl are dropped on the next call after ttl elapses
	ttl       time.Duration
	lastSweep time.Time
	mu        sync.Mutex
	b         map[string]*bucket
	now       func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rpm, burst int, ttl time.Duration) *rateLimiter {
	return &rateLimiter{
		rpm:   float64(rpm),
		burst: float64(burst),
		ttl:   ttl,
		b:     make(map[string]*bucket),
		now:   time.Now,
	}
}

func (l *rateLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ttl > 0 && now.Sub(l.lastSweep) > l.ttl {
		l.sweepLocked(now.Add(-l.ttl))
		l.lastSweep = now
	}

	b, ok := l.b[key]
	if !ok {
		l.b[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}

	b.tokens = min(l.burst, b.tokens+now.Sub(b.last).Minutes()*l.rpm)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// refillSeconds is how long one token takes to come back, rounded up.
func (l *rateLimiter) refillSeconds() int {
	if l.rpm <= 0 {
		return 60
	}
	return int(math.Ceil(60 / l.rpm))
}

func (l *rateLimiter) sweepLocked(cutoff time.Time) int {
	n := 0
	for k, b := range l.b {
		if b.last.Before(cutoff) {
			delete(l.b, k)
			n++
		}
	}
	return n
}
