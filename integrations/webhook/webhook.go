// Package webhook delivers selected domain events to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"impactkit/core"
)

// DefaultTypes are the events delivered when no filter is configured.
var DefaultTypes = []core.EventType{core.EventSnapshotCreated, core.EventBadgeAwarded, core.EventLevelUp}

// Sink posts domain events to configured HTTP endpoints. Delivery is synchronous,
// so subscribe it on an async bus.
type Sink struct {
	client     *http.Client
	endpoints  []string
	types      []core.EventType
	secret     string
	maxRetries uint64
	log        *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithClient overrides the HTTP client (defaults to 2s timeout).
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTypes restricts delivery to the listed event types.
func WithTypes(types ...core.EventType) Option {
	return func(s *Sink) { s.types = slices.Clone(types) }
}

// WithSecret sends secret in the X-Impactkit-Secret header.
func WithSecret(secret string) Option { return func(s *Sink) { s.secret = secret } }

// WithRetries sets how many times a failed delivery is retried.
func WithRetries(n uint64) Option { return func(s *Sink) { s.maxRetries = n } }

func WithLogger(l *slog.Logger) Option { return func(s *Sink) { s.log = l } }

// New creates a webhook sink.
func New(endpoints []string, opts ...Option) *Sink {
	s := &Sink{
		client:     &http.Client{Timeout: 2 * time.Second},
		types:      DefaultTypes,
		maxRetries: 2,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoints = append([]string{}, endpoints...)
	return s
}

// Wants reports whether events of type t are delivered.
func (s *Sink) Wants(t core.EventType) bool { return slices.Contains(s.types, t) }

// OnEvent posts the event JSON to all endpoints. Failures are logged, never returned.
func (s *Sink) OnEvent(e core.Event) {
	if len(s.endpoints) == 0 || !s.Wants(e.Type) {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		s.log.Error("webhook encode failed", "event", "webhook_encode_failed", "type", string(e.Type), "error", err)
		return
	}
	for _, ep := range s.endpoints {
		if err := s.deliver(context.Background(), ep, body); err != nil {
			s.log.Warn("webhook delivery failed",
				"event", "webhook_delivery_failed",
				"endpoint", ep, "type", string(e.Type), "user_id", string(e.UserID), "error", err)
		}
	}
}

// deliver retries network errors and 5xx responses; 4xx is final.
func (s *Sink) deliver(ctx context.Context, endpoint string, body []byte) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, s.maxRetries), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.secret != "" {
			req.Header.Set("X-Impactkit-Secret", s.secret)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("endpoint returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("endpoint returned %d", resp.StatusCode))
		}
		return nil
	}, policy)
}
