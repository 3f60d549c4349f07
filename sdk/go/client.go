package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"impactkit/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the impactkit HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// Register creates the stats record for a participant.
func (c *Client) Register(ctx context.Context, userID string) (core.UserStats, error) {
	if strings.TrimSpace(userID) == "" {
		return core.UserStats{}, ErrEmptyUserID
	}
	var st core.UserStats
	err := c.do(ctx, http.MethodPost, "/users", nil, map[string]string{"id": userID}, &st)
	return st, err
}

// GetStats fetches a participant's aggregated stats.
func (c *Client) GetStats(ctx context.Context, userID string) (core.UserStats, error) {
	if strings.TrimSpace(userID) == "" {
		return core.UserStats{}, ErrEmptyUserID
	}
	var st core.UserStats
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, nil, &st)
	return st, err
}

// History lists a participant's audit records, newest first. limit <= 0 uses the
// server default.
func (c *Client) History(ctx context.Context, userID string, limit int) ([]core.ActivityRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}
	var recs []core.ActivityRecord
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/activity", limitQuery(limit), nil, &recs)
	return recs, err
}

// Rank returns the participant's 1-based leaderboard position.
func (c *Client) Rank(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrEmptyUserID
	}
	var body struct {
		Rank int `json:"rank"`
	}
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/rank", nil, nil, &body)
	return body.Rank, err
}

// Apply records one activity. Redelivery of the same event returns Duplicate=true.
func (c *Client) Apply(ctx context.Context, ev core.ActivityEvent) (ApplyOutcome, error) {
	var out ApplyOutcome
	err := c.do(ctx, http.MethodPost, "/activity", nil, ev, &out)
	return out, err
}

// Leaderboard returns the top limit participants.
func (c *Client) Leaderboard(ctx context.Context, limit int) ([]core.LeaderboardEntry, error) {
	var entries []core.LeaderboardEntry
	err := c.do(ctx, http.MethodGet, "/leaderboard", limitQuery(limit), nil, &entries)
	return entries, err
}

// Snapshots lists stored snapshots of kind, newest first. An empty kind lists all.
func (c *Client) Snapshots(ctx context.Context, kind core.SnapshotKind, limit int) ([]core.LeaderboardSnapshot, error) {
	q := limitQuery(limit)
	if kind != "" {
		if q == nil {
			q = url.Values{}
		}
		q.Set("kind", string(kind))
	}
	var snaps []core.LeaderboardSnapshot
	err := c.do(ctx, http.MethodGet, "/leaderboard/snapshots", q, nil, &snaps)
	return snaps, err
}

// Snapshot fetches the snapshot of the period containing day.
func (c *Client) Snapshot(ctx context.Context, kind core.SnapshotKind, day time.Time) (core.LeaderboardSnapshot, error) {
	var snap core.LeaderboardSnapshot
	path := fmt.Sprintf("/leaderboard/snapshots/%s/%s", url.PathEscape(string(kind)), day.UTC().Format(core.PeriodLayout))
	err := c.do(ctx, http.MethodGet, path, nil, nil, &snap)
	return snap, err
}

// RunJob triggers a scheduled job (streak_sweep, weekly_snapshot, monthly_snapshot) and
// returns its report.
func (c *Client) RunJob(ctx context.Context, job string) (map[string]any, error) {
	var rep map[string]any
	err := c.do(ctx, http.MethodPost, "/admin/jobs/"+url.PathEscape(job), nil, nil, &rep)
	return rep, err
}

// Replay asks the server to recompute a participant's stats from the audit log.
func (c *Client) Replay(ctx context.Context, userID string) (ReplayReport, error) {
	if strings.TrimSpace(userID) == "" {
		return ReplayReport{}, ErrEmptyUserID
	}
	var rep ReplayReport
	err := c.do(ctx, http.MethodPost, "/admin/users/"+url.PathEscape(userID)+"/replay", nil, nil, &rep)
	return rep, err
}

// Health calls /healthz and returns status + storage check. An unhealthy server
// answers 503 with a body, which is returned alongside the error.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &hs)
	return hs, err
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values,
// optionally restricted to types. The returned channel closes when ctx is done or the
// connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, types ...core.EventType) (<-chan core.Event, error) {
	q := url.Values{}
	for _, t := range types {
		q.Add("types", string(t))
	}
	conn, err := c.dial(ctx, "/ws", q)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	go func() {
		defer close(out)
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				// drop if consumer is slow
			}
		}
	}()
	go closeOnDone(ctx, conn)
	return out, nil
}

// WatchLeaderboard streams the live ranking: the current one first, then each change.
func (c *Client) WatchLeaderboard(ctx context.Context, limit int) (<-chan []core.LeaderboardEntry, error) {
	conn, err := c.dial(ctx, "/leaderboard/ws", limitQuery(limit))
	if err != nil {
		return nil, err
	}

	out := make(chan []core.LeaderboardEntry, 4)
	go func() {
		defer close(out)
		for {
			var entries []core.LeaderboardEntry
			if err := conn.ReadJSON(&entries); err != nil {
				return
			}
			select {
			case out <- entries:
			case <-ctx.Done():
				return
			}
		}
	}()
	go closeOnDone(ctx, conn)
	return out, nil
}

func (c *Client) dial(ctx context.Context, path string, q url.Values) (*websocket.Conn, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	u := c.wsURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, u, c.headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket %s: status %d: %w", path, resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// closeOnDone unblocks the reader when ctx ends.
func closeOnDone(ctx context.Context, conn *websocket.Conn) {
	<-ctx.Done()
	_ = conn.Close()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

// deriveWSURL maps the HTTP base to its ws(s) equivalent; stream paths are appended
// per call.
func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
