package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"impactkit/analytics"
	"impactkit/core"
	"impactkit/scheduler"
)

const maxBodyBytes = 1 << 20

// health pings the record store.
func (s *server) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{
			"storage": "ok",
		},
	}
	code := http.StatusOK
	if err := s.Aggregator.Ping(r.Context()); err != nil {
		code = http.StatusServiceUnavailable
		status["status"] = "unhealthy"
		status["checks"].(map[string]any)["storage"] = "failed"
		s.log.Warn("health check failed", "event", "health_failed", "error", err)
	}
	writeJSONStatus(w, code, status)
}

type registerRequest struct {
	ID core.UserID `json:"id"`
}

func (s *server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stats, err := s.Aggregator.Register(r.Context(), req.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, stats)
}

// statsResponse is the stored record plus views derived at read time.
type statsResponse struct {
	core.UserStats
	StreakState     string                            `json:"streak_state"`
	BadgeCategories map[core.Badge]core.BadgeCategory `json:"badge_categories,omitempty"`
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Aggregator.GetStats(r.Context(), userParam(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := statsResponse{
		UserStats:   stats,
		StreakState: core.ClassifyStreak(stats, s.Aggregator.Now()).String(),
	}
	rules := s.Aggregator.Rules()
	for _, b := range stats.Badges {
		if cat, ok := rules.CategoryOf(b); ok {
			if resp.BadgeCategories == nil {
				resp.BadgeCategories = make(map[core.Badge]core.BadgeCategory, len(stats.Badges))
			}
			resp.BadgeCategories[b] = cat
		}
	}
	writeJSON(w, resp)
}

func (s *server) history(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	records, err := s.Aggregator.History(r.Context(), userParam(r), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, records)
}

type rankResponse struct {
	UserID core.UserID `json:"user_id"`
	Rank   int         `json:"rank"`
}

func (s *server) rank(w http.ResponseWriter, r *http.Request) {
	user, err := core.NormalizeUserID(userParam(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
		return
	}
	pos, err := s.Ranker.Position(r.Context(), user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, rankResponse{UserID: user, Rank: pos})
}

// apply records one activity. Replays of a logged event answer 200 with duplicate set.
func (s *server) apply(w http.ResponseWriter, r *http.Request) {
	var ev core.ActivityEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	out, err := s.Aggregator.Apply(r.Context(), ev)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, out)
}

func (s *server) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	entries, err := s.Ranker.Rank(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, entries)
}

// listSnapshots lists every kind when the kind filter is absent.
func (s *server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	var kind core.SnapshotKind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		k, err := core.ParseSnapshotKind(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_kind", err.Error(), nil)
			return
		}
		kind = k
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	snaps, err := s.Snapshots.ListSnapshots(r.Context(), kind, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, snaps)
}

// getSnapshot accepts any YYYY-MM-DD date inside the period.
func (s *server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	kind, err := core.ParseSnapshotKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_kind", err.Error(), nil)
		return
	}
	day, err := time.Parse(time.DateOnly, chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_period", "period must be YYYY-MM-DD", nil)
		return
	}
	snap, err := s.Snapshots.GetSnapshot(r.Context(), kind, kind.PeriodStart(day))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (s *server) runJob(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler_disabled", "job runner not configured", nil)
		return
	}
	job := chi.URLParam(r, "job")
	report, err := s.Jobs.RunJob(r.Context(), job)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info("job run on demand", "event", "job_triggered", "job", job)
	writeJSON(w, report)
}

func (s *server) replay(w http.ResponseWriter, r *http.Request) {
	report, err := s.Aggregator.Replay(r.Context(), userParam(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, report)
}

type engagementResponse struct {
	Day           string         `json:"day"`
	Week          string         `json:"week"`
	Month         string         `json:"month"`
	DailyActive   int            `json:"daily_active"`
	WeeklyActive  int            `json:"weekly_active"`
	MonthlyActive int            `json:"monthly_active"`
	PointsOnDay   int64          `json:"points_on_day"`
	StreakResets  int64          `json:"streak_resets"`
	BadgeHolders  map[string]int `json:"badge_holders,omitempty"`
}

// engagement reports participation counters for the period containing day (default today, UTC).
func (s *server) engagement(w http.ResponseWriter, r *http.Request) {
	if s.Engagement == nil || s.DAU == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics_disabled", "engagement tracking not configured", nil)
		return
	}
	day := time.Now().UTC()
	if v := r.URL.Query().Get("day"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_day", "day must be YYYY-MM-DD", nil)
			return
		}
		day = t
	}
	resp := engagementResponse{
		Day:   day.Format(core.PeriodLayout),
		Week:  analytics.WeekKey(day),
		Month: analytics.MonthKey(day),
	}
	resp.DailyActive = s.DAU.Count(resp.Day)
	resp.WeeklyActive = s.Engagement.WeeklyActive(resp.Week)
	resp.MonthlyActive = s.Engagement.MonthlyActive(resp.Month)
	resp.PointsOnDay = s.Engagement.PointsOn(resp.Day)
	resp.StreakResets = s.Engagement.StreakResets()
	if s.Aggregator != nil {
		resp.BadgeHolders = map[string]int{}
		for _, b := range knownBadges(s.Aggregator.Rules()) {
			resp.BadgeHolders[string(b)] = s.Engagement.BadgeHolders(b)
		}
	}
	writeJSON(w, resp)
}

func knownBadges(rules core.Rules) []core.Badge {
	var out []core.Badge
	if rules.FirstEventBadge != "" {
		out = append(out, rules.FirstEventBadge)
	}
	for _, t := range rules.HourBadges {
		out = append(out, t.Badge)
	}
	for _, t := range rules.StreakBadges {
		out = append(out, t.Badge)
	}
	return out
}

func userParam(r *http.Request) core.UserID { return core.UserID(chi.URLParam(r, "id")) }

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer", nil)
		return 0, false
	}
	return n, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), nil)
		return false
	}
	return true
}

// writeDomainError maps the ledger's error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error(), nil)
	case errors.Is(err, core.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", err.Error(), nil)
	case errors.Is(err, core.ErrSnapshotNotFound), errors.Is(err, core.ErrActivityNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "unknown_job", err.Error(), nil)
	case errors.Is(err, core.ErrUserExists):
		writeError(w, http.StatusConflict, "user_exists", err.Error(), nil)
	case errors.Is(err, core.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, core.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}

func writeJSON(w http.ResponseWriter, v any) { writeJSONStatus(w, http.StatusOK, v) }

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSONStatus(w, status, apiError{Code: code, Message: msg, Details: details})
}
