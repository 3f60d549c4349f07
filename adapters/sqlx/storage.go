// Package sqlx stores gamification state in a relational database through jmoiron/sqlx.
// Postgres, MySQL and SQLite are supported.
package sqlx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"impactkit/core"
)

// Driver selects the SQL dialect.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

// Config holds SQL connection configuration.
type Config struct {
	Driver          Driver
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Migrate applies the schema on open.
	Migrate bool
}

// DefaultConfig returns pool defaults for driver.
func DefaultConfig(driver Driver) Config {
	cfg := Config{
		Driver:          driver,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		Migrate:         true,
	}
	switch driver {
	case DriverPostgres:
		cfg.DSN = "postgres://localhost:5432/impactkit?sslmode=disable"
	case DriverMySQL:
		cfg.DSN = "root@tcp(localhost:3306)/impactkit"
	case DriverSQLite:
		cfg.DSN = "file:impactkit.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	return cfg
}

// Store implements engine.Storage on a SQL database.
type Store struct {
	db     *sqlx.DB
	driver Driver
}

// New opens the database, pings it and optionally migrates the schema.
func New(cfg Config) (*Store, error) {
	if _, ok := migrations[cfg.Driver]; !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	db, err := sqlx.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// one connection serializes writers, so SQLite never reports SQLITE_BUSY to us
		cfg.MaxOpenConns = 1
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	s := NewWithDB(db, cfg.Driver)
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing handle (useful for testing).
func NewWithDB(db *sqlx.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver}
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations[s.driver] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// q rewrites ? placeholders for the driver.
func (s *Store) q(query string) string { return s.db.Rebind(query) }

func (s *Store) forUpdate() string {
	if s.driver == DriverSQLite {
		return ""
	}
	return " FOR UPDATE"
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

type statsRow struct {
	ID              string  `db:"id"`
	TotalPoints     int64   `db:"total_points"`
	VolunteerHours  float64 `db:"volunteer_hours"`
	CompletedEvents int64   `db:"completed_events"`
	Badges          string  `db:"badges"`
	Level           int64   `db:"level"`
	Streak          int64   `db:"streak"`
	LastActivity    int64   `db:"last_activity_us"`
	CreatedAt       int64   `db:"created_at_us"`
	Version         int64   `db:"version"`
}

const statsColumns = `id, total_points, volunteer_hours, completed_events, badges, level, streak, last_activity_us, created_at_us, version`

func toRow(st core.UserStats) statsRow {
	badges := make([]string, len(st.Badges))
	for i, b := range st.Badges {
		badges[i] = string(b)
	}
	return statsRow{
		ID:              string(st.ID),
		TotalPoints:     st.TotalPoints,
		VolunteerHours:  st.VolunteerHours,
		CompletedEvents: st.CompletedEvents,
		Badges:          strings.Join(badges, ","),
		Level:           st.Level,
		Streak:          st.Streak,
		LastActivity:    micros(st.LastActivity),
		CreatedAt:       micros(st.CreatedAt),
		Version:         st.Version,
	}
}

func (r statsRow) stats() core.UserStats {
	badges := []core.Badge{}
	if r.Badges != "" {
		for _, b := range strings.Split(r.Badges, ",") {
			badges = append(badges, core.Badge(b))
		}
	}
	return core.UserStats{
		ID:              core.UserID(r.ID),
		TotalPoints:     r.TotalPoints,
		VolunteerHours:  r.VolunteerHours,
		CompletedEvents: r.CompletedEvents,
		Badges:          badges,
		Level:           r.Level,
		Streak:          r.Streak,
		LastActivity:    fromMicros(r.LastActivity),
		CreatedAt:       fromMicros(r.CreatedAt),
		Version:         r.Version,
	}
}

type activityRow struct {
	EventID     string  `db:"event_id"`
	UserID      string  `db:"user_id"`
	Kind        string  `db:"kind"`
	OccurredAt  int64   `db:"occurred_at_us"`
	PointsDelta int64   `db:"points_delta"`
	HoursDelta  float64 `db:"hours_delta"`
	Event       string  `db:"event"`
	StatsAfter  string  `db:"stats_after"`
	RecordedAt  int64   `db:"recorded_at_us"`
}

const activityColumns = `event_id, user_id, kind, occurred_at_us, points_delta, hours_delta, event, stats_after, recorded_at_us`

func (r activityRow) record() (core.ActivityRecord, error) {
	rec := core.ActivityRecord{
		EventID:     r.EventID,
		UserID:      core.UserID(r.UserID),
		Kind:        core.ActivityKind(r.Kind),
		OccurredAt:  fromMicros(r.OccurredAt),
		PointsDelta: r.PointsDelta,
		HoursDelta:  r.HoursDelta,
		RecordedAt:  fromMicros(r.RecordedAt),
	}
	if err := json.Unmarshal([]byte(r.Event), &rec.Event); err != nil {
		return core.ActivityRecord{}, fmt.Errorf("decode event %s: %w", r.EventID, err)
	}
	if err := json.Unmarshal([]byte(r.StatsAfter), &rec.StatsAfter); err != nil {
		return core.ActivityRecord{}, fmt.Errorf("decode stats_after %s: %w", r.EventID, err)
	}
	return rec, nil
}

func (s *Store) CreateUser(ctx context.Context, st core.UserStats) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO user_stats (`+statsColumns+`)
		VALUES (:id, :total_points, :volunteer_hours, :completed_events, :badges, :level, :streak, :last_activity_us, :created_at_us, :version)`, toRow(st))
	if isUniqueViolation(err) {
		return core.ErrUserExists
	}
	return mapErr("create user", err)
}

func (s *Store) GetStats(ctx context.Context, id core.UserID) (core.UserStats, error) {
	var row statsRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+statsColumns+` FROM user_stats WHERE id = ?`), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.UserStats{}, core.ErrUserNotFound
	}
	if err != nil {
		return core.UserStats{}, mapErr("get stats", err)
	}
	return row.stats(), nil
}

// ApplyActivity locks the user row for the duration of the transaction. The update
// also checks the version read, which is what guards SQLite where FOR UPDATE is absent.
func (s *Store) ApplyActivity(ctx context.Context, id core.UserID, eventID string, mutate core.MutateFunc) (core.ApplyResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.ApplyResult{}, mapErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var logged activityRow
	err = tx.GetContext(ctx, &logged, s.q(`SELECT `+activityColumns+` FROM activity_log WHERE event_id = ?`), eventID)
	switch {
	case err == nil:
		rec, err := logged.record()
		if err != nil {
			return core.ApplyResult{}, err
		}
		return core.ApplyResult{Stats: rec.StatsAfter, Record: rec, Duplicate: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return core.ApplyResult{}, mapErr("lookup activity", err)
	}

	var row statsRow
	err = tx.GetContext(ctx, &row, s.q(`SELECT `+statsColumns+` FROM user_stats WHERE id = ?`+s.forUpdate()), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.ApplyResult{}, core.ErrUserNotFound
	}
	if err != nil {
		return core.ApplyResult{}, mapErr("lock stats", err)
	}
	cur := row.stats()
	next, rec, err := mutate(cur)
	if err != nil {
		return core.ApplyResult{}, err
	}

	nr := toRow(next)
	res, err := tx.ExecContext(ctx, s.q(`UPDATE user_stats SET total_points = ?, volunteer_hours = ?, completed_events = ?,
		badges = ?, level = ?, streak = ?, last_activity_us = ?, version = ? WHERE id = ? AND version = ?`),
		nr.TotalPoints, nr.VolunteerHours, nr.CompletedEvents, nr.Badges, nr.Level, nr.Streak, nr.LastActivity, nr.Version,
		string(id), cur.Version)
	if err != nil {
		return core.ApplyResult{}, mapErr("update stats", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return core.ApplyResult{}, mapErr("update stats", err)
	} else if n != 1 {
		return core.ApplyResult{}, core.ErrConcurrencyConflict
	}

	eventJSON, err := json.Marshal(rec.Event)
	if err != nil {
		return core.ApplyResult{}, err
	}
	afterJSON, err := json.Marshal(rec.StatsAfter)
	if err != nil {
		return core.ApplyResult{}, err
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO activity_log (`+activityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		eventID, string(id), string(rec.Kind), micros(rec.OccurredAt), rec.PointsDelta, rec.HoursDelta,
		string(eventJSON), string(afterJSON), micros(rec.RecordedAt))
	if err != nil {
		return core.ApplyResult{}, mapErr("append activity", err)
	}
	if err := tx.Commit(); err != nil {
		return core.ApplyResult{}, mapErr("commit", err)
	}
	return core.ApplyResult{Stats: next, Record: rec}, nil
}

func (s *Store) GetActivity(ctx context.Context, eventID string) (core.ActivityRecord, error) {
	var row activityRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+activityColumns+` FROM activity_log WHERE event_id = ?`), eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ActivityRecord{}, core.ErrActivityNotFound
	}
	if err != nil {
		return core.ActivityRecord{}, mapErr("get activity", err)
	}
	return row.record()
}

func (s *Store) ListActivity(ctx context.Context, id core.UserID, limit int) ([]core.ActivityRecord, error) {
	query := `SELECT ` + activityColumns + ` FROM activity_log WHERE user_id = ? ORDER BY seq DESC`
	args := []any{string(id)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []activityRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, mapErr("list activity", err)
	}
	out := make([]core.ActivityRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// TopByPoints orders in SQL with the full ranking key, so no boundary widening is needed.
func (s *Store) TopByPoints(ctx context.Context, limit int) ([]core.UserStats, error) {
	query := `SELECT ` + statsColumns + ` FROM user_stats ORDER BY total_points DESC, last_activity_us ASC, id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []statsRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, mapErr("top by points", err)
	}
	out := make([]core.UserStats, len(rows))
	for i, r := range rows {
		out[i] = r.stats()
	}
	return out, nil
}

func (s *Store) ListStale(ctx context.Context, cutoff time.Time, afterID core.UserID, limit int) ([]core.UserID, error) {
	query := `SELECT id FROM user_stats WHERE streak > 0 AND last_activity_us > 0 AND last_activity_us < ? AND id > ? ORDER BY id`
	args := []any{micros(cutoff), string(afterID)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.q(query), args...); err != nil {
		return nil, mapErr("list stale", err)
	}
	out := make([]core.UserID, len(ids))
	for i, id := range ids {
		out[i] = core.UserID(id)
	}
	return out, nil
}

// ResetStreaks rewrites a batch in one transaction. Rows are re-selected with the stale
// predicate under lock so a concurrent activity wins over the sweep.
func (s *Store) ResetStreaks(ctx context.Context, ids []core.UserID, cutoff time.Time, reset core.StreakResetFunc) ([]core.UserID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	query, args, err := sqlx.In(`SELECT `+statsColumns+` FROM user_stats
		WHERE id IN (?) AND streak > 0 AND last_activity_us > 0 AND last_activity_us < ? ORDER BY id`+s.forUpdate(), raw, micros(cutoff))
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, mapErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rows []statsRow
	if err := tx.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, mapErr("select stale", err)
	}
	changed := make([]core.UserID, 0, len(rows))
	for _, r := range rows {
		cur := r.stats()
		next := toRow(reset(cur))
		_, err := tx.ExecContext(ctx, s.q(`UPDATE user_stats SET streak = ?, badges = ?, version = version + 1 WHERE id = ? AND version = ?`),
			next.Streak, next.Badges, r.ID, r.Version)
		if err != nil {
			return nil, mapErr("reset streak", err)
		}
		changed = append(changed, cur.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapErr("commit", err)
	}
	return changed, nil
}

func (s *Store) PutSnapshot(ctx context.Context, snap core.LeaderboardSnapshot) (bool, error) {
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return false, err
	}
	var query string
	switch s.driver {
	case DriverMySQL:
		query = `INSERT IGNORE INTO leaderboard_snapshots (kind, period_start_us, captured_at_us, entries) VALUES (?, ?, ?, ?)`
	default:
		query = `INSERT INTO leaderboard_snapshots (kind, period_start_us, captured_at_us, entries) VALUES (?, ?, ?, ?)
			ON CONFLICT (kind, period_start_us) DO NOTHING`
	}
	res, err := s.db.ExecContext(ctx, s.q(query), string(snap.Kind), micros(snap.PeriodStart), micros(snap.CapturedAt), string(entries))
	if err != nil {
		return false, mapErr("put snapshot", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr("put snapshot", err)
	}
	return n == 1, nil
}

type snapshotRow struct {
	Kind        string `db:"kind"`
	PeriodStart int64  `db:"period_start_us"`
	CapturedAt  int64  `db:"captured_at_us"`
	Entries     string `db:"entries"`
}

func (r snapshotRow) snapshot() (core.LeaderboardSnapshot, error) {
	snap := core.LeaderboardSnapshot{
		Kind:        core.SnapshotKind(r.Kind),
		PeriodStart: fromMicros(r.PeriodStart),
		CapturedAt:  fromMicros(r.CapturedAt),
	}
	if err := json.Unmarshal([]byte(r.Entries), &snap.Entries); err != nil {
		return core.LeaderboardSnapshot{}, fmt.Errorf("decode snapshot entries: %w", err)
	}
	return snap, nil
}

func (s *Store) GetSnapshot(ctx context.Context, kind core.SnapshotKind, periodStart time.Time) (core.LeaderboardSnapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT kind, period_start_us, captured_at_us, entries FROM leaderboard_snapshots
		WHERE kind = ? AND period_start_us = ?`), string(kind), micros(periodStart))
	if errors.Is(err, sql.ErrNoRows) {
		return core.LeaderboardSnapshot{}, core.ErrSnapshotNotFound
	}
	if err != nil {
		return core.LeaderboardSnapshot{}, mapErr("get snapshot", err)
	}
	return row.snapshot()
}

func (s *Store) ListSnapshots(ctx context.Context, kind core.SnapshotKind, limit int) ([]core.LeaderboardSnapshot, error) {
	query := `SELECT kind, period_start_us, captured_at_us, entries FROM leaderboard_snapshots`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY period_start_us DESC, kind ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, mapErr("list snapshots", err)
	}
	out := make([]core.LeaderboardSnapshot, 0, len(rows))
	for _, r := range rows {
		snap, err := r.snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return mapErr("ping", s.db.PingContext(ctx))
}
