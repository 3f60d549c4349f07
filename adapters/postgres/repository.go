// Package postgres is a gorm-backed engine.Storage for PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"impactkit/core"
)

type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Connect opens dsn through gorm and pings it.
func Connect(dsn string, logger *slog.Logger) (*Repository, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(gormpg.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewRepository(db, logger), nil
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{db: db, logger: logger}
}

// Migrate creates or updates the tables.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&statsModel{}, &activityModel{}, &snapshotModel{})
}

// SetPool bounds the underlying connection pool. Zero leaves a setting unchanged.
func (r *Repository) SetPool(maxOpen, maxIdle int, maxLifetime time.Duration) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(maxLifetime)
	}
	return nil
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *Repository) CreateUser(ctx context.Context, st core.UserStats) error {
	row := statsModelFrom(st)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return core.ErrUserExists
		}
		return r.fail("stats_repo_create_user_failed", err, "user_id", string(st.ID))
	}
	return nil
}

func (r *Repository) GetStats(ctx context.Context, id core.UserID) (core.UserStats, error) {
	var row statsModel
	err := r.db.WithContext(ctx).Where("id = ?", string(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.UserStats{}, core.ErrUserNotFound
	}
	if err != nil {
		return core.UserStats{}, r.fail("stats_repo_get_stats_failed", err, "user_id", string(id))
	}
	return row.toStats(), nil
}

func (r *Repository) ApplyActivity(ctx context.Context, id core.UserID, eventID string, mutate core.MutateFunc) (core.ApplyResult, error) {
	var out core.ApplyResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var logged activityModel
		err := tx.Where("event_id = ?", eventID).Take(&logged).Error
		switch {
		case err == nil:
			rec, err := logged.toRecord()
			if err != nil {
				return err
			}
			out = core.ApplyResult{Stats: rec.StatsAfter, Record: rec, Duplicate: true}
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return r.fail("stats_repo_lookup_activity_failed", err, "event_id", eventID)
		}

		var row statsModel
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", string(id)).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.ErrUserNotFound
		}
		if err != nil {
			return r.fail("stats_repo_lock_stats_failed", err, "user_id", string(id))
		}
		cur := row.toStats()
		next, rec, err := mutate(cur)
		if err != nil {
			return err
		}

		nm := statsModelFrom(next)
		res := tx.Model(&statsModel{}).
			Where("id = ? AND version = ?", string(id), cur.Version).
			Updates(map[string]any{
				"total_points":     nm.TotalPoints,
				"volunteer_hours":  nm.VolunteerHours,
				"completed_events": nm.CompletedEvents,
				"badges":           nm.Badges,
				"level":            nm.Level,
				"streak":           nm.Streak,
				"last_activity":    nm.LastActivity,
				"version":          nm.Version,
			})
		if res.Error != nil {
			return r.fail("stats_repo_update_stats_failed", res.Error, "user_id", string(id))
		}
		if res.RowsAffected != 1 {
			return core.ErrConcurrencyConflict
		}

		am, err := activityModelFrom(rec)
		if err != nil {
			return err
		}
		if err := tx.Create(&am).Error; err != nil {
			return r.fail("stats_repo_append_activity_failed", err, "event_id", eventID)
		}
		out = core.ApplyResult{Stats: next, Record: rec}
		return nil
	})
	if err != nil {
		return core.ApplyResult{}, err
	}
	return out, nil
}

func (r *Repository) GetActivity(ctx context.Context, eventID string) (core.ActivityRecord, error) {
	var row activityModel
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.ActivityRecord{}, core.ErrActivityNotFound
	}
	if err != nil {
		return core.ActivityRecord{}, r.fail("stats_repo_get_activity_failed", err, "event_id", eventID)
	}
	return row.toRecord()
}

func (r *Repository) ListActivity(ctx context.Context, id core.UserID, limit int) ([]core.ActivityRecord, error) {
	tx := r.db.WithContext(ctx).Where("user_id = ?", string(id)).Order("seq DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var rows []activityModel
	if err := tx.Find(&rows).Error; err != nil {
		return nil, r.fail("stats_repo_list_activity_failed", err, "user_id", string(id))
	}
	out := make([]core.ActivityRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Repository) TopByPoints(ctx context.Context, limit int) ([]core.UserStats, error) {
	tx := r.db.WithContext(ctx).Order("total_points DESC, last_activity ASC NULLS FIRST, id ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var rows []statsModel
	if err := tx.Find(&rows).Error; err != nil {
		return nil, r.fail("stats_repo_top_by_points_failed", err, "limit", limit)
	}
	out := make([]core.UserStats, len(rows))
	for i, row := range rows {
		out[i] = row.toStats()
	}
	return out, nil
}

const staleClause = "streak > 0 AND last_activity IS NOT NULL AND last_activity < ?"

func (r *Repository) ListStale(ctx context.Context, cutoff time.Time, afterID core.UserID, limit int) ([]core.UserID, error) {
	tx := r.db.WithContext(ctx).Model(&statsModel{}).
		Where(staleClause, cutoff.UTC()).
		Where("id > ?", string(afterID)).
		Order("id ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var ids []string
	if err := tx.Pluck("id", &ids).Error; err != nil {
		return nil, r.fail("stats_repo_list_stale_failed", err, "cutoff", cutoff)
	}
	out := make([]core.UserID, len(ids))
	for i, id := range ids {
		out[i] = core.UserID(id)
	}
	return out, nil
}

func (r *Repository) ResetStreaks(ctx context.Context, ids []core.UserID, cutoff time.Time, reset core.StreakResetFunc) ([]core.UserID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	var changed []core.UserID
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []statsModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ?", raw).
			Where(staleClause, cutoff.UTC()).
			Order("id ASC").
			Find(&rows).Error; err != nil {
			return r.fail("stats_repo_select_stale_failed", err, "batch", len(ids))
		}
		for _, row := range rows {
			next := statsModelFrom(reset(row.toStats()))
			if err := tx.Model(&statsModel{}).Where("id = ?", row.ID).Updates(map[string]any{
				"streak":  next.Streak,
				"badges":  next.Badges,
				"version": gorm.Expr("version + 1"),
			}).Error; err != nil {
				return r.fail("stats_repo_reset_streak_failed", err, "user_id", row.ID)
			}
			changed = append(changed, core.UserID(row.ID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (r *Repository) PutSnapshot(ctx context.Context, snap core.LeaderboardSnapshot) (bool, error) {
	row, err := snapshotModelFrom(snap)
	if err != nil {
		return false, err
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, r.fail("stats_repo_put_snapshot_failed", res.Error, "snapshot", snap.Key())
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) GetSnapshot(ctx context.Context, kind core.SnapshotKind, periodStart time.Time) (core.LeaderboardSnapshot, error) {
	var row snapshotModel
	err := r.db.WithContext(ctx).
		Where("kind = ? AND period_start = ?", string(kind), periodStart.UTC()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.LeaderboardSnapshot{}, core.ErrSnapshotNotFound
	}
	if err != nil {
		return core.LeaderboardSnapshot{}, r.fail("stats_repo_get_snapshot_failed", err, "kind", string(kind))
	}
	return row.toSnapshot()
}

func (r *Repository) ListSnapshots(ctx context.Context, kind core.SnapshotKind, limit int) ([]core.LeaderboardSnapshot, error) {
	tx := r.db.WithContext(ctx).Model(&snapshotModel{})
	if kind != "" {
		tx = tx.Where("kind = ?", string(kind))
	}
	tx = tx.Order("period_start DESC, kind ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var rows []snapshotModel
	if err := tx.Find(&rows).Error; err != nil {
		return nil, r.fail("stats_repo_list_snapshots_failed", err, "kind", string(kind))
	}
	out := make([]core.LeaderboardSnapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := row.toSnapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return nil
}

// fail logs a database failure and classifies it. Conflicts are retried by the
// aggregator, so they log at warn.
func (r *Repository) fail(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields,
		"event", event,
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	if isConflict(err) {
		r.logger.Warn("stats repository conflict", fields...)
		return fmt.Errorf("%w: %v", core.ErrConcurrencyConflict, err)
	}
	r.logger.Error("stats repository operation failed", fields...)
	return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isConflict covers serialization failures, deadlocks, lock timeouts and a
// concurrent insert of the same event id.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03", "23505":
		return true
	}
	return false
}

type statsModel struct {
	ID              string         `gorm:"column:id;primaryKey"`
	TotalPoints     int64          `gorm:"column:total_points;not null;default:0;index:idx_user_stats_rank,priority:1,sort:desc"`
	VolunteerHours  float64        `gorm:"column:volunteer_hours;not null;default:0"`
	CompletedEvents int64          `gorm:"column:completed_events;not null;default:0"`
	Badges          pq.StringArray `gorm:"column:badges;type:text[]"`
	Level           int64          `gorm:"column:level;not null;default:1"`
	Streak          int64          `gorm:"column:streak;not null;default:0"`
	LastActivity    *time.Time     `gorm:"column:last_activity;index:idx_user_stats_rank,priority:2"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime:false"`
	Version         int64          `gorm:"column:version;not null;default:0"`
}

func (statsModel) TableName() string { return "user_stats" }

func statsModelFrom(st core.UserStats) statsModel {
	badges := make(pq.StringArray, len(st.Badges))
	for i, b := range st.Badges {
		badges[i] = string(b)
	}
	var last *time.Time
	if !st.LastActivity.IsZero() {
		t := st.LastActivity.UTC()
		last = &t
	}
	return statsModel{
		ID:              string(st.ID),
		TotalPoints:     st.TotalPoints,
		VolunteerHours:  st.VolunteerHours,
		CompletedEvents: st.CompletedEvents,
		Badges:          badges,
		Level:           st.Level,
		Streak:          st.Streak,
		LastActivity:    last,
		CreatedAt:       st.CreatedAt.UTC(),
		Version:         st.Version,
	}
}

func (m statsModel) toStats() core.UserStats {
	badges := make([]core.Badge, len(m.Badges))
	for i, b := range m.Badges {
		badges[i] = core.Badge(b)
	}
	st := core.UserStats{
		ID:              core.UserID(m.ID),
		TotalPoints:     m.TotalPoints,
		VolunteerHours:  m.VolunteerHours,
		CompletedEvents: m.CompletedEvents,
		Badges:          badges,
		Level:           m.Level,
		Streak:          m.Streak,
		CreatedAt:       m.CreatedAt.UTC(),
		Version:         m.Version,
	}
	if m.LastActivity != nil {
		st.LastActivity = m.LastActivity.UTC()
	}
	return st
}

type activityModel struct {
	Seq         int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	EventID     string    `gorm:"column:event_id;uniqueIndex"`
	UserID      string    `gorm:"column:user_id;index:idx_activity_log_user"`
	Kind        string    `gorm:"column:kind"`
	OccurredAt  time.Time `gorm:"column:occurred_at"`
	PointsDelta int64     `gorm:"column:points_delta"`
	HoursDelta  float64   `gorm:"column:hours_delta"`
	Event       string    `gorm:"column:event;type:jsonb"`
	StatsAfter  string    `gorm:"column:stats_after;type:jsonb"`
	RecordedAt  time.Time `gorm:"column:recorded_at"`
}

func (activityModel) TableName() string { return "activity_log" }

func activityModelFrom(rec core.ActivityRecord) (activityModel, error) {
	event, err := json.Marshal(rec.Event)
	if err != nil {
		return activityModel{}, err
	}
	after, err := json.Marshal(rec.StatsAfter)
	if err != nil {
		return activityModel{}, err
	}
	return activityModel{
		EventID:     rec.EventID,
		UserID:      string(rec.UserID),
		Kind:        string(rec.Kind),
		OccurredAt:  rec.OccurredAt.UTC(),
		PointsDelta: rec.PointsDelta,
		HoursDelta:  rec.HoursDelta,
		Event:       string(event),
		StatsAfter:  string(after),
		RecordedAt:  rec.RecordedAt.UTC(),
	}, nil
}

func (m activityModel) toRecord() (core.ActivityRecord, error) {
	rec := core.ActivityRecord{
		EventID:     m.EventID,
		UserID:      core.UserID(m.UserID),
		Kind:        core.ActivityKind(m.Kind),
		OccurredAt:  m.OccurredAt.UTC(),
		PointsDelta: m.PointsDelta,
		HoursDelta:  m.HoursDelta,
		RecordedAt:  m.RecordedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(m.Event), &rec.Event); err != nil {
		return core.ActivityRecord{}, fmt.Errorf("decode event %s: %w", m.EventID, err)
	}
	if err := json.Unmarshal([]byte(m.StatsAfter), &rec.StatsAfter); err != nil {
		return core.ActivityRecord{}, fmt.Errorf("decode stats_after %s: %w", m.EventID, err)
	}
	return rec, nil
}

type snapshotModel struct {
	Kind        string    `gorm:"column:kind;primaryKey"`
	PeriodStart time.Time `gorm:"column:period_start;primaryKey"`
	CapturedAt  time.Time `gorm:"column:captured_at"`
	Entries     string    `gorm:"column:entries;type:jsonb"`
}

func (snapshotModel) TableName() string { return "leaderboard_snapshots" }

func snapshotModelFrom(snap core.LeaderboardSnapshot) (snapshotModel, error) {
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return snapshotModel{}, err
	}
	return snapshotModel{
		Kind:        string(snap.Kind),
		PeriodStart: snap.PeriodStart.UTC(),
		CapturedAt:  snap.CapturedAt.UTC(),
		Entries:     string(entries),
	}, nil
}

func (m snapshotModel) toSnapshot() (core.LeaderboardSnapshot, error) {
	snap := core.LeaderboardSnapshot{
		Kind:        core.SnapshotKind(m.Kind),
		PeriodStart: m.PeriodStart.UTC(),
		CapturedAt:  m.CapturedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(m.Entries), &snap.Entries); err != nil {
		return core.LeaderboardSnapshot{}, fmt.Errorf("decode snapshot entries: %w", err)
	}
	return snap, nil
}
