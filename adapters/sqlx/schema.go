package sqlx

// Migrations are statement lists per driver, applied in order by Migrate. Every
// statement is idempotent. Instants are stored as unix microseconds, 0 meaning unset.
var migrations = map[Driver][]string{
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS user_stats (
			id TEXT PRIMARY KEY,
			total_points BIGINT NOT NULL DEFAULT 0,
			volunteer_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			completed_events BIGINT NOT NULL DEFAULT 0,
			badges TEXT NOT NULL DEFAULT '',
			level BIGINT NOT NULL DEFAULT 1,
			streak BIGINT NOT NULL DEFAULT 0,
			last_activity_us BIGINT NOT NULL DEFAULT 0,
			created_at_us BIGINT NOT NULL,
			version BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_stats_points ON user_stats (total_points DESC, last_activity_us, id)`,
		`CREATE INDEX IF NOT EXISTS idx_user_stats_streak ON user_stats (last_activity_us) WHERE streak > 0`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			seq BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			occurred_at_us BIGINT NOT NULL,
			points_delta BIGINT NOT NULL,
			hours_delta DOUBLE PRECISION NOT NULL,
			event TEXT NOT NULL,
			stats_after TEXT NOT NULL,
			recorded_at_us BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_log_user ON activity_log (user_id, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS leaderboard_snapshots (
			kind TEXT NOT NULL,
			period_start_us BIGINT NOT NULL,
			captured_at_us BIGINT NOT NULL,
			entries TEXT NOT NULL,
			PRIMARY KEY (kind, period_start_us)
		)`,
	},
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS user_stats (
			id VARCHAR(191) PRIMARY KEY,
			total_points BIGINT NOT NULL DEFAULT 0,
			volunteer_hours DOUBLE NOT NULL DEFAULT 0,
			completed_events BIGINT NOT NULL DEFAULT 0,
			badges VARCHAR(512) NOT NULL DEFAULT '',
			level BIGINT NOT NULL DEFAULT 1,
			streak BIGINT NOT NULL DEFAULT 0,
			last_activity_us BIGINT NOT NULL DEFAULT 0,
			created_at_us BIGINT NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			INDEX idx_user_stats_points (total_points, last_activity_us, id),
			INDEX idx_user_stats_streak (streak, last_activity_us)
		)`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			event_id VARCHAR(191) NOT NULL UNIQUE,
			user_id VARCHAR(191) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			occurred_at_us BIGINT NOT NULL,
			points_delta BIGINT NOT NULL,
			hours_delta DOUBLE NOT NULL,
			event TEXT NOT NULL,
			stats_after TEXT NOT NULL,
			recorded_at_us BIGINT NOT NULL,
			INDEX idx_activity_log_user (user_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS leaderboard_snapshots (
			kind VARCHAR(16) NOT NULL,
			period_start_us BIGINT NOT NULL,
			captured_at_us BIGINT NOT NULL,
			entries MEDIUMTEXT NOT NULL,
			PRIMARY KEY (kind, period_start_us)
		)`,
	},
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS user_stats (
			id TEXT PRIMARY KEY,
			total_points INTEGER NOT NULL DEFAULT 0,
			volunteer_hours REAL NOT NULL DEFAULT 0,
			completed_events INTEGER NOT NULL DEFAULT 0,
			badges TEXT NOT NULL DEFAULT '',
			level INTEGER NOT NULL DEFAULT 1,
			streak INTEGER NOT NULL DEFAULT 0,
			last_activity_us INTEGER NOT NULL DEFAULT 0,
			created_at_us INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_stats_points ON user_stats (total_points DESC, last_activity_us, id)`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			occurred_at_us INTEGER NOT NULL,
			points_delta INTEGER NOT NULL,
			hours_delta REAL NOT NULL,
			event TEXT NOT NULL,
			stats_after TEXT NOT NULL,
			recorded_at_us INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_log_user ON activity_log (user_id, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS leaderboard_snapshots (
			kind TEXT NOT NULL,
			period_start_us INTEGER NOT NULL,
			captured_at_us INTEGER NOT NULL,
			entries TEXT NOT NULL,
			PRIMARY KEY (kind, period_start_us)
		)`,
	},
}
