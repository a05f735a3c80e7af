package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		space_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		started_at TEXT NOT NULL,
		resolved_at TEXT,
		meta_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_space_kind_open ON alerts(space_id, kind, resolved_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_space_started ON alerts(space_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS device_desired (
		space_id TEXT PRIMARY KEY,
		co2_alert_threshold INTEGER NOT NULL,
		sampling_interval_sec INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_reported (
		space_id TEXT PRIMARY KEY,
		co2_alert_threshold INTEGER NOT NULL,
		sampling_interval_sec INTEGER NOT NULL,
		firmware_version TEXT,
		reported_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS office_hours (
		space_id TEXT PRIMARY KEY,
		open_time TEXT NOT NULL,
		close_time TEXT NOT NULL,
		time_zone TEXT NOT NULL,
		work_days_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS telemetry_windows (
		space_id TEXT NOT NULL,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		temp_c_avg REAL NOT NULL, temp_c_min REAL NOT NULL, temp_c_max REAL NOT NULL,
		humidity_pct_avg REAL NOT NULL, humidity_pct_min REAL NOT NULL, humidity_pct_max REAL NOT NULL,
		co2_ppm_avg REAL NOT NULL, co2_ppm_min REAL NOT NULL, co2_ppm_max REAL NOT NULL,
		occupancy_avg REAL NOT NULL, occupancy_min REAL NOT NULL, occupancy_max REAL NOT NULL,
		power_w_avg REAL NOT NULL, power_w_min REAL NOT NULL, power_w_max REAL NOT NULL,
		sample_count INTEGER NOT NULL,
		PRIMARY KEY (space_id, window_start)
	)`,
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:spacewatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared and avoids SQLITE_BUSY on writes
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{
		db:      db,
		dialect: dialect{name: "sqlite", schema: sqliteSchema, textTime: true},
	}}, nil
}
