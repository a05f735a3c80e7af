package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		space_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ,
		meta_json JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_space_kind_open ON alerts(space_id, kind) WHERE resolved_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_space_started ON alerts(space_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS device_desired (
		space_id TEXT PRIMARY KEY,
		co2_alert_threshold INTEGER NOT NULL,
		sampling_interval_sec INTEGER NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_reported (
		space_id TEXT PRIMARY KEY,
		co2_alert_threshold INTEGER NOT NULL,
		sampling_interval_sec INTEGER NOT NULL,
		firmware_version TEXT,
		reported_at TIMESTAMPTZ NOT NULL
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
		window_start TIMESTAMPTZ NOT NULL,
		window_end TIMESTAMPTZ NOT NULL,
		temp_c_avg DOUBLE PRECISION NOT NULL, temp_c_min DOUBLE PRECISION NOT NULL, temp_c_max DOUBLE PRECISION NOT NULL,
		humidity_pct_avg DOUBLE PRECISION NOT NULL, humidity_pct_min DOUBLE PRECISION NOT NULL, humidity_pct_max DOUBLE PRECISION NOT NULL,
		co2_ppm_avg DOUBLE PRECISION NOT NULL, co2_ppm_min DOUBLE PRECISION NOT NULL, co2_ppm_max DOUBLE PRECISION NOT NULL,
		occupancy_avg DOUBLE PRECISION NOT NULL, occupancy_min DOUBLE PRECISION NOT NULL, occupancy_max DOUBLE PRECISION NOT NULL,
		power_w_avg DOUBLE PRECISION NOT NULL, power_w_min DOUBLE PRECISION NOT NULL, power_w_max DOUBLE PRECISION NOT NULL,
		sample_count INTEGER NOT NULL,
		PRIMARY KEY (space_id, window_start)
	)`,
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/spacewatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{
		db:      db,
		dialect: dialect{name: "postgres", schema: postgresSchema, numbered: true},
	}}, nil
}
