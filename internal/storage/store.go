package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"spacewatch/internal/config"
	"spacewatch/internal/model"
)

var ErrNotFound = errors.New("storage: not found")

// AlertStore is the persistence surface the alert engine needs, plus the
// read-only listing used by the query API.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert model.Alert) (model.Alert, error)
	// FindLatestOpenAlert returns nil without error when no open alert exists.
	FindLatestOpenAlert(ctx context.Context, spaceID string, kind model.AlertKind) (*model.Alert, error)
	MarkAlertResolved(ctx context.Context, id string, at time.Time) (model.Alert, error)
	ListAlerts(ctx context.Context, spaceID string, filter model.AlertFilter) ([]model.Alert, error)
}

// ConfigStore reads return nil without error when nothing is configured.
type ConfigStore interface {
	GetDesiredConfig(ctx context.Context, spaceID string) (*model.DesiredConfig, error)
	SaveDesiredConfig(ctx context.Context, cfg model.DesiredConfig) error
	GetReportedState(ctx context.Context, spaceID string) (*model.ReportedState, error)
	SaveReportedState(ctx context.Context, state model.ReportedState) error
	GetOfficeHours(ctx context.Context, spaceID string) (*model.OfficeHours, error)
	SaveOfficeHours(ctx context.Context, hours model.OfficeHours) error
}

type TelemetryStore interface {
	GetTelemetryWindow(ctx context.Context, spaceID string, windowStart time.Time) (*model.TelemetryWindow, error)
	SaveTelemetryWindow(ctx context.Context, w model.TelemetryWindow) error
	ListTelemetryWindows(ctx context.Context, spaceID string, since time.Time) ([]model.TelemetryWindow, error)
}

type Store interface {
	Init(ctx context.Context) error
	Close() error
	AlertStore
	ConfigStore
	TelemetryStore
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type dialect struct {
	name     string
	schema   []string
	numbered bool
	// sqlite keeps timestamps as fixed-width UTC text so they sort correctly.
	textTime bool
}

type baseStore struct {
	db      *sql.DB
	dialect dialect
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.dialect.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s init: %w", b.dialect.name, err)
		}
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// bind rewrites ? placeholders to $n for drivers that need numbered args.
func (b *baseStore) bind(query string) string {
	if !b.dialect.numbered {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (b *baseStore) timeArg(t time.Time) any {
	if b.dialect.textTime {
		return t.UTC().Format(timeLayout)
	}
	return t.UTC()
}

func (b *baseStore) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return b.timeArg(*t)
}

// dbTime scans TIMESTAMPTZ values from pgx and text timestamps from sqlite.
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (d *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		d.Time, d.Valid = time.Time{}, false
		return nil
	case time.Time:
		d.Time, d.Valid = v.UTC(), true
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("storage: cannot scan %T into time", src)
	}
}

func (d *dbTime) parse(s string) error {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time, d.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("storage: unparseable time %q", s)
}

func (d dbTime) ptr() *time.Time {
	if !d.Valid {
		return nil
	}
	t := d.Time
	return &t
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const alertColumns = `id, space_id, kind, started_at, resolved_at, meta_json`

func scanAlert(row rowScanner) (model.Alert, error) {
	var (
		a        model.Alert
		kind     string
		started  dbTime
		resolved dbTime
		meta     []byte
	)
	if err := row.Scan(&a.ID, &a.SpaceID, &kind, &started, &resolved, &meta); err != nil {
		return model.Alert{}, err
	}
	a.Kind = model.AlertKind(kind)
	a.StartedAt = started.Time
	a.ResolvedAt = resolved.ptr()
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Meta); err != nil {
			return model.Alert{}, fmt.Errorf("decode alert meta: %w", err)
		}
	}
	return a, nil
}

func (b *baseStore) CreateAlert(ctx context.Context, alert model.Alert) (model.Alert, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.StartedAt.IsZero() {
		alert.StartedAt = time.Now().UTC()
	}
	alert.StartedAt = alert.StartedAt.UTC()
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO alerts (id, space_id, kind, started_at, resolved_at, meta_json)
		VALUES (?, ?, ?, ?, ?, ?)`),
		alert.ID,
		alert.SpaceID,
		string(alert.Kind),
		b.timeArg(alert.StartedAt),
		b.nullTimeArg(alert.ResolvedAt),
		encodeJSON(alert.Meta),
	)
	if err != nil {
		return model.Alert{}, fmt.Errorf("create alert: %w", err)
	}
	return alert, nil
}

func (b *baseStore) FindLatestOpenAlert(ctx context.Context, spaceID string, kind model.AlertKind) (*model.Alert, error) {
	row := b.db.QueryRowContext(ctx, b.bind(
		`SELECT `+alertColumns+` FROM alerts
		WHERE space_id = ? AND kind = ? AND resolved_at IS NULL
		ORDER BY started_at DESC LIMIT 1`),
		spaceID, string(kind))
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open alert: %w", err)
	}
	return &a, nil
}

func (b *baseStore) MarkAlertResolved(ctx context.Context, id string, at time.Time) (model.Alert, error) {
	res, err := b.db.ExecContext(ctx, b.bind(
		`UPDATE alerts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`),
		b.timeArg(at), id)
	if err != nil {
		return model.Alert{}, fmt.Errorf("resolve alert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Alert{}, ErrNotFound
	}
	row := b.db.QueryRowContext(ctx, b.bind(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id)
	a, err := scanAlert(row)
	if err != nil {
		return model.Alert{}, fmt.Errorf("reload resolved alert: %w", err)
	}
	return a, nil
}

func (b *baseStore) ListAlerts(ctx context.Context, spaceID string, filter model.AlertFilter) ([]model.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE space_id = ?`
	args := []any{spaceID}
	if filter.ActiveOnly {
		query += ` AND resolved_at IS NULL`
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := b.db.QueryContext(ctx, b.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	out := make([]model.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (b *baseStore) GetDesiredConfig(ctx context.Context, spaceID string) (*model.DesiredConfig, error) {
	var (
		cfg     model.DesiredConfig
		updated dbTime
	)
	err := b.db.QueryRowContext(ctx, b.bind(
		`SELECT space_id, co2_alert_threshold, sampling_interval_sec, updated_at
		FROM device_desired WHERE space_id = ?`), spaceID).
		Scan(&cfg.SpaceID, &cfg.CO2AlertThreshold, &cfg.SamplingIntervalSec, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get desired config: %w", err)
	}
	cfg.UpdatedAt = updated.Time
	return &cfg, nil
}

func (b *baseStore) SaveDesiredConfig(ctx context.Context, cfg model.DesiredConfig) error {
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO device_desired (space_id, co2_alert_threshold, sampling_interval_sec, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (space_id) DO UPDATE SET
			co2_alert_threshold = excluded.co2_alert_threshold,
			sampling_interval_sec = excluded.sampling_interval_sec,
			updated_at = excluded.updated_at`),
		cfg.SpaceID, cfg.CO2AlertThreshold, cfg.SamplingIntervalSec, b.timeArg(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save desired config: %w", err)
	}
	return nil
}

func (b *baseStore) GetReportedState(ctx context.Context, spaceID string) (*model.ReportedState, error) {
	var (
		st       model.ReportedState
		firmware sql.NullString
		reported dbTime
	)
	err := b.db.QueryRowContext(ctx, b.bind(
		`SELECT space_id, co2_alert_threshold, sampling_interval_sec, firmware_version, reported_at
		FROM device_reported WHERE space_id = ?`), spaceID).
		Scan(&st.SpaceID, &st.CO2AlertThreshold, &st.SamplingIntervalSec, &firmware, &reported)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reported state: %w", err)
	}
	st.FirmwareVersion = firmware.String
	st.ReportedAt = reported.Time
	return &st, nil
}

// SaveReportedState keeps the previous firmware version when the new report omits it.
func (b *baseStore) SaveReportedState(ctx context.Context, st model.ReportedState) error {
	var firmware any
	if st.FirmwareVersion != "" {
		firmware = st.FirmwareVersion
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO device_reported (space_id, co2_alert_threshold, sampling_interval_sec, firmware_version, reported_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (space_id) DO UPDATE SET
			co2_alert_threshold = excluded.co2_alert_threshold,
			sampling_interval_sec = excluded.sampling_interval_sec,
			firmware_version = COALESCE(excluded.firmware_version, device_reported.firmware_version),
			reported_at = excluded.reported_at`),
		st.SpaceID, st.CO2AlertThreshold, st.SamplingIntervalSec, firmware, b.timeArg(st.ReportedAt))
	if err != nil {
		return fmt.Errorf("save reported state: %w", err)
	}
	return nil
}

func (b *baseStore) GetOfficeHours(ctx context.Context, spaceID string) (*model.OfficeHours, error) {
	var (
		oh   model.OfficeHours
		days string
	)
	err := b.db.QueryRowContext(ctx, b.bind(
		`SELECT space_id, open_time, close_time, time_zone, work_days_json
		FROM office_hours WHERE space_id = ?`), spaceID).
		Scan(&oh.SpaceID, &oh.OpenTime, &oh.CloseTime, &oh.TimeZone, &days)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get office hours: %w", err)
	}
	if err := json.Unmarshal([]byte(days), &oh.WorkDays); err != nil {
		return nil, fmt.Errorf("decode work days: %w", err)
	}
	return &oh, nil
}

func (b *baseStore) SaveOfficeHours(ctx context.Context, oh model.OfficeHours) error {
	days := oh.WorkDays
	if days == nil {
		days = []int{}
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO office_hours (space_id, open_time, close_time, time_zone, work_days_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (space_id) DO UPDATE SET
			open_time = excluded.open_time,
			close_time = excluded.close_time,
			time_zone = excluded.time_zone,
			work_days_json = excluded.work_days_json`),
		oh.SpaceID, oh.OpenTime, oh.CloseTime, oh.TimeZone, encodeJSON(days))
	if err != nil {
		return fmt.Errorf("save office hours: %w", err)
	}
	return nil
}

const windowColumns = `space_id, window_start, window_end,
	temp_c_avg, temp_c_min, temp_c_max,
	humidity_pct_avg, humidity_pct_min, humidity_pct_max,
	co2_ppm_avg, co2_ppm_min, co2_ppm_max,
	occupancy_avg, occupancy_min, occupancy_max,
	power_w_avg, power_w_min, power_w_max,
	sample_count`

func scanWindow(row rowScanner) (model.TelemetryWindow, error) {
	var (
		w          model.TelemetryWindow
		start, end dbTime
	)
	err := row.Scan(&w.SpaceID, &start, &end,
		&w.TempCAvg, &w.TempCMin, &w.TempCMax,
		&w.HumidityPctAvg, &w.HumidityPctMin, &w.HumidityPctMax,
		&w.CO2PPMAvg, &w.CO2PPMMin, &w.CO2PPMMax,
		&w.OccupancyAvg, &w.OccupancyMin, &w.OccupancyMax,
		&w.PowerWAvg, &w.PowerWMin, &w.PowerWMax,
		&w.SampleCount)
	if err != nil {
		return model.TelemetryWindow{}, err
	}
	w.WindowStart = start.Time
	w.WindowEnd = end.Time
	return w, nil
}

func (b *baseStore) GetTelemetryWindow(ctx context.Context, spaceID string, windowStart time.Time) (*model.TelemetryWindow, error) {
	row := b.db.QueryRowContext(ctx, b.bind(
		`SELECT `+windowColumns+` FROM telemetry_windows WHERE space_id = ? AND window_start = ?`),
		spaceID, b.timeArg(windowStart))
	w, err := scanWindow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get telemetry window: %w", err)
	}
	return &w, nil
}

func (b *baseStore) SaveTelemetryWindow(ctx context.Context, w model.TelemetryWindow) error {
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO telemetry_windows (`+windowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (space_id, window_start) DO UPDATE SET
			window_end = excluded.window_end,
			temp_c_avg = excluded.temp_c_avg, temp_c_min = excluded.temp_c_min, temp_c_max = excluded.temp_c_max,
			humidity_pct_avg = excluded.humidity_pct_avg, humidity_pct_min = excluded.humidity_pct_min, humidity_pct_max = excluded.humidity_pct_max,
			co2_ppm_avg = excluded.co2_ppm_avg, co2_ppm_min = excluded.co2_ppm_min, co2_ppm_max = excluded.co2_ppm_max,
			occupancy_avg = excluded.occupancy_avg, occupancy_min = excluded.occupancy_min, occupancy_max = excluded.occupancy_max,
			power_w_avg = excluded.power_w_avg, power_w_min = excluded.power_w_min, power_w_max = excluded.power_w_max,
			sample_count = excluded.sample_count`),
		w.SpaceID, b.timeArg(w.WindowStart), b.timeArg(w.WindowEnd),
		w.TempCAvg, w.TempCMin, w.TempCMax,
		w.HumidityPctAvg, w.HumidityPctMin, w.HumidityPctMax,
		w.CO2PPMAvg, w.CO2PPMMin, w.CO2PPMMax,
		w.OccupancyAvg, w.OccupancyMin, w.OccupancyMax,
		w.PowerWAvg, w.PowerWMin, w.PowerWMax,
		w.SampleCount)
	if err != nil {
		return fmt.Errorf("save telemetry window: %w", err)
	}
	return nil
}

func (b *baseStore) ListTelemetryWindows(ctx context.Context, spaceID string, since time.Time) ([]model.TelemetryWindow, error) {
	rows, err := b.db.QueryContext(ctx, b.bind(
		`SELECT `+windowColumns+` FROM telemetry_windows
		WHERE space_id = ? AND window_start >= ? ORDER BY window_start ASC`),
		spaceID, b.timeArg(since))
	if err != nil {
		return nil, fmt.Errorf("list telemetry windows: %w", err)
	}
	defer rows.Close()
	out := make([]model.TelemetryWindow, 0)
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
