package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	MQTT      MQTTConfig      `json:"mqtt" yaml:"mqtt"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
	Broadcast BroadcastConfig `json:"broadcast" yaml:"broadcast"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

type MQTTConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Broker         string        `json:"broker" yaml:"broker"`
	ClientID       string        `json:"client_id" yaml:"client_id"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"password" yaml:"password"`
	QoS            byte          `json:"qos" yaml:"qos"`
	ReconnectDelay time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
}

type IngestConfig struct {
	Workers       int           `json:"workers" yaml:"workers"`
	QueueBuffer   int           `json:"queue_buffer" yaml:"queue_buffer"`
	MaxClockSkew  time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
	REST          RESTConfig    `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type AlertsConfig struct {
	DefaultCO2Threshold int           `json:"default_co2_threshold" yaml:"default_co2_threshold"`
	ConfigCacheTTL      time.Duration `json:"config_cache_ttl" yaml:"config_cache_ttl"`
	ConfigCacheSize     int           `json:"config_cache_size" yaml:"config_cache_size"`
	StateIdleTTL        time.Duration `json:"state_idle_ttl" yaml:"state_idle_ttl"`
	SweepInterval       time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	RecentLimit         int           `json:"recent_limit" yaml:"recent_limit"`
	Rules               RulesConfig   `json:"rules" yaml:"rules"`
}

type RulesConfig struct {
	CO2                 WindowConfig `json:"co2" yaml:"co2"`
	OccupancyMax        WindowConfig `json:"occupancy_max" yaml:"occupancy_max"`
	OccupancyUnexpected WindowConfig `json:"occupancy_unexpected" yaml:"occupancy_unexpected"`
}

type WindowConfig struct {
	OpenWindow    time.Duration `json:"open_window" yaml:"open_window"`
	ResolveWindow time.Duration `json:"resolve_window" yaml:"resolve_window"`
}

type BroadcastConfig struct {
	ObserverBuffer int           `json:"observer_buffer" yaml:"observer_buffer"`
	KeepAlive      time.Duration `json:"keep_alive" yaml:"keep_alive"`
	Redis          RedisConfig   `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type TelemetryConfig struct {
	LatestStoreLimit int `json:"latest_store_limit" yaml:"latest_store_limit"`
}

func DefaultRules() RulesConfig {
	return RulesConfig{
		CO2:                 WindowConfig{OpenWindow: 5 * time.Minute, ResolveWindow: 2 * time.Minute},
		OccupancyMax:        WindowConfig{OpenWindow: 2 * time.Minute, ResolveWindow: 1 * time.Minute},
		OccupancyUnexpected: WindowConfig{OpenWindow: 10 * time.Minute, ResolveWindow: 5 * time.Minute},
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		MQTT: MQTTConfig{
			Enabled:        true,
			Broker:         "tcp://localhost:1883",
			ClientID:       "spacewatch",
			QoS:            1,
			ReconnectDelay: 5 * time.Second,
		},
		Ingest: IngestConfig{
			Workers:       8,
			QueueBuffer:   1024,
			MaxClockSkew:  24 * time.Hour,
			MaxFutureSkew: 5 * time.Minute,
			REST:          RESTConfig{Enabled: true},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Alerts: AlertsConfig{
			DefaultCO2Threshold: 1000,
			ConfigCacheTTL:      60 * time.Second,
			ConfigCacheSize:     10000,
			StateIdleTTL:        24 * time.Hour,
			SweepInterval:       10 * time.Minute,
			RecentLimit:         1000,
			Rules:               DefaultRules(),
		},
		Broadcast: BroadcastConfig{
			ObserverBuffer: 64,
			KeepAlive:      25 * time.Second,
			Redis:          RedisConfig{Enabled: false, Addr: "localhost:6379", Channel: "spacewatch:events"},
		},
		API:       APIConfig{Enabled: true, Addr: ":3000"},
		Storage:   StorageConfig{Driver: "sqlite", DSN: "file:spacewatch.db?_pragma=busy_timeout(5000)"},
		Telemetry: TelemetryConfig{LatestStoreLimit: 5000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes a YAML or JSON document over DefaultConfig.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	defaults := DefaultRules()
	fillWindow(&cfg.Alerts.Rules.CO2, defaults.CO2)
	fillWindow(&cfg.Alerts.Rules.OccupancyMax, defaults.OccupancyMax)
	fillWindow(&cfg.Alerts.Rules.OccupancyUnexpected, defaults.OccupancyUnexpected)
	if cfg.Alerts.DefaultCO2Threshold <= 0 {
		cfg.Alerts.DefaultCO2Threshold = 1000
	}
	if cfg.Alerts.ConfigCacheTTL <= 0 {
		cfg.Alerts.ConfigCacheTTL = 60 * time.Second
	}
	if cfg.Alerts.ConfigCacheSize <= 0 {
		cfg.Alerts.ConfigCacheSize = 10000
	}
	if cfg.Alerts.SweepInterval <= 0 {
		cfg.Alerts.SweepInterval = 10 * time.Minute
	}
	if cfg.Alerts.RecentLimit <= 0 {
		cfg.Alerts.RecentLimit = 1000
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 8
	}
	if cfg.Ingest.QueueBuffer <= 0 {
		cfg.Ingest.QueueBuffer = 1024
	}
	if cfg.Broadcast.ObserverBuffer <= 0 {
		cfg.Broadcast.ObserverBuffer = 64
	}
	if cfg.Broadcast.KeepAlive <= 0 {
		cfg.Broadcast.KeepAlive = 25 * time.Second
	}
	if cfg.Broadcast.Redis.Channel == "" {
		cfg.Broadcast.Redis.Channel = "spacewatch:events"
	}
	if cfg.Telemetry.LatestStoreLimit <= 0 {
		cfg.Telemetry.LatestStoreLimit = 5000
	}
	if cfg.MQTT.ReconnectDelay <= 0 {
		cfg.MQTT.ReconnectDelay = 5 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
}

func fillWindow(w *WindowConfig, def WindowConfig) {
	if w.OpenWindow <= 0 {
		w.OpenWindow = def.OpenWindow
	}
	if w.ResolveWindow <= 0 {
		w.ResolveWindow = def.ResolveWindow
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return errors.New("mqtt.broker required when mqtt.enabled is true")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2: %d", cfg.MQTT.QoS)
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Broadcast.Redis.Enabled && cfg.Broadcast.Redis.Addr == "" {
		return errors.New("broadcast.redis.addr required when broadcast.redis.enabled is true")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage.driver: %q", cfg.Storage.Driver)
	}
	if cfg.Ingest.MaxClockSkew < 0 || cfg.Ingest.MaxFutureSkew < 0 {
		return errors.New("ingest clock skew limits must be >= 0")
	}
	if cfg.Alerts.StateIdleTTL < 0 {
		return errors.New("alerts.state_idle_ttl must be >= 0")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
