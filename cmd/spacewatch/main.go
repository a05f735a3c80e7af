package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"spacewatch/internal/alerts"
	"spacewatch/internal/api"
	"spacewatch/internal/broadcast"
	"spacewatch/internal/cache"
	"spacewatch/internal/config"
	"spacewatch/internal/engine"
	"spacewatch/internal/ingest"
	"spacewatch/internal/logging"
	"spacewatch/internal/storage"
	"spacewatch/internal/telemetry"
	"spacewatch/internal/twin"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("SPACEWATCH_CONFIG"), "path to YAML or JSON config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "spacewatch:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	mgr, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting spacewatch", "version", version, "config_path", mgr.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	hub := broadcast.NewHub(cfg.Broadcast.ObserverBuffer, logging.Component(logger, "broadcast"))
	defer hub.Close()
	if cfg.Broadcast.Redis.Enabled {
		client := broadcast.NewRedisClient(cfg.Broadcast.Redis)
		defer client.Close()
		relay := broadcast.NewRedisRelay(client, cfg.Broadcast.Redis.Channel, hub, logging.Component(logger, "redis_relay"))
		hub.SetRelay(relay)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("redis relay stopped", "error", err)
			}
		}()
	}

	configs := cache.NewDesiredConfigCache(store, cfg.Alerts.ConfigCacheSize, cfg.Alerts.ConfigCacheTTL)
	recent := alerts.NewRecent(cfg.Alerts.RecentLimit, hub)
	eng := engine.NewEngine(cfg, logging.Component(logger, "engine"), store, configs, recent)
	go eng.RunSweeper(ctx)

	aggregator := telemetry.NewAggregator(store, telemetry.NewLatestStore(cfg.Telemetry.LatestStoreLimit), hub, logging.Component(logger, "telemetry"))
	twins := twin.NewService(store, configs, hub, logging.Component(logger, "twin"))

	adapter := ingest.NewAdapter(mgr, eng, aggregator, twins, store, logging.Component(logger, "ingest"))
	pool := ingest.NewPool(adapter, adapter, cfg.Ingest.Workers, cfg.Ingest.QueueBuffer, logging.Component(logger, "ingest"))
	// workers drain the queue after shutdown starts, so they keep a live context
	pool.Start(context.WithoutCancel(ctx))

	var mqttClient *ingest.MQTTClient
	if cfg.MQTT.Enabled {
		mqttClient = ingest.NewMQTTClient(cfg.MQTT, pool, logging.Component(logger, "mqtt"))
		twins.SetPublisher(mqttClient)
		if err := mqttClient.Connect(ctx); err != nil {
			logger.Error("mqtt connect failed", "error", err)
		}
	} else {
		logger.Info("mqtt ingest disabled")
	}
	ingest.StartKafka(ctx, mgr, pool, logging.Component(logger, "kafka"))

	api.Start(ctx, mgr, api.Deps{
		Alerts:    alerts.NewService(store),
		Recent:    recent,
		Telemetry: aggregator,
		Twin:      twins,
		Hours:     store,
		Engine:    eng,
		Hub:       hub,
		Ingest:    pool,
	}, logging.Component(logger, "api"), version)

	watchStop := make(chan struct{})
	go mgr.Watch(3*time.Second, func(next *config.Config) {
		eng.UpdateConfig(next)
		logging.SetLevel(next.LogLevel)
		logger.Info("config reloaded")
	}, func(err error) {
		logger.Warn("config reload failed", "error", err)
	}, watchStop)

	<-ctx.Done()
	logger.Info("shutting down")
	close(watchStop)
	if mqttClient != nil {
		mqttClient.Close()
	}
	pool.Stop()
	// let the api server finish in-flight requests
	time.Sleep(500 * time.Millisecond)
	logger.Info("exited")
	return nil
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		slog.Info("no config path given, using defaults")
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	mgr, err := config.NewManager(config.ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return mgr, nil
}
