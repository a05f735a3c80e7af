package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"spacewatch/internal/config"
)

// Submitter accepts raw transport messages.
type Submitter interface {
	Submit(topic string, payload []byte, source string) error
}

// StartKafka consumes device messages from a Kafka topic. Each record carries
// the device topic as its key and the JSON payload as its value.
func StartKafka(ctx context.Context, cfg *config.Manager, sink Submitter, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, cfg.Get().MQTT.ReconnectDelay) {
					return
				}
				continue
			}
			// Submit logs and counts malformed records itself.
			_ = sink.Submit(string(m.Key), m.Value, "kafka")
		}
	}()
}
