package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"spacewatch/internal/config"
	"spacewatch/internal/model"
)

var ErrNotConnected = errors.New("ingest: mqtt client not connected")

// MQTTClient subscribes to device telemetry and reported topics and publishes
// desired-state patches back to devices.
type MQTTClient struct {
	client mqtt.Client
	sink   Submitter
	qos    byte
	logger *slog.Logger
}

func NewMQTTClient(cfg config.MQTTConfig, sink Submitter, logger *slog.Logger) *MQTTClient {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &MQTTClient{sink: sink, qos: cfg.QoS, logger: logger}

	opts := clientOptions(cfg)
	// subscriptions are restored on every (re)connect
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})
	c.client = mqtt.NewClient(opts)
	return c
}

// clientOptions holds the broker settings. Messages are delivered in order
// on one goroutine; Submit never blocks, so this cannot stall the client.
func clientOptions(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.ReconnectDelay)
	opts.SetMaxReconnectInterval(cfg.ReconnectDelay)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	return opts
}

// Connect starts the connection. With connect-retry enabled the client keeps
// trying in the background, so an unreachable broker is not fatal.
func (c *MQTTClient) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		c.logger.Warn("mqtt broker not reachable yet, retrying in background")
		return nil
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	filters := map[string]byte{TelemetryFilter: c.qos, ReportedFilter: c.qos}
	token := client.SubscribeMultiple(filters, c.onMessage)
	if token.Wait() && token.Error() != nil {
		c.logger.Error("mqtt subscribe failed", "error", token.Error())
		return
	}
	c.logger.Info("mqtt subscribed", "topics", []string{TelemetryFilter, ReportedFilter})
}

func (c *MQTTClient) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// Submit logs and counts malformed messages itself.
	_ = c.sink.Submit(msg.Topic(), msg.Payload(), "mqtt")
}

// PublishDesired sends a desired-state patch to
// sites/{locationId}/offices/{spaceId}/desired.
func (c *MQTTClient) PublishDesired(ctx context.Context, locationID, spaceID string, patch model.DesiredPatch) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	topic := Topic(locationID, spaceID, KindDesired)
	token := c.client.Publish(topic, c.qos, false, body)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		c.logger.Debug("published desired", "topic", topic)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
}
