package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"spacewatch/internal/config"
	"spacewatch/internal/metrics"
)

type envelope struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// RedisRelay shares hub events between instances over a Redis pub/sub
// channel. Messages from this instance are not delivered twice.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	out     chan Message
	ready   chan struct{}
	logger  *slog.Logger
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

func NewRedisRelay(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = "spacewatch:events"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     hub,
		out:     make(chan Message, 1024),
		ready:   make(chan struct{}),
		logger:  logger,
	}
}

// Publish queues msg for the publisher loop and drops it when the queue is full.
func (r *RedisRelay) Publish(msg Message) {
	select {
	case r.out <- msg:
	default:
		metrics.MessagesDropped.WithLabelValues("relay_full").Inc()
	}
}

// Ready is closed once the subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to the channel and publishes queued messages until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	close(r.ready)
	r.logger.Info("redis relay subscribed", "channel", r.channel)

	go r.publishLoop(ctx)

	in := pubsub.Channel()
	for {
		select {
		case m, ok := <-in:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				r.logger.Warn("relay payload invalid", "error", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			r.hub.Deliver(Message{Event: env.Event, Data: env.Data})
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case msg := <-r.out:
			body, err := json.Marshal(envelope{Origin: r.origin, Event: msg.Event, Data: msg.Data})
			if err != nil {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err = r.client.Publish(pctx, r.channel, body).Err()
			cancel()
			if err != nil {
				r.logger.Warn("relay publish failed", "event", msg.Event, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
