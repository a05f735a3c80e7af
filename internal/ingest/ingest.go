package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"spacewatch/internal/metrics"
)

var (
	ErrQueueFull = errors.New("ingest: queue full")
	ErrStopped   = errors.New("ingest: pool stopped")
)

// Handler processes one decoded message.
type Handler interface {
	Handle(ctx context.Context, msg Message)
}

// Decoder validates and decodes a raw transport message.
type Decoder interface {
	Decode(topic string, payload []byte, source string) (Message, error)
}

// Pool runs a fixed set of workers, each owning one queue. Messages are
// routed by space ID so that one space is always handled by the same worker,
// in arrival order.
type Pool struct {
	decoder Decoder
	handler Handler
	queues  []chan Message
	logger  *slog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewPool(decoder Decoder, handler Handler, workers, buffer int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 8
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	per := buffer / workers
	if per < 1 {
		per = 1
	}
	queues := make([]chan Message, workers)
	for i := range queues {
		queues[i] = make(chan Message, per)
	}
	return &Pool{decoder: decoder, handler: handler, queues: queues, logger: logger}
}

func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("starting ingest workers", "workers", len(p.queues))
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i, q)
	}
}

// Stop closes the queues and waits for the workers to drain them.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("ingest workers stopped")
}

// Submit decodes a raw message and queues it without blocking. Malformed
// messages are dropped with a warning and reported to the caller.
func (p *Pool) Submit(topic string, payload []byte, source string) error {
	msg, err := p.decoder.Decode(topic, payload, source)
	if err != nil {
		reason := "payload"
		if errors.Is(err, ErrBadTopic) {
			reason = "topic"
		}
		metrics.MessagesDropped.WithLabelValues(reason).Inc()
		p.logger.Warn("dropping malformed message", "topic", topic, "source", source, "error", err)
		return err
	}
	return p.Enqueue(msg)
}

func (p *Pool) Enqueue(msg Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	q := p.queues[p.shard(msg.Route.SpaceID)]
	select {
	case q <- msg:
		metrics.IngestQueueDepth.Inc()
		return nil
	default:
		metrics.MessagesDropped.WithLabelValues("queue_full").Inc()
		p.logger.Warn("ingest queue full, dropping message", "space_id", msg.Route.SpaceID, "kind", msg.Route.Kind)
		return ErrQueueFull
	}
}

func (p *Pool) shard(spaceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(spaceID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pool) worker(ctx context.Context, id int, q <-chan Message) {
	defer p.wg.Done()
	log := p.logger.With("worker_id", id)
	for msg := range q {
		metrics.IngestQueueDepth.Dec()
		p.process(ctx, log, msg)
	}
}

func (p *Pool) process(ctx context.Context, log *slog.Logger, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("ingest_worker").Inc()
			log.Error("worker panic recovered",
				"panic", r,
				"space_id", msg.Route.SpaceID,
				"stack", string(debug.Stack()),
			)
		}
	}()
	p.handler.Handle(ctx, msg)
}

// BackoffSleep waits d or until ctx is done, reporting whether to continue.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
