package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"

	"spacewatch/internal/metrics"
)

// Message is one named event as observers receive it.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Relay forwards locally emitted messages to other instances.
type Relay interface {
	Publish(msg Message)
}

// Subscription is one observer's bounded queue. The hub closes C when the
// observer is removed.
type Subscription struct {
	C    <-chan Message
	ch   chan Message
	once sync.Once
}

// Hub fans named events out to every connected observer. Emit never blocks:
// an observer whose queue is full is dropped.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	relay  Relay
	logger *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// SetRelay must be called before the hub is shared.
func (h *Hub) SetRelay(r Relay) {
	h.relay = r
}

func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Message, h.buffer)
	sub := &Subscription{C: ch, ch: ch}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.ObserversConnected.Set(float64(n))
	return sub
}

// Unsubscribe removes an observer. It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.remove(sub, "")
}

// Drop removes an observer after a failed send.
func (h *Hub) Drop(sub *Subscription) {
	h.remove(sub, "send_failed")
}

func (h *Hub) remove(sub *Subscription, reason string) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.once.Do(func() { close(sub.ch) })
	metrics.ObserversConnected.Set(float64(n))
	if reason != "" {
		metrics.ObserversDropped.WithLabelValues(reason).Inc()
		h.logger.Debug("observer dropped", "reason", reason)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Emit encodes payload once, delivers it to local observers and hands it to
// the relay, if any.
func (h *Hub) Emit(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("broadcast payload not encodable", "event", eventType, "error", err)
		return
	}
	msg := Message{Event: eventType, Data: data}
	h.Deliver(msg)
	if h.relay != nil {
		h.relay.Publish(msg)
	}
}

// Deliver fans msg out to local observers only.
func (h *Hub) Deliver(msg Message) {
	var full []*Subscription
	h.mu.RLock()
	for sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			full = append(full, sub)
		}
	}
	h.mu.RUnlock()
	metrics.EventsBroadcast.WithLabelValues(msg.Event).Inc()
	for _, sub := range full {
		h.remove(sub, "queue_full")
	}
}

// Close removes every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()
	for sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	metrics.ObserversConnected.Set(0)
}
