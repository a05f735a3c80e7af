package alerts

import (
	"sync"
	"time"

	"spacewatch/internal/model"
)

// Broadcaster is the event sink shared with the engine.
type Broadcaster interface {
	Emit(eventType string, payload any)
}

// Recent keeps the last alert transitions across all spaces in memory and
// passes every event on to the next broadcaster unchanged.
type Recent struct {
	mu    sync.RWMutex
	buf   []model.AlertEvent
	limit int
	next  Broadcaster
}

func NewRecent(limit int, next Broadcaster) *Recent {
	if limit <= 0 {
		limit = 1000
	}
	return &Recent{limit: limit, next: next}
}

func (r *Recent) Emit(eventType string, payload any) {
	if ev, ok := payload.(model.AlertEvent); ok {
		r.Add(ev)
	}
	if r.next != nil {
		r.next.Emit(eventType, payload)
	}
}

func (r *Recent) Add(ev model.AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < r.limit {
		r.buf = append(r.buf, ev)
		return
	}
	copy(r.buf, r.buf[1:])
	r.buf[len(r.buf)-1] = ev
}

// List returns up to limit of the most recent events, oldest first.
func (r *Recent) List(limit int) []model.AlertEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.buf) {
		limit = len(r.buf)
	}
	out := make([]model.AlertEvent, 0, limit)
	out = append(out, r.buf[len(r.buf)-limit:]...)
	return out
}

// Since returns events whose transition happened at or after ts.
func (r *Recent) Since(ts time.Time) []model.AlertEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.AlertEvent, 0)
	for _, ev := range r.buf {
		if !eventTime(ev).Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recent) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
}

func eventTime(ev model.AlertEvent) time.Time {
	if ev.Type == model.AlertEventResolved && ev.Alert.ResolvedAt != nil {
		return *ev.Alert.ResolvedAt
	}
	return ev.Alert.StartedAt
}
