package telemetry

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"spacewatch/internal/model"
	"spacewatch/internal/storage"
)

type captureBroadcaster struct {
	mu     sync.Mutex
	events []TelemetryEvent
}

func (c *captureBroadcaster) Emit(eventType string, payload any) {
	if eventType != EventTelemetry {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, payload.(TelemetryEvent))
}

func newTestAggregator(t *testing.T) (*Aggregator, *captureBroadcaster) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	bus := &captureBroadcaster{}
	return NewAggregator(store, NewLatestStore(10), bus, nil), bus
}

func TestRecordAggregatesMinuteWindow(t *testing.T) {
	agg, bus := newTestAggregator(t)
	ctx := context.Background()
	base := time.Date(2026, time.March, 2, 10, 15, 0, 0, time.UTC)
	readings := []float64{900, 1200, 600}
	for i, co2 := range readings {
		sample := model.TelemetrySample{
			SpaceID:   "space-1",
			Timestamp: base.Add(time.Duration(i*15) * time.Second),
			CO2PPM:    co2,
			TempC:     20 + float64(i),
			Occupancy: 0.5,
		}
		if err := agg.Record(ctx, sample); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	agg.now = func() time.Time { return base.Add(5 * time.Minute) }
	windows, err := agg.History(ctx, "space-1", 60)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(windows) != 1 {
		t.Fatalf("expected one window, got %d", len(windows))
	}
	w := windows[0]
	if w.SampleCount != 3 || w.CO2PPMMin != 600 || w.CO2PPMMax != 1200 || math.Abs(w.CO2PPMAvg-900) > 1e-9 {
		t.Fatalf("co2 aggregation mismatch: %+v", w)
	}
	if math.Abs(w.TempCAvg-21) > 1e-9 || !w.WindowStart.Equal(base) || !w.WindowEnd.Equal(base.Add(time.Minute)) {
		t.Fatalf("window mismatch: %+v", w)
	}
	if len(bus.events) != 3 || bus.events[0].SpaceID != "space-1" {
		t.Fatalf("expected 3 telemetry events, got %+v", bus.events)
	}
	latest, ok := agg.Latest("space-1")
	if !ok || latest.CO2PPM != 600 {
		t.Fatalf("latest mismatch: %+v", latest)
	}
}

func TestHistoryBoundsAndOrder(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()
	base := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	for _, offset := range []int{90, 5, 30, 1} {
		sample := model.TelemetrySample{SpaceID: "space-1", Timestamp: base.Add(-time.Duration(offset) * time.Minute), CO2PPM: float64(offset)}
		if err := agg.Record(ctx, sample); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	agg.now = func() time.Time { return base }
	windows, err := agg.History(ctx, "space-1", 60)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(windows) != 3 {
		t.Fatalf("expected 3 windows in the last hour, got %d", len(windows))
	}
	for i := 1; i < len(windows); i++ {
		if !windows[i-1].WindowStart.Before(windows[i].WindowStart) {
			t.Fatalf("windows not ascending: %+v", windows)
		}
	}
}

func TestRecordWithoutTimestampUsesNow(t *testing.T) {
	agg, _ := newTestAggregator(t)
	now := time.Date(2026, time.March, 2, 10, 7, 42, 0, time.UTC)
	agg.now = func() time.Time { return now }
	if err := agg.Record(context.Background(), model.TelemetrySample{SpaceID: "space-1", CO2PPM: 700}); err != nil {
		t.Fatalf("record: %v", err)
	}
	windows, _ := agg.History(context.Background(), "space-1", 10)
	if len(windows) != 1 || !windows[0].WindowStart.Equal(WindowStart(now)) {
		t.Fatalf("expected window at %s, got %+v", WindowStart(now), windows)
	}
}

func TestLatestStoreEvictsOldest(t *testing.T) {
	s := NewLatestStore(2)
	s.Update(model.TelemetrySample{SpaceID: "a"})
	time.Sleep(2 * time.Millisecond)
	s.Update(model.TelemetrySample{SpaceID: "b"})
	time.Sleep(2 * time.Millisecond)
	s.Update(model.TelemetrySample{SpaceID: "c"})
	if s.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Len())
	}
	if _, ok := s.Get("a"); ok {
		t.Fatalf("expected oldest space evicted")
	}
}

func TestLatestStoreIgnoresOlderSamples(t *testing.T) {
	s := NewLatestStore(10)
	now := time.Now().UTC()
	s.Update(model.TelemetrySample{SpaceID: "a", Timestamp: now, CO2PPM: 800})
	s.Update(model.TelemetrySample{SpaceID: "a", Timestamp: now.Add(-time.Minute), CO2PPM: 400})
	got, _ := s.Get("a")
	if got.CO2PPM != 800 {
		t.Fatalf("older sample replaced latest: %+v", got)
	}
}
