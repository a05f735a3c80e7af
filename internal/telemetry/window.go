package telemetry

import (
	"context"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"spacewatch/internal/model"
	"spacewatch/internal/storage"
)

// EventTelemetry is the broadcast event name for accepted samples.
const EventTelemetry = "telemetry"

type Broadcaster interface {
	Emit(eventType string, payload any)
}

// TelemetryEvent is broadcast after every recorded sample.
type TelemetryEvent struct {
	SpaceID string                `json:"space_id"`
	Payload model.TelemetrySample `json:"payload"`
	TS      time.Time             `json:"ts"`
}

const lockStripes = 64

// Aggregator folds samples into one-minute windows per space. Updates for the
// same space are serialised through a striped lock.
type Aggregator struct {
	store       storage.TelemetryStore
	latest      *LatestStore
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
	seed        maphash.Seed
	locks       [lockStripes]sync.Mutex
}

func NewAggregator(store storage.TelemetryStore, latest *LatestStore, broadcaster Broadcaster, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{
		store:       store,
		latest:      latest,
		broadcaster: broadcaster,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		seed:        maphash.MakeSeed(),
	}
}

func (a *Aggregator) lockFor(spaceID string) *sync.Mutex {
	return &a.locks[maphash.String(a.seed, spaceID)%lockStripes]
}

// WindowStart truncates ts to the start of its minute.
func WindowStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Minute)
}

// Record folds the sample into its minute window and broadcasts it. A sample
// without a timestamp lands in the current minute.
func (a *Aggregator) Record(ctx context.Context, sample model.TelemetrySample) error {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}
	start := WindowStart(ts)

	mu := a.lockFor(sample.SpaceID)
	mu.Lock()
	existing, err := a.store.GetTelemetryWindow(ctx, sample.SpaceID, start)
	if err != nil {
		mu.Unlock()
		return fmt.Errorf("load window: %w", err)
	}
	w := Fold(existing, sample, start)
	err = a.store.SaveTelemetryWindow(ctx, w)
	mu.Unlock()
	if err != nil {
		return fmt.Errorf("save window: %w", err)
	}

	if a.latest != nil {
		a.latest.Update(sample)
	}
	if a.broadcaster != nil {
		a.broadcaster.Emit(EventTelemetry, TelemetryEvent{SpaceID: sample.SpaceID, Payload: sample, TS: ts.UTC()})
	}
	return nil
}

// Fold merges one sample into a window using running averages.
func Fold(existing *model.TelemetryWindow, s model.TelemetrySample, start time.Time) model.TelemetryWindow {
	if existing == nil || existing.SampleCount <= 0 {
		return model.TelemetryWindow{
			SpaceID:        s.SpaceID,
			WindowStart:    start,
			WindowEnd:      start.Add(time.Minute),
			TempCAvg:       s.TempC,
			TempCMin:       s.TempC,
			TempCMax:       s.TempC,
			HumidityPctAvg: s.HumidityPct,
			HumidityPctMin: s.HumidityPct,
			HumidityPctMax: s.HumidityPct,
			CO2PPMAvg:      s.CO2PPM,
			CO2PPMMin:      s.CO2PPM,
			CO2PPMMax:      s.CO2PPM,
			OccupancyAvg:   s.Occupancy,
			OccupancyMin:   s.Occupancy,
			OccupancyMax:   s.Occupancy,
			PowerWAvg:      s.PowerW,
			PowerWMin:      s.PowerW,
			PowerWMax:      s.PowerW,
			SampleCount:    1,
		}
	}
	w := *existing
	n := float64(w.SampleCount)
	fold := func(avg, lo, hi *float64, v float64) {
		*avg = (*avg*n + v) / (n + 1)
		*lo = min(*lo, v)
		*hi = max(*hi, v)
	}
	fold(&w.TempCAvg, &w.TempCMin, &w.TempCMax, s.TempC)
	fold(&w.HumidityPctAvg, &w.HumidityPctMin, &w.HumidityPctMax, s.HumidityPct)
	fold(&w.CO2PPMAvg, &w.CO2PPMMin, &w.CO2PPMMax, s.CO2PPM)
	fold(&w.OccupancyAvg, &w.OccupancyMin, &w.OccupancyMax, s.Occupancy)
	fold(&w.PowerWAvg, &w.PowerWMin, &w.PowerWMax, s.PowerW)
	w.SampleCount++
	return w
}

// History returns the windows of the last minutes, oldest first.
func (a *Aggregator) History(ctx context.Context, spaceID string, minutes int) ([]model.TelemetryWindow, error) {
	if minutes <= 0 {
		minutes = 60
	}
	since := a.now().Add(-time.Duration(minutes) * time.Minute)
	return a.store.ListTelemetryWindows(ctx, spaceID, since)
}

func (a *Aggregator) Latest(spaceID string) (model.TelemetrySample, bool) {
	if a.latest == nil {
		return model.TelemetrySample{}, false
	}
	return a.latest.Get(spaceID)
}
