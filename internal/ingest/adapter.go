package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"spacewatch/internal/config"
	"spacewatch/internal/metrics"
	"spacewatch/internal/model"
	"spacewatch/internal/schedule"
)

type Evaluator interface {
	Evaluate(ctx context.Context, sample model.TelemetrySample) ([]model.AlertEvent, error)
}

type Recorder interface {
	Record(ctx context.Context, sample model.TelemetrySample) error
}

type TwinUpdater interface {
	ProcessReported(ctx context.Context, reported model.ReportedState) error
	RememberLocation(spaceID, locationID string)
}

// OfficeHoursSource returns nil without error when a space has no schedule.
type OfficeHoursSource interface {
	GetOfficeHours(ctx context.Context, spaceID string) (*model.OfficeHours, error)
}

// Adapter turns raw device messages into samples, enriches them with the
// schedule flag and hands them to the engine and the telemetry recorder.
type Adapter struct {
	cfg      *config.Manager
	engine   Evaluator
	recorder Recorder
	twin     TwinUpdater
	hours    OfficeHoursSource
	logger   *slog.Logger
	now      func() time.Time
}

func NewAdapter(cfg *config.Manager, engine Evaluator, recorder Recorder, twin TwinUpdater, hours OfficeHoursSource, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Adapter{
		cfg:      cfg,
		engine:   engine,
		recorder: recorder,
		twin:     twin,
		hours:    hours,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Decode parses topic and payload. Errors mean the message is malformed and
// should be dropped.
func (a *Adapter) Decode(topic string, payload []byte, source string) (Message, error) {
	route, err := ParseTopic(topic)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Route: route, Source: source, Received: a.now()}
	switch route.Kind {
	case KindTelemetry:
		sample, err := DecodeTelemetry(route, payload)
		if err != nil {
			return Message{}, err
		}
		ingest := a.cfg.Get().Ingest
		sample.Timestamp = clampTimestamp(sample.Timestamp, msg.Received, ingest.MaxClockSkew, ingest.MaxFutureSkew)
		sample.Source = source
		msg.Sample = sample
	case KindReported:
		reported, err := DecodeReported(route, payload)
		if err != nil {
			return Message{}, err
		}
		msg.Reported = reported
	}
	return msg, nil
}

// Enrich sets OutOfScheduledHours from the space's office hours. A space
// without office hours is never out of hours.
func (a *Adapter) Enrich(ctx context.Context, sample *model.TelemetrySample) error {
	if a.hours == nil {
		return nil
	}
	hours, err := a.hours.GetOfficeHours(ctx, sample.SpaceID)
	if err != nil {
		return fmt.Errorf("office hours for %s: %w", sample.SpaceID, err)
	}
	if hours == nil {
		sample.OutOfScheduledHours = false
		return nil
	}
	within, err := schedule.IsWithinOfficeHours(*hours, sample.Timestamp)
	if err != nil {
		return fmt.Errorf("office hours for %s: %w", sample.SpaceID, err)
	}
	sample.OutOfScheduledHours = !within
	return nil
}

// Handle processes one decoded message. Failures are logged and never
// returned, so one bad message cannot stall a worker.
func (a *Adapter) Handle(ctx context.Context, msg Message) {
	if a.twin != nil {
		a.twin.RememberLocation(msg.Route.SpaceID, msg.Route.LocationID)
	}
	switch msg.Route.Kind {
	case KindTelemetry:
		a.handleTelemetry(ctx, msg)
	case KindReported:
		if a.twin == nil {
			return
		}
		if err := a.twin.ProcessReported(ctx, msg.Reported); err != nil {
			a.logger.Error("reported state failed", "space_id", msg.Route.SpaceID, "error", err)
		}
	}
}

func (a *Adapter) handleTelemetry(ctx context.Context, msg Message) {
	sample := msg.Sample
	if err := a.Enrich(ctx, &sample); err != nil {
		metrics.MessagesDropped.WithLabelValues("enrich").Inc()
		a.logger.Warn("telemetry dropped, enrichment failed", "space_id", sample.SpaceID, "error", err)
		return
	}
	metrics.SamplesIngested.WithLabelValues(msg.Source).Inc()

	if a.recorder != nil {
		if err := a.recorder.Record(ctx, sample); err != nil {
			a.logger.Error("telemetry aggregation failed", "space_id", sample.SpaceID, "error", err)
		}
	}
	if a.engine != nil {
		if _, err := a.engine.Evaluate(ctx, sample); err != nil {
			a.logger.Error("alert evaluation failed", "space_id", sample.SpaceID, "error", err)
		}
	}
}
