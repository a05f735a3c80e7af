package twin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"spacewatch/internal/model"
	"spacewatch/internal/storage"
)

// EventTwinUpdate is the broadcast event name for desired/reported changes.
const EventTwinUpdate = "twin_update"

const (
	DefaultSamplingIntervalSec = 10
	DefaultCO2AlertThreshold   = 1000
)

var ErrInvalidPatch = errors.New("twin: invalid desired patch")

type Broadcaster interface {
	Emit(eventType string, payload any)
}

// DesiredPublisher pushes a desired-state patch to the space's device.
type DesiredPublisher interface {
	PublishDesired(ctx context.Context, locationID, spaceID string, patch model.DesiredPatch) error
}

// Invalidator drops cached desired config after an update.
type Invalidator interface {
	Invalidate(spaceID string)
}

type Event struct {
	SpaceID string    `json:"space_id"`
	Kind    string    `json:"kind"`
	Payload any       `json:"payload"`
	TS      time.Time `json:"ts"`
}

// Service keeps the desired and reported halves of each space's device twin.
type Service struct {
	store       storage.ConfigStore
	cache       Invalidator
	publisher   DesiredPublisher
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
	locations   sync.Map
}

func NewService(store storage.ConfigStore, cache Invalidator, broadcaster Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		store:       store,
		cache:       cache,
		broadcaster: broadcaster,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher wires the transport used for desired updates.
func (s *Service) SetPublisher(p DesiredPublisher) {
	s.publisher = p
}

// RememberLocation records which location a space reports from, as learned
// from inbound topics. Desired updates need it to address the device.
func (s *Service) RememberLocation(spaceID, locationID string) {
	if spaceID == "" || locationID == "" {
		return
	}
	s.locations.Store(spaceID, locationID)
}

func (s *Service) Location(spaceID string) (string, bool) {
	v, ok := s.locations.Load(spaceID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// ProcessReported stores what the device says it runs with. An empty
// firmware version keeps the previously reported one.
func (s *Service) ProcessReported(ctx context.Context, reported model.ReportedState) error {
	if reported.ReportedAt.IsZero() {
		reported.ReportedAt = s.now()
	}
	if err := s.store.SaveReportedState(ctx, reported); err != nil {
		return fmt.Errorf("save reported state: %w", err)
	}
	s.emit(reported.SpaceID, "reported", reported, reported.ReportedAt)
	return nil
}

// UpdateDesired applies patch to the stored desired config, creating it with
// defaults when the space has none, and forwards the patch to the device.
func (s *Service) UpdateDesired(ctx context.Context, spaceID string, patch model.DesiredPatch) (model.DesiredConfig, error) {
	if patch.CO2AlertThreshold != nil && *patch.CO2AlertThreshold <= 0 {
		return model.DesiredConfig{}, fmt.Errorf("%w: co2_alert_threshold must be positive", ErrInvalidPatch)
	}
	if patch.SamplingIntervalSec != nil && *patch.SamplingIntervalSec <= 0 {
		return model.DesiredConfig{}, fmt.Errorf("%w: samplingIntervalSec must be positive", ErrInvalidPatch)
	}
	existing, err := s.store.GetDesiredConfig(ctx, spaceID)
	if err != nil {
		return model.DesiredConfig{}, fmt.Errorf("load desired config: %w", err)
	}
	desired := model.DesiredConfig{
		SpaceID:             spaceID,
		CO2AlertThreshold:   DefaultCO2AlertThreshold,
		SamplingIntervalSec: DefaultSamplingIntervalSec,
	}
	if existing != nil {
		desired = *existing
	}
	if patch.CO2AlertThreshold != nil {
		desired.CO2AlertThreshold = *patch.CO2AlertThreshold
	}
	if patch.SamplingIntervalSec != nil {
		desired.SamplingIntervalSec = *patch.SamplingIntervalSec
	}
	desired.UpdatedAt = s.now()
	if err := s.store.SaveDesiredConfig(ctx, desired); err != nil {
		return model.DesiredConfig{}, fmt.Errorf("save desired config: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(spaceID)
	}

	if locationID, ok := s.Location(spaceID); ok && s.publisher != nil {
		if err := s.publisher.PublishDesired(ctx, locationID, spaceID, patch); err != nil {
			s.logger.Warn("desired publish failed", "space_id", spaceID, "location_id", locationID, "error", err)
		}
	} else {
		s.logger.Debug("desired stored without device publish", "space_id", spaceID)
	}

	s.emit(spaceID, "desired", desired, desired.UpdatedAt)
	return desired, nil
}

func (s *Service) State(ctx context.Context, spaceID string) (model.TwinState, error) {
	desired, err := s.store.GetDesiredConfig(ctx, spaceID)
	if err != nil {
		return model.TwinState{}, fmt.Errorf("load desired config: %w", err)
	}
	reported, err := s.store.GetReportedState(ctx, spaceID)
	if err != nil {
		return model.TwinState{}, fmt.Errorf("load reported state: %w", err)
	}
	return model.TwinState{Desired: desired, Reported: reported}, nil
}

func (s *Service) emit(spaceID, kind string, payload any, ts time.Time) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Emit(EventTwinUpdate, Event{SpaceID: spaceID, Kind: kind, Payload: payload, TS: ts.UTC()})
}
