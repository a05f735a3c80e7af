package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"spacewatch/internal/config"
	"spacewatch/internal/metrics"
	"spacewatch/internal/model"
	"spacewatch/internal/storage"
)

var ErrMissingSpace = errors.New("engine: sample has no space id")

// DesiredConfigSource resolves the per-space thresholds. A nil config without
// error means the space has none configured.
type DesiredConfigSource interface {
	Get(ctx context.Context, spaceID string) (*model.DesiredConfig, error)
}

type Broadcaster interface {
	Emit(eventType string, payload any)
}

// EventAlert is the broadcast event name for alert transitions.
const EventAlert = "alert"

type Engine struct {
	logger      *slog.Logger
	store       storage.AlertStore
	configs     DesiredConfigSource
	broadcaster Broadcaster
	states      *StateStore
	cfg         atomic.Value
	rules       atomic.Value
	clock       atomic.Value // func() time.Time
	started     time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, store storage.AlertStore, configs DesiredConfigSource, broadcaster Broadcaster) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		logger:      logger,
		store:       store,
		configs:     configs,
		broadcaster: broadcaster,
		states:      NewStateStore(),
		started:     time.Now().UTC(),
	}
	e.clock.Store(func() time.Time { return time.Now().UTC() })
	e.UpdateConfig(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e.cfg.Store(cfg)
	e.rules.Store(BuildRules(cfg.Alerts))
}

// SetClock replaces the wall clock used for debounce timing. It is safe to
// call while samples are being evaluated.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.clock.Store(now)
	}
}

func (e *Engine) now() time.Time {
	return e.clock.Load().(func() time.Time)()
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Rules() []Rule {
	if v := e.rules.Load(); v != nil {
		return v.([]Rule)
	}
	return BuildRules(config.DefaultConfig().Alerts)
}

func (e *Engine) StartedAt() time.Time {
	return e.started
}

// State returns the debounce state held for a key, if any.
func (e *Engine) State(spaceID string, kind model.AlertKind) (DebounceState, bool) {
	return e.states.Get(StateKey{SpaceID: spaceID, Kind: kind})
}

func (e *Engine) StateCount() int {
	return e.states.Len()
}

// Evaluate runs one sample through every rule. A config lookup failure aborts
// before any state changes. A persistence failure leaves only that rule's
// state untouched; the remaining rules still run and all errors are joined.
func (e *Engine) Evaluate(ctx context.Context, sample model.TelemetrySample) ([]model.AlertEvent, error) {
	if sample.SpaceID == "" {
		return nil, ErrMissingSpace
	}
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
		metrics.DebounceStates.Set(float64(e.states.Len()))
	}()

	var desired *model.DesiredConfig
	if e.configs != nil {
		var err error
		desired, err = e.configs.Get(ctx, sample.SpaceID)
		if err != nil {
			metrics.EvaluationErrors.WithLabelValues("config").Inc()
			return nil, fmt.Errorf("desired config for %s: %w", sample.SpaceID, err)
		}
	}

	var (
		events []model.AlertEvent
		errs   []error
	)
	for _, rule := range e.Rules() {
		ev, err := e.evaluateRule(ctx, rule, sample, desired)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rule.Kind, err))
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, errors.Join(errs...)
}

type transition int

const (
	transitionNone transition = iota
	transitionOpen
	transitionResolve
)

// step is the pure debounce transition for one rule. The returned state is
// only committed once any persistence the transition needs has succeeded.
func step(rule Rule, state DebounceState, sample model.TelemetrySample, desired *model.DesiredConfig, now time.Time) (DebounceState, transition) {
	next := state
	if !state.IsOpen {
		next.ResolutionStartedAt = nil
		if !rule.IsTriggering(sample, desired) {
			next.ConditionStartedAt = nil
			return next, transitionNone
		}
		if next.ConditionStartedAt == nil {
			started := now
			next.ConditionStartedAt = &started
			return next, transitionNone
		}
		if now.Sub(*next.ConditionStartedAt) >= rule.OpenWindow {
			return openState(), transitionOpen
		}
		return next, transitionNone
	}

	next.ConditionStartedAt = nil
	if !rule.IsResolved(sample, desired) {
		next.ResolutionStartedAt = nil
		return next, transitionNone
	}
	if next.ResolutionStartedAt == nil {
		started := now
		next.ResolutionStartedAt = &started
		return next, transitionNone
	}
	if now.Sub(*next.ResolutionStartedAt) >= rule.ResolveWindow {
		return closedState(), transitionResolve
	}
	return next, transitionNone
}

func (e *Engine) evaluateRule(ctx context.Context, rule Rule, sample model.TelemetrySample, desired *model.DesiredConfig) (*model.AlertEvent, error) {
	key := StateKey{SpaceID: sample.SpaceID, Kind: rule.Kind}
	lease := e.states.Acquire(key, e.now())
	defer lease.Release()

	if !lease.Hydrated() {
		if err := e.hydrate(ctx, lease, key); err != nil {
			return nil, err
		}
	}

	now := e.now()
	next, action := step(rule, lease.State(), sample, desired, now)
	switch action {
	case transitionOpen:
		return e.openAlert(ctx, lease, rule, sample, desired, now)
	case transitionResolve:
		return e.resolveAlert(ctx, lease, rule.Kind, sample.SpaceID, now)
	}
	lease.Commit(next)
	return nil, nil
}

// hydrate seeds a fresh entry from the store so that an alert left open by a
// previous process or an evicted entry is resolved instead of duplicated.
func (e *Engine) hydrate(ctx context.Context, lease *Lease, key StateKey) error {
	if e.store == nil {
		lease.MarkHydrated()
		return nil
	}
	open, err := e.store.FindLatestOpenAlert(ctx, key.SpaceID, key.Kind)
	if err != nil {
		metrics.EvaluationErrors.WithLabelValues("hydrate").Inc()
		return fmt.Errorf("find open alert: %w", err)
	}
	if open != nil {
		lease.Commit(openState())
	} else {
		lease.Commit(closedState())
	}
	lease.MarkHydrated()
	return nil
}

// openAlert persists a new alert and marks the key open. It does nothing
// when the key is already open.
func (e *Engine) openAlert(ctx context.Context, lease *Lease, rule Rule, sample model.TelemetrySample, desired *model.DesiredConfig, now time.Time) (*model.AlertEvent, error) {
	if lease.State().IsOpen {
		return nil, nil
	}
	alert := model.Alert{
		SpaceID:   sample.SpaceID,
		Kind:      rule.Kind,
		StartedAt: now,
	}
	if rule.BuildMeta != nil {
		alert.Meta = rule.BuildMeta(sample, desired)
	}
	if e.store != nil {
		created, err := e.store.CreateAlert(ctx, alert)
		if err != nil {
			metrics.EvaluationErrors.WithLabelValues("open").Inc()
			return nil, fmt.Errorf("create alert: %w", err)
		}
		alert = created
	}
	lease.Commit(openState())
	metrics.AlertsOpened.WithLabelValues(string(rule.Kind)).Inc()
	e.logger.Warn("alert opened",
		"space_id", alert.SpaceID,
		"kind", alert.Kind,
		"alert_id", alert.ID,
		"meta", alert.Meta,
	)
	ev := model.AlertEvent{Type: model.AlertEventOpened, Alert: alert}
	e.emit(ev)
	return &ev, nil
}

// resolveAlert closes the most recent open alert for the key. A missing row
// means the alert was closed elsewhere, so local state is reset silently.
// It does nothing when the key is already closed.
func (e *Engine) resolveAlert(ctx context.Context, lease *Lease, kind model.AlertKind, spaceID string, now time.Time) (*model.AlertEvent, error) {
	if !lease.State().IsOpen {
		return nil, nil
	}
	if e.store == nil {
		lease.Commit(closedState())
		return nil, nil
	}
	open, err := e.store.FindLatestOpenAlert(ctx, spaceID, kind)
	if err != nil {
		metrics.EvaluationErrors.WithLabelValues("resolve").Inc()
		return nil, fmt.Errorf("find open alert: %w", err)
	}
	if open == nil {
		e.desync(lease, kind, spaceID)
		return nil, nil
	}
	resolved, err := e.store.MarkAlertResolved(ctx, open.ID, now)
	if errors.Is(err, storage.ErrNotFound) {
		e.desync(lease, kind, spaceID)
		return nil, nil
	}
	if err != nil {
		metrics.EvaluationErrors.WithLabelValues("resolve").Inc()
		return nil, fmt.Errorf("resolve alert %s: %w", open.ID, err)
	}
	lease.Commit(closedState())
	metrics.AlertsResolved.WithLabelValues(string(kind)).Inc()
	e.logger.Info("alert resolved",
		"space_id", spaceID,
		"kind", kind,
		"alert_id", resolved.ID,
		"duration", now.Sub(resolved.StartedAt).String(),
	)
	ev := model.AlertEvent{Type: model.AlertEventResolved, Alert: resolved}
	e.emit(ev)
	return &ev, nil
}

func (e *Engine) desync(lease *Lease, kind model.AlertKind, spaceID string) {
	lease.ResetToClosed()
	metrics.StateDesyncs.WithLabelValues(string(kind)).Inc()
	e.logger.Debug("no open alert to resolve, state reset", "space_id", spaceID, "kind", kind)
}

func (e *Engine) emit(ev model.AlertEvent) {
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.Emit(EventAlert, ev)
}

// Reset drops all in-memory debounce progress. Open alerts are picked up
// again from the store on the next sample of each key.
func (e *Engine) Reset() {
	e.states.Clear()
	metrics.DebounceStates.Set(float64(e.states.Len()))
}

// Sweep evicts debounce state idle for longer than the configured TTL.
func (e *Engine) Sweep() int {
	removed := e.states.Sweep(e.now(), e.config().Alerts.StateIdleTTL)
	metrics.DebounceStates.Set(float64(e.states.Len()))
	if removed > 0 {
		e.logger.Debug("evicted idle debounce state", "removed", removed)
	}
	return removed
}

// RunSweeper calls Sweep on the configured interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context) {
	interval := e.config().Alerts.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
