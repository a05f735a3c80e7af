package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"spacewatch/internal/config"
	"spacewatch/internal/model"
	"spacewatch/internal/storage"
)

type fakeAlertStore struct {
	mu        sync.Mutex
	seq       int
	alerts    []model.Alert
	failKinds map[model.AlertKind]error
	findErr   error
	finds     int
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{failKinds: make(map[model.AlertKind]error)}
}

func (f *fakeAlertStore) CreateAlert(_ context.Context, alert model.Alert) (model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failKinds[alert.Kind]; err != nil {
		return model.Alert{}, err
	}
	f.seq++
	alert.ID = fmt.Sprintf("alert-%d", f.seq)
	f.alerts = append(f.alerts, alert)
	return alert, nil
}

func (f *fakeAlertStore) FindLatestOpenAlert(_ context.Context, spaceID string, kind model.AlertKind) (*model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.findErr != nil {
		return nil, f.findErr
	}
	var latest *model.Alert
	for i := range f.alerts {
		a := f.alerts[i]
		if a.SpaceID != spaceID || a.Kind != kind || a.ResolvedAt != nil {
			continue
		}
		if latest == nil || a.StartedAt.After(latest.StartedAt) {
			latest = &a
		}
	}
	return latest, nil
}

func (f *fakeAlertStore) MarkAlertResolved(_ context.Context, id string, at time.Time) (model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.alerts {
		if f.alerts[i].ID == id && f.alerts[i].ResolvedAt == nil {
			resolved := at
			f.alerts[i].ResolvedAt = &resolved
			return f.alerts[i], nil
		}
	}
	return model.Alert{}, storage.ErrNotFound
}

func (f *fakeAlertStore) ListAlerts(_ context.Context, spaceID string, _ model.AlertFilter) ([]model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Alert
	for _, a := range f.alerts {
		if a.SpaceID == spaceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAlertStore) openCount(spaceID string, kind model.AlertKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.alerts {
		if a.SpaceID == spaceID && a.Kind == kind && a.ResolvedAt == nil {
			n++
		}
	}
	return n
}

func (f *fakeAlertStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

// resolveExternally closes every open alert, as an admin action would.
func (f *fakeAlertStore) resolveExternally(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.alerts {
		if f.alerts[i].ResolvedAt == nil {
			resolved := at
			f.alerts[i].ResolvedAt = &resolved
		}
	}
}

type fakeConfigs struct {
	cfg *model.DesiredConfig
	err error
}

func (f *fakeConfigs) Get(context.Context, string) (*model.DesiredConfig, error) {
	return f.cfg, f.err
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []model.AlertEvent
}

func (r *recordingBroadcaster) Emit(eventType string, payload any) {
	if eventType != EventAlert {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, payload.(model.AlertEvent))
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type manualClock struct {
	mu   sync.Mutex
	base time.Time
	now  time.Time
}

func newManualClock() *manualClock {
	base := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	return &manualClock{base: base, now: base}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) At(offset time.Duration) {
	c.mu.Lock()
	c.now = c.base.Add(offset)
	c.mu.Unlock()
}

type harness struct {
	engine  *Engine
	store   *fakeAlertStore
	configs *fakeConfigs
	bus     *recordingBroadcaster
	clock   *manualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newFakeAlertStore(),
		configs: &fakeConfigs{},
		bus:     &recordingBroadcaster{},
		clock:   newManualClock(),
	}
	h.engine = NewEngine(config.DefaultConfig(), nil, h.store, h.configs, h.bus)
	h.engine.SetClock(h.clock.Now)
	return h
}

func (h *harness) feed(t *testing.T, minute int, sample model.TelemetrySample) []model.AlertEvent {
	t.Helper()
	h.clock.At(time.Duration(minute) * time.Minute)
	events, err := h.engine.Evaluate(context.Background(), sample)
	if err != nil {
		t.Fatalf("evaluate at minute %d: %v", minute, err)
	}
	return events
}

func co2Sample(ppm float64) model.TelemetrySample {
	return model.TelemetrySample{SpaceID: "space-1", CO2PPM: ppm}
}

func TestCO2OpensAndResolvesAfterWindows(t *testing.T) {
	h := newHarness(t)

	var opened []model.AlertEvent
	for minute := 0; minute <= 5; minute++ {
		events := h.feed(t, minute, co2Sample(1100))
		if minute < 5 && len(events) > 0 {
			t.Fatalf("opened too early at minute %d", minute)
		}
		opened = append(opened, events...)
	}
	if len(opened) != 1 || opened[0].Type != model.AlertEventOpened {
		t.Fatalf("expected one opened event, got %+v", opened)
	}
	alert := opened[0].Alert
	if !alert.StartedAt.Equal(h.clock.base.Add(5 * time.Minute)) {
		t.Fatalf("startedAt mismatch: %s", alert.StartedAt)
	}
	if alert.Meta["co2_ppm"] != 1100.0 || alert.Meta["threshold"] != 1000.0 {
		t.Fatalf("meta mismatch: %v", alert.Meta)
	}

	var resolved []model.AlertEvent
	for minute := 6; minute <= 8; minute++ {
		events := h.feed(t, minute, co2Sample(900))
		if minute < 8 && len(events) > 0 {
			t.Fatalf("resolved too early at minute %d", minute)
		}
		resolved = append(resolved, events...)
	}
	if len(resolved) != 1 || resolved[0].Type != model.AlertEventResolved {
		t.Fatalf("expected one resolved event, got %+v", resolved)
	}
	if resolved[0].Alert.ID != alert.ID {
		t.Fatalf("resolved a different alert: %s vs %s", resolved[0].Alert.ID, alert.ID)
	}
	if at := resolved[0].Alert.ResolvedAt; at == nil || !at.Equal(h.clock.base.Add(8*time.Minute)) {
		t.Fatalf("resolvedAt mismatch: %v", at)
	}
	if h.store.total() != 1 || h.bus.count() != 2 {
		t.Fatalf("expected 1 alert and 2 broadcasts, got %d and %d", h.store.total(), h.bus.count())
	}
	state, ok := h.engine.State("space-1", model.AlertKindCO2)
	if !ok || state.Phase() != "CLOSED" {
		t.Fatalf("expected closed state, got %+v", state)
	}
}

func TestInterruptedConditionRestartsDebounce(t *testing.T) {
	h := newHarness(t)
	h.feed(t, 0, co2Sample(1100))
	h.feed(t, 2, co2Sample(1100))
	h.feed(t, 3, co2Sample(800))
	h.feed(t, 4, co2Sample(1100))
	if events := h.feed(t, 6, co2Sample(1100)); len(events) != 0 {
		t.Fatalf("expected no alert by minute 6, got %+v", events)
	}
	state, _ := h.engine.State("space-1", model.AlertKindCO2)
	if state.ConditionStartedAt == nil || !state.ConditionStartedAt.Equal(h.clock.base.Add(4*time.Minute)) {
		t.Fatalf("condition should restart at minute 4, got %+v", state)
	}
	if events := h.feed(t, 9, co2Sample(1100)); len(events) != 1 {
		t.Fatalf("expected alert once the restarted window elapses, got %+v", events)
	}
}

func TestInterruptedResolutionKeepsAlertOpen(t *testing.T) {
	h := newHarness(t)
	h.feed(t, 0, co2Sample(1100))
	h.feed(t, 5, co2Sample(1100))
	h.feed(t, 6, co2Sample(900))
	h.feed(t, 7, co2Sample(1200))
	if events := h.feed(t, 8, co2Sample(900)); len(events) != 0 {
		t.Fatalf("resolution should have restarted, got %+v", events)
	}
	if h.store.openCount("space-1", model.AlertKindCO2) != 1 {
		t.Fatalf("alert should still be open")
	}
	if events := h.feed(t, 10, co2Sample(900)); len(events) != 1 {
		t.Fatalf("expected resolve at minute 10, got %+v", events)
	}
}

func TestDesiredThresholdOverridesDefault(t *testing.T) {
	h := newHarness(t)
	h.configs.cfg = &model.DesiredConfig{SpaceID: "space-1", CO2AlertThreshold: 1500}
	h.feed(t, 0, co2Sample(1100))
	state, _ := h.engine.State("space-1", model.AlertKindCO2)
	if state.ConditionStartedAt != nil {
		t.Fatalf("1100ppm is below the configured 1500ppm threshold")
	}
	h.feed(t, 1, co2Sample(1600))
	events := h.feed(t, 6, co2Sample(1600))
	if len(events) != 1 || events[0].Alert.Meta["threshold"] != 1500.0 {
		t.Fatalf("expected alert with configured threshold, got %+v", events)
	}
}

func TestUnexpectedOccupancyResolvesIgnoringSchedule(t *testing.T) {
	h := newHarness(t)
	busy := model.TelemetrySample{SpaceID: "space-1", Occupancy: 0.3, OutOfScheduledHours: true}
	h.feed(t, 0, busy)
	events := h.feed(t, 10, busy)
	if len(events) != 1 || events[0].Alert.Kind != model.AlertKindOccupancyUnexpected {
		t.Fatalf("expected unexpected-occupancy alert, got %+v", events)
	}
	if events[0].Alert.Meta["out_of_hours"] != true {
		t.Fatalf("meta mismatch: %v", events[0].Alert.Meta)
	}
	empty := model.TelemetrySample{SpaceID: "space-1", Occupancy: 0, OutOfScheduledHours: false}
	h.feed(t, 11, empty)
	events = h.feed(t, 16, empty)
	if len(events) != 1 || events[0].Type != model.AlertEventResolved {
		t.Fatalf("expected resolve on empty room, got %+v", events)
	}
}

func TestOpenAndResolveAreIdempotent(t *testing.T) {
	h := newHarness(t)
	rule := h.engine.Rules()[0]
	ctx := context.Background()
	key := StateKey{SpaceID: "space-1", Kind: rule.Kind}
	now := h.clock.Now()

	lease := h.engine.states.Acquire(key, now)
	lease.MarkHydrated()
	if ev, err := h.engine.openAlert(ctx, lease, rule, co2Sample(1100), nil, now); err != nil || ev == nil {
		t.Fatalf("first open: %v %v", ev, err)
	}
	if ev, err := h.engine.openAlert(ctx, lease, rule, co2Sample(1100), nil, now); err != nil || ev != nil {
		t.Fatalf("second open should be a no-op: %v %v", ev, err)
	}
	if h.store.total() != 1 {
		t.Fatalf("expected one persisted alert, got %d", h.store.total())
	}

	if ev, err := h.engine.resolveAlert(ctx, lease, rule.Kind, "space-1", now); err != nil || ev == nil {
		t.Fatalf("first resolve: %v %v", ev, err)
	}
	finds := h.store.finds
	if ev, err := h.engine.resolveAlert(ctx, lease, rule.Kind, "space-1", now); err != nil || ev != nil {
		t.Fatalf("second resolve should be a no-op: %v %v", ev, err)
	}
	if h.store.finds != finds {
		t.Fatalf("no-op resolve must not touch the store")
	}
	lease.Release()
	if h.bus.count() != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", h.bus.count())
	}
}

func TestResolveDesyncResetsSilently(t *testing.T) {
	h := newHarness(t)
	h.feed(t, 0, co2Sample(1100))
	h.feed(t, 5, co2Sample(1100))
	h.store.resolveExternally(h.clock.Now())

	h.feed(t, 6, co2Sample(900))
	if events := h.feed(t, 8, co2Sample(900)); len(events) != 0 {
		t.Fatalf("desync must not emit, got %+v", events)
	}
	state, _ := h.engine.State("space-1", model.AlertKindCO2)
	if state.IsOpen || state.ResolutionStartedAt != nil {
		t.Fatalf("expected state reset to closed, got %+v", state)
	}
	if h.bus.count() != 1 {
		t.Fatalf("only the open event should have been broadcast, got %d", h.bus.count())
	}
}

func TestPersistenceFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	h.feed(t, 0, co2Sample(1100))
	before, _ := h.engine.State("space-1", model.AlertKindCO2)

	h.store.failKinds[model.AlertKindCO2] = errors.New("db down")
	h.clock.At(5 * time.Minute)
	if _, err := h.engine.Evaluate(context.Background(), co2Sample(1100)); err == nil {
		t.Fatalf("expected persistence error")
	}
	after, _ := h.engine.State("space-1", model.AlertKindCO2)
	if after.IsOpen || after.ConditionStartedAt == nil || !after.ConditionStartedAt.Equal(*before.ConditionStartedAt) {
		t.Fatalf("state changed after failure: before %+v after %+v", before, after)
	}

	delete(h.store.failKinds, model.AlertKindCO2)
	if events := h.feed(t, 6, co2Sample(1100)); len(events) != 1 {
		t.Fatalf("expected open on retry, got %+v", events)
	}
}

func TestRuleFailureDoesNotBlockOtherRules(t *testing.T) {
	h := newHarness(t)
	sample := model.TelemetrySample{SpaceID: "space-1", CO2PPM: 1100, Occupancy: 1.0}
	h.feed(t, 0, sample)
	h.store.failKinds[model.AlertKindCO2] = errors.New("db down")
	h.clock.At(5 * time.Minute)
	events, err := h.engine.Evaluate(context.Background(), sample)
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(events) != 1 || events[0].Alert.Kind != model.AlertKindOccupancyMax {
		t.Fatalf("occupancy alert should still open, got %+v", events)
	}
}

func TestConfigFailureAbortsBeforeState(t *testing.T) {
	h := newHarness(t)
	h.configs.err = errors.New("config store down")
	if _, err := h.engine.Evaluate(context.Background(), co2Sample(1100)); err == nil {
		t.Fatalf("expected config error")
	}
	if h.engine.StateCount() != 0 {
		t.Fatalf("no state should be created, got %d", h.engine.StateCount())
	}
}

func TestMissingSpaceRejected(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.Evaluate(context.Background(), model.TelemetrySample{CO2PPM: 2000}); !errors.Is(err, ErrMissingSpace) {
		t.Fatalf("expected ErrMissingSpace, got %v", err)
	}
}

func TestRehydrateResolvesAlertFromPreviousRun(t *testing.T) {
	h := newHarness(t)
	prior, _ := h.store.CreateAlert(context.Background(), model.Alert{
		SpaceID:   "space-1",
		Kind:      model.AlertKindCO2,
		StartedAt: h.clock.base.Add(-time.Hour),
	})

	if events := h.feed(t, 0, co2Sample(1100)); len(events) != 0 {
		t.Fatalf("rehydrated key must not open a duplicate, got %+v", events)
	}
	h.feed(t, 6, co2Sample(1100))
	if h.store.total() != 1 {
		t.Fatalf("expected no duplicate alert, got %d", h.store.total())
	}
	h.feed(t, 7, co2Sample(900))
	events := h.feed(t, 9, co2Sample(900))
	if len(events) != 1 || events[0].Alert.ID != prior.ID {
		t.Fatalf("expected the prior alert to resolve, got %+v", events)
	}
}

func TestHydrateFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.store.findErr = errors.New("db down")
	h.clock.At(0)
	if _, err := h.engine.Evaluate(context.Background(), co2Sample(1100)); err == nil {
		t.Fatalf("expected hydrate error")
	}
	h.store.findErr = nil
	h.feed(t, 1, co2Sample(1100))
	state, _ := h.engine.State("space-1", model.AlertKindCO2)
	if state.ConditionStartedAt == nil {
		t.Fatalf("expected condition to start once hydrated")
	}
}

func TestConcurrentSamplesOpenOnce(t *testing.T) {
	h := newHarness(t)
	h.feed(t, 0, co2Sample(1100))
	h.clock.At(10 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.engine.Evaluate(context.Background(), co2Sample(1100))
		}()
	}
	wg.Wait()
	if n := h.store.openCount("space-1", model.AlertKindCO2); n != 1 {
		t.Fatalf("expected exactly one open alert, got %d", n)
	}
}

func TestSweepEvictsIdleState(t *testing.T) {
	h := newHarness(t)
	h.feed(t, 0, co2Sample(1100))
	if h.engine.StateCount() != len(h.engine.Rules()) {
		t.Fatalf("expected one state per rule, got %d", h.engine.StateCount())
	}
	h.clock.At(h.engine.config().Alerts.StateIdleTTL - time.Minute)
	if removed := h.engine.Sweep(); removed != 0 {
		t.Fatalf("nothing should be idle yet, removed %d", removed)
	}
	h.clock.At(h.engine.config().Alerts.StateIdleTTL + time.Minute)
	if removed := h.engine.Sweep(); removed != len(h.engine.Rules()) {
		t.Fatalf("expected all states evicted, removed %d", removed)
	}
}

func TestResetClearsProgress(t *testing.T) {
	h := newHarness(t)
	h.feed(t, 0, co2Sample(1100))
	h.engine.Reset()
	if h.engine.StateCount() != 0 {
		t.Fatalf("expected empty state store after reset")
	}
	if events := h.feed(t, 5, co2Sample(1100)); len(events) != 0 {
		t.Fatalf("debounce should restart after reset, got %+v", events)
	}
}

func TestStateInvariantHolds(t *testing.T) {
	rule := BuildRules(config.DefaultConfig().Alerts)[0]
	base := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	state := DebounceState{}
	values := []float64{1100, 1100, 900, 1100, 1100, 1100, 1100, 1100, 1100, 900, 900, 1100, 900, 900, 900}
	for i, v := range values {
		next, action := step(rule, state, co2Sample(v), nil, base.Add(time.Duration(i)*time.Minute))
		if next.ConditionStartedAt != nil && next.ResolutionStartedAt != nil {
			t.Fatalf("both timers set at step %d: %+v", i, next)
		}
		if next.IsOpen && next.ConditionStartedAt != nil {
			t.Fatalf("open state with condition timer at step %d", i)
		}
		if !next.IsOpen && next.ResolutionStartedAt != nil {
			t.Fatalf("closed state with resolution timer at step %d", i)
		}
		if action == transitionOpen && state.IsOpen {
			t.Fatalf("open from already open state at step %d", i)
		}
		state = next
	}
}

func TestResetToClosedSurvivesNextSample(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.CreateAlert(context.Background(), model.Alert{
		SpaceID:   "space-1",
		Kind:      model.AlertKindCO2,
		StartedAt: h.clock.base.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("seed alert: %v", err)
	}
	key := StateKey{SpaceID: "space-1", Kind: model.AlertKindCO2}
	h.engine.states.ResetToClosed(key, h.clock.Now())

	h.feed(t, 0, co2Sample(900))
	h.feed(t, 3, co2Sample(900))
	state, _ := h.engine.State("space-1", model.AlertKindCO2)
	if state.Phase() != "CLOSED" {
		t.Fatalf("reset should stick, got phase %s", state.Phase())
	}
	if h.bus.count() != 0 {
		t.Fatalf("a reset key must not resolve anything, got %d events", h.bus.count())
	}
}

func TestDesyncDoesNotRehydrate(t *testing.T) {
	h := newHarness(t)
	h.feed(t, 0, co2Sample(1100))
	h.feed(t, 5, co2Sample(1100))
	h.store.resolveExternally(h.clock.Now())
	h.feed(t, 6, co2Sample(900))
	h.feed(t, 8, co2Sample(900))

	h.store.mu.Lock()
	before := h.store.finds
	h.store.mu.Unlock()
	h.feed(t, 9, co2Sample(900))
	h.store.mu.Lock()
	after := h.store.finds
	h.store.mu.Unlock()
	if after != before {
		t.Fatalf("closed key after desync should not query the store, finds %d -> %d", before, after)
	}
}

func TestResetDuringEvaluation(t *testing.T) {
	h := newHarness(t)
	h.clock.At(0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = h.engine.Evaluate(context.Background(), co2Sample(1100))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			h.engine.Reset()
		}
	}()
	wg.Wait()

	if n := h.store.openCount("space-1", model.AlertKindCO2); n > 1 {
		t.Fatalf("expected at most one open alert, got %d", n)
	}
}

func TestSetClockWhileEvaluating(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = h.engine.Evaluate(context.Background(), co2Sample(1100))
			}
		}()
	}
	for j := 0; j < 50; j++ {
		h.engine.SetClock(h.clock.Now)
	}
	wg.Wait()
	if !h.engine.now().Equal(h.clock.Now()) {
		t.Fatalf("engine clock should follow the installed clock")
	}
}
