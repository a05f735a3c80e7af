package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"spacewatch/internal/model"
	"spacewatch/internal/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestListFiltersAndOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	kinds := []model.AlertKind{model.AlertKindCO2, model.AlertKindOccupancyMax, model.AlertKindCO2}
	var ids []string
	for i, kind := range kinds {
		a, err := store.CreateAlert(ctx, model.Alert{SpaceID: "space-1", Kind: kind, StartedAt: base.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, a.ID)
	}
	if _, err := store.CreateAlert(ctx, model.Alert{SpaceID: "space-2", Kind: model.AlertKindCO2, StartedAt: base}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkAlertResolved(ctx, ids[0], base.Add(10*time.Minute)); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	svc := NewService(store)

	all, err := svc.List(ctx, Query{SpaceID: "space-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Fatalf("expected newest first, got %+v", all)
	}

	active, err := svc.List(ctx, Query{SpaceID: "space-1", ActiveOnly: true, Kind: "CO2"})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != ids[2] {
		t.Fatalf("expected only the open CO2 alert, got %+v", active)
	}

	limited, err := svc.List(ctx, Query{SpaceID: "space-1", Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit: %v %v", limited, err)
	}

	none, err := svc.List(ctx, Query{SpaceID: "space-9"})
	if err != nil || len(none) != 0 {
		t.Fatalf("unknown space should list nothing: %v %v", none, err)
	}
}

func TestListRejectsUnknownKind(t *testing.T) {
	svc := NewService(newTestStore(t))
	if _, err := svc.List(context.Background(), Query{SpaceID: "space-1", Kind: "SMOKE"}); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestClampLimit(t *testing.T) {
	cases := map[int]int{-1: DefaultLimit, 0: DefaultLimit, 10: 10, MaxLimit: MaxLimit, 5000: MaxLimit}
	for in, want := range cases {
		if got := ClampLimit(in); got != want {
			t.Fatalf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

type countingBroadcaster struct {
	events []string
}

func (c *countingBroadcaster) Emit(eventType string, _ any) {
	c.events = append(c.events, eventType)
}

func TestRecentKeepsLatestAndForwards(t *testing.T) {
	next := &countingBroadcaster{}
	r := NewRecent(2, next)
	base := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		r.Emit("alert", model.AlertEvent{
			Type:  model.AlertEventOpened,
			Alert: model.Alert{ID: string(rune('a' + i)), StartedAt: base.Add(time.Duration(i) * time.Minute)},
		})
	}
	r.Emit("telemetry", map[string]any{"space_id": "space-1"})

	if len(next.events) != 4 {
		t.Fatalf("expected every event forwarded, got %v", next.events)
	}
	list := r.List(0)
	if len(list) != 2 || list[0].Alert.ID != "b" || list[1].Alert.ID != "c" {
		t.Fatalf("unexpected ring contents: %+v", list)
	}
	if since := r.Since(base.Add(2 * time.Minute)); len(since) != 1 || since[0].Alert.ID != "c" {
		t.Fatalf("since: %+v", since)
	}

	resolvedAt := base.Add(30 * time.Minute)
	r.Add(model.AlertEvent{Type: model.AlertEventResolved, Alert: model.Alert{ID: "a", StartedAt: base, ResolvedAt: &resolvedAt}})
	if since := r.Since(base.Add(20 * time.Minute)); len(since) != 1 || since[0].Type != model.AlertEventResolved {
		t.Fatalf("resolved events should be dated by resolution: %+v", since)
	}

	r.Clear()
	if len(r.List(10)) != 0 {
		t.Fatalf("clear left events behind")
	}
}
