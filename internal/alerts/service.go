package alerts

import (
	"context"
	"errors"
	"fmt"

	"spacewatch/internal/model"
	"spacewatch/internal/storage"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var ErrInvalidKind = errors.New("alerts: unknown alert kind")

// Query is the read side of the alert log. Filters are combined with AND.
type Query struct {
	SpaceID    string
	ActiveOnly bool
	Kind       string
	Limit      int
}

// Service answers alert queries for the HTTP API. It never writes.
type Service struct {
	store storage.AlertStore
}

func NewService(store storage.AlertStore) *Service {
	return &Service{store: store}
}

// List returns alerts for a space, newest first.
func (s *Service) List(ctx context.Context, q Query) ([]model.Alert, error) {
	if q.SpaceID == "" {
		return nil, errors.New("alerts: space id required")
	}
	filter := model.AlertFilter{ActiveOnly: q.ActiveOnly, Limit: ClampLimit(q.Limit)}
	if q.Kind != "" {
		kind := model.AlertKind(q.Kind)
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKind, q.Kind)
		}
		filter.Kind = kind
	}
	return s.store.ListAlerts(ctx, q.SpaceID, filter)
}

func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
