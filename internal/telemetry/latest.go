package telemetry

import (
	"sync"
	"time"

	"spacewatch/internal/model"
)

// LatestStore keeps the most recent sample per space, bounded by limit.
// When full, the space updated longest ago is dropped.
type LatestStore struct {
	mu        sync.RWMutex
	bySpace   map[string]model.TelemetrySample
	updatedAt map[string]time.Time
	limit     int
}

func NewLatestStore(limit int) *LatestStore {
	if limit <= 0 {
		limit = 5000
	}
	return &LatestStore{
		bySpace:   make(map[string]model.TelemetrySample),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *LatestStore) Update(sample model.TelemetrySample) {
	if sample.SpaceID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.bySpace[sample.SpaceID]; ok && sample.Timestamp.Before(prev.Timestamp) {
		return
	}
	s.bySpace[sample.SpaceID] = sample
	s.updatedAt[sample.SpaceID] = time.Now()
	if len(s.bySpace) > s.limit {
		s.evictOldest()
	}
}

func (s *LatestStore) Get(spaceID string) (model.TelemetrySample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.bySpace[spaceID]
	return sample, ok
}

func (s *LatestStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySpace)
}

func (s *LatestStore) evictOldest() {
	var oldestSpace string
	var oldest time.Time
	for space, ts := range s.updatedAt {
		if oldestSpace == "" || ts.Before(oldest) {
			oldestSpace = space
			oldest = ts
		}
	}
	if oldestSpace != "" {
		delete(s.bySpace, oldestSpace)
		delete(s.updatedAt, oldestSpace)
	}
}

func (s *LatestStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySpace = make(map[string]model.TelemetrySample)
	s.updatedAt = make(map[string]time.Time)
}
