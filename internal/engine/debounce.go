package engine

import (
	"sync"
	"time"

	"spacewatch/internal/model"
)

type StateKey struct {
	SpaceID string
	Kind    model.AlertKind
}

// DebounceState tracks how long a trigger or resolve condition has held for
// one (space, kind). At most one of the two timers is set at a time.
type DebounceState struct {
	ConditionStartedAt  *time.Time `json:"condition_started_at,omitempty"`
	ResolutionStartedAt *time.Time `json:"resolution_started_at,omitempty"`
	IsOpen              bool       `json:"is_open"`
}

func (s DebounceState) Phase() string {
	switch {
	case s.IsOpen && s.ResolutionStartedAt != nil:
		return "RESOLUTION_PENDING"
	case s.IsOpen:
		return "OPEN"
	case s.ConditionStartedAt != nil:
		return "CONDITION_PENDING"
	default:
		return "CLOSED"
	}
}

func closedState() DebounceState {
	return DebounceState{}
}

func openState() DebounceState {
	return DebounceState{IsOpen: true}
}

type stateEntry struct {
	mu       sync.Mutex
	state    DebounceState
	hydrated bool
	// epoch is the store epoch the state belongs to, guarded by mu.
	epoch    uint64
	lastSeen time.Time
	refs     int
}

// StateStore holds debounce state per key. Acquire serialises all work on
// one key while leaving other keys free to proceed in parallel.
type StateStore struct {
	mu    sync.Mutex
	items map[StateKey]*stateEntry
	// epoch is bumped by Clear; entries from an older epoch start over on
	// their next acquisition.
	epoch uint64
}

func NewStateStore() *StateStore {
	return &StateStore{items: make(map[StateKey]*stateEntry)}
}

// Lease is exclusive access to one key's state until Release.
type Lease struct {
	store *StateStore
	key   StateKey
	entry *stateEntry
}

func (s *StateStore) Acquire(key StateKey, now time.Time) *Lease {
	s.mu.Lock()
	entry, ok := s.items[key]
	if !ok {
		entry = &stateEntry{epoch: s.epoch}
		s.items[key] = entry
	}
	entry.refs++
	entry.lastSeen = now
	epoch := s.epoch
	s.mu.Unlock()

	entry.mu.Lock()
	if entry.epoch != epoch {
		entry.state = closedState()
		entry.hydrated = false
		entry.epoch = epoch
	}
	return &Lease{store: s, key: key, entry: entry}
}

func (l *Lease) State() DebounceState {
	return l.entry.state
}

func (l *Lease) Commit(state DebounceState) {
	l.entry.state = state
}

func (l *Lease) Hydrated() bool {
	return l.entry.hydrated
}

func (l *Lease) MarkHydrated() {
	l.entry.hydrated = true
}

// ResetToClosed clears both timers and marks the key closed. The entry counts
// as hydrated, so the store is not consulted again for this key.
func (l *Lease) ResetToClosed() {
	l.entry.state = closedState()
	l.entry.hydrated = true
}

func (l *Lease) Release() {
	l.entry.mu.Unlock()
	l.store.mu.Lock()
	l.entry.refs--
	l.store.mu.Unlock()
}

// ResetToClosed forces a key closed, creating the entry if needed.
func (s *StateStore) ResetToClosed(key StateKey, now time.Time) {
	lease := s.Acquire(key, now)
	defer lease.Release()
	lease.ResetToClosed()
}

// Get returns a snapshot without creating the entry.
func (s *StateStore) Get(key StateKey) (DebounceState, bool) {
	s.mu.Lock()
	entry, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return DebounceState{}, false
	}
	epoch := s.epoch
	s.mu.Unlock()
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.epoch != epoch {
		return closedState(), true
	}
	return entry.state, true
}

// Sweep drops entries idle for longer than maxIdle that nobody holds.
func (s *StateStore) Sweep(now time.Time, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, entry := range s.items {
		if entry.refs > 0 {
			continue
		}
		if now.Sub(entry.lastSeen) > maxIdle {
			delete(s.items, k)
			removed++
		}
	}
	return removed
}

func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Clear drops all progress. Entries held by a lease stay in place so the key
// keeps a single owner; they are reset and rehydrated on their next
// acquisition.
func (s *StateStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	for k, entry := range s.items {
		if entry.refs == 0 {
			delete(s.items, k)
		}
	}
}
