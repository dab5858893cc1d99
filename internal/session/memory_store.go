package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fedilogin/internal/types"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store. Records are copied on the way in and
// out so callers never share a *Session with the store.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	ttl       time.Duration
	clock     types.Clock
	lastSweep time.Time
}

// NewMemoryStore creates a MemoryStore. A nil clock uses wall time.
func NewMemoryStore(ttl time.Duration, clock types.Clock) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if ok && !m.clock.Now().Before(entry.expiresAt) {
		delete(m.entries, id)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return nil, errNotFound()
	}
	var s Session
	if err := json.Unmarshal(entry.data, &s); err != nil {
		return nil, errBackend("failed to decode session", err)
	}
	return &s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errBackend("failed to encode session", err)
	}
	now := m.clock.Now()
	m.mu.Lock()
	m.sweepLocked(now)
	m.entries[s.ID] = memoryEntry{data: data, expiresAt: now.Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

// sweepLocked drops expired records at most once per TTL, so sessions that
// are never read again do not pile up.
func (m *MemoryStore) sweepLocked(now time.Time) {
	if now.Sub(m.lastSweep) < m.ttl {
		return
	}
	m.lastSweep = now
	for id, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, id)
		}
	}
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored records, expired ones not yet swept
// included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
