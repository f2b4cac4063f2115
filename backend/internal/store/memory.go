package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"docsync/backend/internal/model"
)

type memoryEntry struct {
	data     []byte
	expireAt time.Time // zero means no expiry
}

// MemoryStore is an in-process SnapshotStore for tests and single-node runs.
// Values are stored encoded so callers never share memory with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ SnapshotStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// SetClock replaces the clock used for TTL expiry.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Get(_ context.Context, docID string) (*model.Snapshot, error) {
	m.mu.RLock()
	e, ok := m.entries[docID]
	now := m.now()
	m.mu.RUnlock()
	if !ok || m.expired(e, now) {
		return nil, ErrNotFound
	}
	var snap model.Snapshot
	if err := json.Unmarshal(e.data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MemoryStore) Set(_ context.Context, docID string, snap *model.Snapshot, ttl time.Duration) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{data: b}
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	m.entries[docID] = e
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, docID)
	return nil
}

func (m *MemoryStore) Scan(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if !m.expired(e, now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) expired(e memoryEntry, now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}
