package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"docsync/backend/internal/bus"
	"docsync/backend/internal/model"
	"docsync/backend/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore wraps a MemoryStore and fails the selected calls.
type flakyStore struct {
	*store.MemoryStore
	failGet atomic.Bool
	failSet atomic.Bool
	gets    atomic.Int32
	sets    atomic.Int32
}

var errStoreDown = errors.New("store down")

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: store.NewMemoryStore()}
}

func (s *flakyStore) Get(ctx context.Context, id string) (*model.Snapshot, error) {
	s.gets.Add(1)
	if s.failGet.Load() {
		return nil, errStoreDown
	}
	return s.MemoryStore.Get(ctx, id)
}

func (s *flakyStore) Set(ctx context.Context, id string, snap *model.Snapshot, ttl time.Duration) error {
	s.sets.Add(1)
	if s.failSet.Load() {
		return errStoreDown
	}
	return s.MemoryStore.Set(ctx, id, snap, ttl)
}

// recorder collects listener events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnDocumentEvent(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type recordingArchiver struct {
	mu    sync.Mutex
	snaps map[string]*model.Snapshot
}

func (a *recordingArchiver) Archive(_ context.Context, docID string, snap *model.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snaps == nil {
		a.snaps = make(map[string]*model.Snapshot)
	}
	a.snaps[docID] = snap
	return nil
}

func (a *recordingArchiver) get(docID string) *model.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snaps[docID]
}

func newTestEngine(t *testing.T, st store.SnapshotStore, b bus.Bus, instanceID string, clock *fakeClock) *Engine {
	t.Helper()
	opt := Options{InstanceID: instanceID}
	if clock != nil {
		opt.Now = clock.Now
	}
	e := NewEngine(st, b, opt, zerolog.Nop())
	t.Cleanup(e.Close)
	return e
}

func insert(pos int, text string) model.TextOperation {
	return model.TextOperation{Kind: model.OpInsert, Position: pos, Text: text, AuthorID: "u1"}
}

func del(pos, n int) model.TextOperation {
	return model.TextOperation{Kind: model.OpDelete, Position: pos, Length: n, AuthorID: "u1"}
}
