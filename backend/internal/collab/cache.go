package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"docsync/backend/internal/store"
)

// Cache maps document ids to live Documents. Misses are loaded from the
// backing store; concurrent misses for one id share a single load.
type Cache struct {
	mu   sync.RWMutex
	docs map[string]*Document
	sf   singleflight.Group

	store  store.SnapshotStore
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

func NewCache(st store.SnapshotStore, ttl time.Duration, now func() time.Time, logger zerolog.Logger) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		docs:   make(map[string]*Document),
		store:  st,
		ttl:    ttl,
		now:    now,
		logger: logger.With().Str("component", "document-cache").Logger(),
	}
}

// Get returns the live document for docID, creating it on a miss. Every call
// refreshes lastAccessedAt. A backing-store failure degrades to an empty
// in-memory document.
func (c *Cache) Get(ctx context.Context, docID string) *Document {
	d := c.lookup(docID)
	if d == nil {
		d = c.load(ctx, docID)
	}
	d.mu.Lock()
	d.lastAccessedAt = c.now()
	d.mu.Unlock()
	return d
}

func (c *Cache) lookup(docID string) *Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d := c.docs[docID]; d != nil && !d.evicted.Load() {
		return d
	}
	return nil
}

func (c *Cache) load(ctx context.Context, docID string) *Document {
	// the load is shared by every waiter, so it must outlive any one caller
	ctx = context.WithoutCancel(ctx)
	v, _, _ := c.sf.Do(docID, func() (interface{}, error) {
		if d := c.lookup(docID); d != nil {
			return d, nil
		}

		snap, err := c.store.Get(ctx, docID)
		persistFresh := false
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotFound):
			persistFresh = true
		default:
			// memory-only until the store comes back; do not write an empty
			// snapshot over whatever the store may still hold
			c.logger.Warn().Err(err).Str("doc", docID).Msg("load snapshot failed, starting empty")
		}

		d := newDocument(docID, snap, c.now())

		c.mu.Lock()
		if cur := c.docs[docID]; cur != nil && !cur.evicted.Load() {
			c.mu.Unlock()
			return cur, nil
		}
		c.docs[docID] = d
		c.mu.Unlock()

		if persistFresh {
			d.mu.Lock()
			c.persistLocked(ctx, d)
			d.mu.Unlock()
		}
		return d, nil
	})
	return v.(*Document)
}

// persistLocked writes d's snapshot, refreshing the TTL. Failures are logged
// and the in-memory state stands. Caller holds d.mu.
func (c *Cache) persistLocked(ctx context.Context, d *Document) {
	c.persistContentLocked(ctx, d, d.buf.String())
}

func (c *Cache) persistContentLocked(ctx context.Context, d *Document, content string) {
	ctx = context.WithoutCancel(ctx)
	if err := c.store.Set(ctx, d.id, d.snapshotLocked(content), c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("doc", d.id).Uint64("version", d.version).Msg("persist snapshot failed")
	}
}

// documents returns the cached documents at this instant.
func (c *Cache) documents() []*Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Document, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, d)
	}
	return out
}

func (c *Cache) contains(docID string) bool {
	return c.lookup(docID) != nil
}

// remove drops d if it is still the cached entry for its id.
func (c *Cache) remove(d *Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docs[d.id] == d {
		delete(c.docs, d.id)
	}
}

// Len reports how many documents are held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}
