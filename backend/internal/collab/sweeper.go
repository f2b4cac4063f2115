package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"docsync/backend/internal/model"
	"docsync/backend/internal/store"
)

// Archiver receives a document's final snapshot before it is evicted.
type Archiver interface {
	Archive(ctx context.Context, docID string, snap *model.Snapshot) error
}

type SweepResult struct {
	Evicted        int
	OrphansDeleted int
	Errors         int
}

// Sweeper evicts idle, userless documents from memory and the backing
// store, including persisted documents no live instance holds.
type Sweeper struct {
	cache  *Cache
	store  store.SnapshotStore
	opt    Options
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSweeper(c *Cache, st store.SnapshotStore, opt Options, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		cache:  c,
		store:  st,
		opt:    opt,
		logger: logger.With().Str("component", "sweeper").Logger(),
	}
}

func (s *Sweeper) Start() {
	if s.opt.SweepInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opt.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepOnce(ctx)
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// SweepOnce runs a full pass. Store errors are logged and counted; the next
// pass retries.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.opt.Now()

	for _, d := range s.cache.documents() {
		if ctx.Err() != nil {
			return res
		}
		d.mu.Lock()
		if d.evicted.Load() || !d.idleLocked(now, s.opt.IdleThreshold) {
			d.mu.Unlock()
			continue
		}
		s.archive(ctx, d.id, d.snapshotLocked(d.buf.String()))
		if err := s.store.Delete(ctx, d.id); err != nil {
			// dropped from memory anyway; the orphan pass retries the delete
			res.Errors++
			s.logger.Warn().Err(err).Str("doc", d.id).Msg("delete evicted snapshot failed")
		}
		d.evicted.Store(true)
		d.mu.Unlock()
		s.cache.remove(d)
		res.Evicted++
	}

	ids, err := s.store.Scan(ctx)
	if err != nil {
		res.Errors++
		s.logger.Warn().Err(err).Msg("scan backing store failed")
		return s.done(res)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if s.cache.contains(id) {
			continue
		}
		snap, err := s.store.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				res.Errors++
				s.logger.Warn().Err(err).Str("doc", id).Msg("load orphan snapshot failed")
			}
			continue
		}
		if !snap.Idle(now, s.opt.IdleThreshold) {
			continue
		}
		s.archive(ctx, id, snap)
		if err := s.store.Delete(ctx, id); err != nil {
			res.Errors++
			s.logger.Warn().Err(err).Str("doc", id).Msg("delete orphan snapshot failed")
			continue
		}
		res.OrphansDeleted++
	}
	return s.done(res)
}

func (s *Sweeper) done(res SweepResult) SweepResult {
	if res.Evicted > 0 || res.OrphansDeleted > 0 || res.Errors > 0 {
		s.logger.Info().
			Int("evicted", res.Evicted).
			Int("orphans", res.OrphansDeleted).
			Int("errors", res.Errors).
			Msg("sweep finished")
	}
	return res
}

func (s *Sweeper) archive(ctx context.Context, docID string, snap *model.Snapshot) {
	if s.opt.Archiver == nil {
		return
	}
	if err := s.opt.Archiver.Archive(ctx, docID, snap); err != nil {
		s.logger.Warn().Err(err).Str("doc", docID).Msg("archive snapshot failed")
	}
}
