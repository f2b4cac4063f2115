package collab

import (
	"sync"
	"sync/atomic"
	"time"

	"docsync/backend/internal/model"
)

// Document is the live, per-process state of one document. All fields below
// mu are guarded by it; a cache hit hands out this same pointer.
type Document struct {
	id string

	mu             sync.Mutex
	buf            Buffer
	version        uint64
	recent         []model.TextOperation
	activeUsers    map[string]struct{}
	cursors        map[string]model.CursorPosition
	lastAccessedAt time.Time
	// operations applied since the document was loaded into this process
	appliedSinceLoad int

	// set once the sweeper dropped the document; holders must re-fetch
	evicted atomic.Bool
}

func newDocument(id string, snap *model.Snapshot, now time.Time) *Document {
	d := &Document{
		id:             id,
		buf:            NewPieceTable(""),
		activeUsers:    make(map[string]struct{}),
		cursors:        make(map[string]model.CursorPosition),
		lastAccessedAt: now,
	}
	if snap == nil {
		return d
	}
	d.buf = NewPieceTable(snap.Content)
	d.version = snap.Version
	d.recent = append(d.recent, snap.RecentOperations...)
	for _, u := range snap.ActiveUsers {
		d.activeUsers[u] = struct{}{}
	}
	for k, c := range snap.Cursors {
		d.cursors[k] = c
	}
	if snap.LastAccessedAt > 0 {
		d.lastAccessedAt = time.UnixMilli(snap.LastAccessedAt)
	}
	return d
}

func (d *Document) ID() string { return d.id }

func (d *Document) appendRecent(op model.TextOperation, limit int) {
	d.recent = append(d.recent, op)
	if limit > 0 && len(d.recent) > limit {
		// drop oldest; copy so the backing array does not grow forever
		d.recent = append([]model.TextOperation(nil), d.recent[len(d.recent)-limit:]...)
	}
}

func (d *Document) snapshotLocked(content string) *model.Snapshot {
	cursors := make(map[string]model.CursorPosition, len(d.cursors))
	for k, c := range d.cursors {
		cursors[k] = c
	}
	return &model.Snapshot{
		Content:          content,
		Version:          d.version,
		RecentOperations: append([]model.TextOperation(nil), d.recent...),
		ActiveUsers:      model.SortedUsers(d.activeUsers),
		Cursors:          cursors,
		LastAccessedAt:   d.lastAccessedAt.UnixMilli(),
	}
}

func (d *Document) stateLocked(content string) model.DocumentState {
	return model.DocumentState{
		DocumentID:       d.id,
		Content:          content,
		Version:          d.version,
		RecentOperations: append([]model.TextOperation(nil), d.recent...),
		ActiveUsers:      model.SortedUsers(d.activeUsers),
		Cursors:          model.SortedCursors(d.cursors),
		LastAccessedAt:   d.lastAccessedAt,
	}
}

func (d *Document) idleLocked(now time.Time, threshold time.Duration) bool {
	return len(d.activeUsers) == 0 && now.Sub(d.lastAccessedAt) > threshold
}
