package store

import (
	"context"
	"errors"
	"time"

	"docsync/backend/internal/model"
)

var ErrNotFound = errors.New("SNAPSHOT_NOT_FOUND")

// SnapshotStore is the backing store adapter: a key/value store with TTL
// holding one serialized snapshot per document.
type SnapshotStore interface {
	// Get returns ErrNotFound when no snapshot is stored for docID.
	Get(ctx context.Context, docID string) (*model.Snapshot, error)
	Set(ctx context.Context, docID string, snap *model.Snapshot, ttl time.Duration) error
	Delete(ctx context.Context, docID string) error
	// Scan lists the ids of every persisted document.
	Scan(ctx context.Context) ([]string, error)
}
