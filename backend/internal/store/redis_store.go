package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"docsync/backend/internal/model"
)

// RedisStore keeps snapshots as JSON strings under doc:<id>.
type RedisStore struct {
	rdb redis.UniversalClient
}

var _ SnapshotStore = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, docID string) (*model.Snapshot, error) {
	b, err := s.rdb.Get(ctx, docKey(docID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", docID, err)
	}
	return &snap, nil
}

func (s *RedisStore) Set(ctx context.Context, docID string, snap *model.Snapshot, ttl time.Duration) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, docKey(docID), b, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, docID string) error {
	return s.rdb.Del(ctx, docKey(docID)).Err()
}

func (s *RedisStore) Scan(ctx context.Context) ([]string, error) {
	// A cluster client only scans the node it happens to hit, so walk every master.
	if cc, ok := s.rdb.(*redis.ClusterClient); ok {
		var (
			mu  sync.Mutex
			ids []string
		)
		err := cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			found, err := scanDocs(ctx, node)
			if err != nil {
				return err
			}
			mu.Lock()
			ids = append(ids, found...)
			mu.Unlock()
			return nil
		})
		return ids, err
	}
	return scanDocs(ctx, s.rdb)
}

func scanDocs(ctx context.Context, c redis.Cmdable) ([]string, error) {
	var ids []string
	iter := c.Scan(ctx, 0, keyDocPattern, 0).Iterator()
	for iter.Next(ctx) {
		if id := docIDFromKey(iter.Val()); id != "" {
			ids = append(ids, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
