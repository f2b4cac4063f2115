package bus

import (
	"context"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus replicates over a single Redis Pub/Sub channel. go-redis
// reconnects the subscription on its own after a connection loss.
type RedisBus struct {
	rdb     redis.UniversalClient
	channel string
	logger  zerolog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(rdb redis.UniversalClient, channel string, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With().Str("component", "redis-bus").Str("channel", channel).Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	ps := b.rdb.Subscribe(ctx, b.channel)
	// Receive blocks until the SUBSCRIBE is confirmed, so no message published
	// after Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	ch := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg, err := decode([]byte(m.Payload))
				if err != nil {
					b.logger.Error().Err(err).Msg("drop undecodable replication message")
					continue
				}
				h(ctx, msg)
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var firstErr error
	for _, ps := range subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.wg.Wait()
	return firstErr
}
