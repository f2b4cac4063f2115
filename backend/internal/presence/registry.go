package presence

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Instance is a live collaboration server.
type Instance struct {
	ID  string
	URL string
}

// Registry tracks live instances with a logical TTL per member. Heartbeats
// push the expiry forward; readers purge expired members first.
type Registry struct {
	rdb    redis.UniversalClient
	now    func() time.Time
	logger zerolog.Logger
}

func NewRegistry(rdb redis.UniversalClient, logger zerolog.Logger) *Registry {
	return &Registry{
		rdb:    rdb,
		now:    time.Now,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// purgeScript drops members whose expireAt <= ARGV[1] together with their url.
var purgeScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// Register adds or refreshes an instance. Refreshing is the same call.
func (r *Registry) Register(ctx context.Context, id, url string, ttl time.Duration) error {
	expireAt := r.now().Add(ttl).Unix()
	tx := r.rdb.TxPipeline()
	tx.ZAdd(ctx, instancesKey, redis.Z{Score: float64(expireAt), Member: id})
	tx.HSet(ctx, urlsKey, id, url)
	_, err := tx.Exec(ctx)
	return err
}

func (r *Registry) Deregister(ctx context.Context, id string) error {
	tx := r.rdb.TxPipeline()
	tx.ZRem(ctx, instancesKey, id)
	tx.HDel(ctx, urlsKey, id)
	_, err := tx.Exec(ctx)
	return err
}

// Alive returns the unexpired instances ordered by id.
func (r *Registry) Alive(ctx context.Context) ([]Instance, error) {
	now := r.now().Unix()
	if err := purgeScript.Run(ctx, r.rdb, []string{instancesKey, urlsKey}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	ids, err := r.rdb.ZRangeByScore(ctx, instancesKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	urls, err := r.rdb.HMGet(ctx, urlsKey, ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]Instance, 0, len(ids))
	for i, v := range urls {
		url, _ := v.(string)
		if url == "" {
			continue
		}
		out = append(out, Instance{ID: ids[i], URL: url})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Heartbeat registers id now and every interval until ctx ends, then
// deregisters it. Failures are logged and retried on the next tick.
func (r *Registry) Heartbeat(ctx context.Context, id, url string, ttl, interval time.Duration) {
	if interval <= 0 {
		interval = ttl / 3
	}
	if interval <= 0 {
		interval = time.Second
	}
	log := r.logger.With().Str("instance", id).Logger()
	beat := func() {
		if err := r.Register(ctx, id, url, ttl); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("heartbeat failed")
		}
	}
	beat()
	log.Info().Str("url", url).Dur("ttl", ttl).Msg("registered instance")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			if err := r.Deregister(dctx, id); err != nil {
				log.Warn().Err(err).Msg("deregister failed")
			}
			cancel()
			return
		case <-ticker.C:
			beat()
		}
	}
}
