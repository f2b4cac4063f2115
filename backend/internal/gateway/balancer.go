package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"docsync/backend/internal/presence"
)

var ErrNoBackend = errors.New("NO_BACKEND")

// InstanceSource lists live collab instances.
type InstanceSource interface {
	Alive(ctx context.Context) ([]presence.Instance, error)
}

// Balancer spreads requests round-robin over the live instances, falling
// back to a static list when the registry is empty or unreachable.
type Balancer struct {
	source   InstanceSource
	fallback []string
	logger   zerolog.Logger

	next atomic.Uint64

	mu      sync.RWMutex
	targets []string
	proxies map[string]*httputil.ReverseProxy
}

func NewBalancer(source InstanceSource, fallback []string, logger zerolog.Logger) *Balancer {
	b := &Balancer{
		source:   source,
		fallback: fallback,
		logger:   logger.With().Str("component", "balancer").Logger(),
		proxies:  make(map[string]*httputil.ReverseProxy),
	}
	b.setTargets(fallback)
	return b
}

// Refresh reloads the target list from the source.
func (b *Balancer) Refresh(ctx context.Context) {
	var urls []string
	if b.source != nil {
		alive, err := b.source.Alive(ctx)
		if err != nil {
			b.logger.Warn().Err(err).Msg("list instances failed, keeping previous targets")
			return
		}
		for _, in := range alive {
			urls = append(urls, in.URL)
		}
	}
	if len(urls) == 0 {
		urls = b.fallback
	}
	b.setTargets(urls)
}

// Run refreshes every interval until ctx ends.
func (b *Balancer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	b.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Refresh(ctx)
		}
	}
}

func (b *Balancer) setTargets(urls []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	targets := make([]string, 0, len(urls))
	proxies := make(map[string]*httputil.ReverseProxy, len(urls))
	for _, raw := range urls {
		if p, ok := b.proxies[raw]; ok {
			proxies[raw] = p
			targets = append(targets, raw)
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			b.logger.Warn().Str("url", raw).Msg("skip invalid backend url")
			continue
		}
		proxies[raw] = httputil.NewSingleHostReverseProxy(u)
		targets = append(targets, raw)
	}
	b.targets = targets
	b.proxies = proxies
}

// Targets returns the current backend urls.
func (b *Balancer) Targets() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.targets...)
}

// Pick returns the next backend url and its proxy.
func (b *Balancer) Pick() (string, *httputil.ReverseProxy, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.targets) == 0 {
		return "", nil, ErrNoBackend
	}
	n := b.next.Add(1) - 1
	t := b.targets[n%uint64(len(b.targets))]
	return t, b.proxies[t], nil
}

// ServeHTTP proxies r to the next backend.
func (b *Balancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, proxy, err := b.Pick()
	if err != nil {
		http.Error(w, "no collab backend available", http.StatusServiceUnavailable)
		return
	}
	b.logger.Debug().Str("target", target).Str("path", r.URL.Path).Msg("proxy")
	proxy.ServeHTTP(w, r)
}
