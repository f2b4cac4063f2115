package bus

import (
	"context"
	"errors"
	"sync"
)

var ErrBusClosed = errors.New("BUS_CLOSED")

// MemoryBus fans messages out to in-process subscribers. Each subscriber has
// its own queue and goroutine, so a handler never runs on the publisher's
// stack and sees messages in publish order.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[int]*memorySub
	nextID  int
	failErr error
	closed  bool

	pmu     sync.Mutex
	pcond   *sync.Cond
	pending int
}

type memorySub struct {
	bus    *MemoryBus
	ctx    context.Context
	cancel context.CancelFunc
	h      Handler

	mu     sync.Mutex
	queue  []Message
	done   bool
	signal chan struct{}
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{subs: make(map[int]*memorySub)}
	b.pcond = sync.NewCond(&b.pmu)
	return b
}

// SetFailure makes every subsequent Publish fail with err; nil restores it.
func (b *MemoryBus) SetFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
}

func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	if b.failErr != nil {
		return b.failErr
	}
	for _, s := range b.subs {
		s.push(msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &memorySub{bus: b, ctx: sctx, cancel: cancel, h: h, signal: make(chan struct{}, 1)}
	id := b.nextID
	b.nextID++
	b.subs[id] = s

	go func() {
		s.run()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}

// Flush blocks until every message published so far has been handled or
// dropped by a cancelled subscriber.
func (b *MemoryBus) Flush() {
	b.pmu.Lock()
	defer b.pmu.Unlock()
	for b.pending > 0 {
		b.pcond.Wait()
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.cancel()
	}
	return nil
}

func (b *MemoryBus) track(n int) {
	b.pmu.Lock()
	b.pending += n
	if b.pending <= 0 {
		b.pending = 0
		b.pcond.Broadcast()
	}
	b.pmu.Unlock()
}

func (s *memorySub) push(msg Message) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.bus.track(1)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.mu.Lock()
			s.done = true
			dropped := len(s.queue)
			s.queue = nil
			s.mu.Unlock()
			s.bus.track(-dropped)
			return
		case <-s.signal:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for i, m := range batch {
			if s.ctx.Err() != nil {
				s.bus.track(-(len(batch) - i))
				break
			}
			s.h(s.ctx, m)
			s.bus.track(-1)
		}
	}
}
