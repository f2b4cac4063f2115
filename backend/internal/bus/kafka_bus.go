package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

type KafkaBusOptions struct {
	Brokers []string
	Topic   string
	// GroupID must be unique per instance: every instance has to see every
	// message, so instances must not share a consumer group.
	GroupID    string
	Dispatcher KafkaDispatcherOptions
}

// ErrBusUnavailable is returned by Publish while no broker can be reached.
var ErrBusUnavailable = errors.New("BUS_UNAVAILABLE")

const (
	reconnectBackoff    = time.Second
	maxReconnectBackoff = 30 * time.Second
)

// syncProducer is what the bus needs from sarama.SyncProducer.
type syncProducer interface {
	MessageProducer
	Close() error
}

type producerDialer func(brokers []string, cfg *sarama.Config) (syncProducer, error)

func dialSarama(brokers []string, cfg *sarama.Config) (syncProducer, error) {
	return sarama.NewSyncProducer(brokers, cfg)
}

// KafkaBus publishes through a KafkaDispatcher and consumes with a
// per-instance consumer group starting at the newest offset. When no broker
// answers at startup the bus comes up anyway: Publish fails with
// ErrBusUnavailable and the producer is redialed in the background.
type KafkaBus struct {
	opt     KafkaBusOptions
	root    zerolog.Logger
	logger  zerolog.Logger
	cfg     *sarama.Config
	dial    producerDialer
	backoff time.Duration

	mu         sync.Mutex
	producer   syncProducer
	dispatcher *KafkaDispatcher
	groups     []sarama.ConsumerGroup
	closed     bool
	stop       chan struct{}
	wg         sync.WaitGroup
}

var _ Bus = (*KafkaBus)(nil)

// NewKafkaBus only fails on incomplete options; an unreachable cluster is
// retried.
func NewKafkaBus(opt KafkaBusOptions, logger zerolog.Logger) (*KafkaBus, error) {
	return newKafkaBus(opt, dialSarama, reconnectBackoff, logger)
}

func newKafkaBus(opt KafkaBusOptions, dial producerDialer, backoff time.Duration, logger zerolog.Logger) (*KafkaBus, error) {
	if len(opt.Brokers) == 0 || opt.Topic == "" || opt.GroupID == "" {
		return nil, errors.New("kafka bus needs brokers, topic and group id")
	}
	cfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	b := &KafkaBus{
		opt:     opt,
		root:    logger,
		logger:  logger.With().Str("component", "kafka-bus").Str("topic", opt.Topic).Logger(),
		cfg:     cfg,
		dial:    dial,
		backoff: backoff,
		stop:    make(chan struct{}),
	}
	if err := b.connect(); err != nil {
		b.logger.Warn().Err(err).Strs("brokers", opt.Brokers).Msg("kafka unavailable, publishing disabled until it answers")
		b.wg.Add(1)
		go b.reconnectLoop()
	}
	return b, nil
}

func (b *KafkaBus) connect() error {
	p, err := b.dial(b.opt.Brokers, b.cfg)
	if err != nil {
		return fmt.Errorf("connect kafka producer: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = p.Close()
		return ErrBusClosed
	}
	b.producer = p
	b.dispatcher = NewKafkaDispatcher(p, b.opt.Topic, b.opt.Dispatcher, b.root)
	return nil
}

func (b *KafkaBus) reconnectLoop() {
	defer b.wg.Done()
	backoff := b.backoff
	for {
		select {
		case <-b.stop:
			return
		case <-time.After(backoff):
		}
		err := b.connect()
		if err == nil {
			b.logger.Info().Msg("kafka producer connected")
			return
		}
		if errors.Is(err, ErrBusClosed) {
			return
		}
		if backoff < maxReconnectBackoff {
			backoff *= 2
		}
		b.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("kafka still unavailable")
	}
}

// Publish only enqueues; the dispatcher sends in the background.
func (b *KafkaBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	d := b.dispatcher
	b.mu.Unlock()
	if d == nil {
		return ErrBusUnavailable
	}
	return d.Enqueue(ctx, msg)
}

func (b *KafkaBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	group, err := sarama.NewConsumerGroup(b.opt.Brokers, b.opt.GroupID, b.cfg)
	if err != nil {
		return fmt.Errorf("create consumer group %s: %w", b.opt.GroupID, err)
	}
	b.mu.Lock()
	b.groups = append(b.groups, group)
	b.mu.Unlock()

	handler := &groupHandler{h: h, logger: b.logger, ready: make(chan struct{})}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		for err := range group.Errors() {
			b.logger.Warn().Err(err).Msg("kafka consumer error")
		}
	}()
	go func() {
		defer b.wg.Done()
		for {
			// Consume returns on every rebalance; loop to rejoin.
			if err := group.Consume(ctx, []string{b.opt.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				b.logger.Warn().Err(err).Msg("kafka consume failed, retrying")
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	select {
	case <-handler.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	groups := b.groups
	d, p := b.dispatcher, b.producer
	b.mu.Unlock()

	if d != nil {
		d.Close()
	}
	var errs []error
	for _, g := range groups {
		errs = append(errs, g.Close())
	}
	b.wg.Wait()
	if p != nil {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

type groupHandler struct {
	h      Handler
	logger zerolog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	g.readyOnce.Do(func() { close(g.ready) })
	return nil
}

func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			msg, err := decode(m.Value)
			if err != nil {
				g.logger.Error().Err(err).Int64("offset", m.Offset).Msg("drop undecodable replication message")
			} else {
				g.h(sess.Context(), msg)
			}
			sess.MarkMessage(m, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
