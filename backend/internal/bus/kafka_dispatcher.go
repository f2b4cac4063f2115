package bus

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// MessageProducer is the slice of sarama.SyncProducer the dispatcher needs.
type MessageProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
}

// KafkaDispatcher: bounded local queues + worker goroutines + limited retry.
// - each worker owns one queue and documents are hashed onto queues, so one
//   document's messages leave in the order they were enqueued
// - Enqueue never waits on Kafka, only on queue space
// - short Kafka stalls are absorbed by the queue and drained in the background
// - a message that exhausts its retries is dropped and logged
type KafkaDispatcher struct {
	producer MessageProducer
	topic    string
	logger   zerolog.Logger

	queues []chan Message

	// sendSem bounds concurrent SendMessage calls.
	sendSem *semaphore.Weighted

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type KafkaDispatcherOptions struct {
	QueueSize      int
	Workers        int
	MaxRetry       int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxConcurrency int64
}

var errDispatcherClosed = errors.New("DISPATCHER_CLOSED")

func NewKafkaDispatcher(producer MessageProducer, topic string, opt KafkaDispatcherOptions, logger zerolog.Logger) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.MaxConcurrency <= 0 {
		opt.MaxConcurrency = int64(opt.Workers)
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		logger:      logger.With().Str("component", "kafka-dispatcher").Str("topic", topic).Logger(),
		queues:      make([]chan Message, opt.Workers),
		sendSem:     semaphore.NewWeighted(opt.MaxConcurrency),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	per := opt.QueueSize / opt.Workers
	if per < 1 {
		per = 1
	}
	for i := range d.queues {
		d.queues[i] = make(chan Message, per)
	}

	d.start()
	return d
}

// Enqueue puts msg on the local queue, waiting for space until ctx is done.
// Replication is best-effort, so a full queue surfaces as ctx's error.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errDispatcherClosed
	}
	select {
	case d.queueFor(msg.DocumentID) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) queueFor(docID string) chan Message {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close stops accepting messages and waits for the queue to drain.
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for msg := range d.queues[workerID] {
		d.sendWithRetry(workerID, msg)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, msg Message) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		// workers may wait indefinitely, they are off the request path
		_ = d.sendSem.Acquire(context.Background(), 1)
		err := d.sendOnce(msg)
		d.sendSem.Release(1)

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.logger.Warn().Err(err).
				Str("doc", msg.DocumentID).
				Str("type", string(msg.Type)).
				Int("worker", workerID).
				Msg("kafka send failed, dropping replication message")
			return
		}

		// exponential backoff, capped
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if d.maxBackoff > 0 && backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(msg Message) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := encode(msg)
	if err != nil {
		return err
	}
	pm := &sarama.ProducerMessage{
		Topic: d.topic,
		// keyed by document so one document's messages stay in one partition, in order
		Key:   sarama.StringEncoder(msg.DocumentID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(pm)
	return err
}
