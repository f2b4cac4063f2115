package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

type closingProducer struct {
	*flakyProducer

	mu     sync.Mutex
	closed bool
}

func (p *closingProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func testKafkaOptions() KafkaBusOptions {
	return KafkaBusOptions{
		Brokers:    []string{"127.0.0.1:1"},
		Topic:      "doc-sync",
		GroupID:    "doc-sync-test",
		Dispatcher: KafkaDispatcherOptions{QueueSize: 8, Workers: 1},
	}
}

func TestKafkaBus_StartsWithoutBrokerAndReconnects(t *testing.T) {
	var dials atomic.Int32
	p := &closingProducer{flakyProducer: &flakyProducer{}}
	dial := func([]string, *sarama.Config) (syncProducer, error) {
		if dials.Add(1) <= 2 {
			return nil, sarama.ErrOutOfBrokers
		}
		return p, nil
	}

	b, err := newKafkaBus(testKafkaOptions(), dial, time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("newKafkaBus() error = %v, want degraded bus", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := b.Publish(context.Background(), Message{Type: TypeCursor, DocumentID: "d1"})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrBusUnavailable) {
			t.Fatalf("Publish() error = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("producer never reconnected")
		}
		time.Sleep(time.Millisecond)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	p.flakyProducer.mu.Lock()
	sent := append([]string(nil), p.sent...)
	p.flakyProducer.mu.Unlock()
	if len(sent) != 1 || sent[0] != "d1" {
		t.Fatalf("sent = %v, want [d1]", sent)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		t.Fatal("producer not closed")
	}
}

func TestKafkaBus_CloseStopsReconnecting(t *testing.T) {
	var dials atomic.Int32
	dial := func([]string, *sarama.Config) (syncProducer, error) {
		dials.Add(1)
		return nil, sarama.ErrOutOfBrokers
	}
	b, err := newKafkaBus(testKafkaOptions(), dial, time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("newKafkaBus() error = %v", err)
	}
	if err := b.Publish(context.Background(), Message{DocumentID: "d1"}); !errors.Is(err, ErrBusUnavailable) {
		t.Fatalf("Publish() error = %v, want %v", err, ErrBusUnavailable)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	n := dials.Load()
	time.Sleep(20 * time.Millisecond)
	if got := dials.Load(); got != n {
		t.Fatalf("dialed %d more times after Close", got-n)
	}
}

func TestKafkaBus_RequiresOptions(t *testing.T) {
	if _, err := NewKafkaBus(KafkaBusOptions{Topic: "t", GroupID: "g"}, zerolog.Nop()); err == nil {
		t.Fatal("NewKafkaBus() without brokers succeeded")
	}
}
