package main

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"docsync/backend/config"
	"docsync/backend/internal/bus"
)

func TestOpenBus_KafkaWithoutBrokerStillStarts(t *testing.T) {
	cfg := &config.Config{}
	cfg.Running.InstanceID = "inst-a"
	cfg.Bus.Driver = "kafka"
	// nothing listens on port 1
	cfg.Kafka.Brokers = []string{"127.0.0.1:1"}
	cfg.Kafka.Topic = "document-updates"
	cfg.Kafka.GroupPrefix = "docsync"

	b := openBus(cfg, nil, zerolog.Nop())
	defer b.Close()

	kb, ok := b.(*bus.KafkaBus)
	if !ok {
		t.Fatalf("openBus() = %T, want *bus.KafkaBus", b)
	}
	err := kb.Publish(context.Background(), bus.Message{Type: bus.TypeCursor, DocumentID: "d1"})
	if !errors.Is(err, bus.ErrBusUnavailable) {
		t.Fatalf("Publish() error = %v, want %v", err, bus.ErrBusUnavailable)
	}
}

func TestOpenBus_FallsBackToMemory(t *testing.T) {
	cfg := &config.Config{}
	cfg.Running.InstanceID = "inst-a"
	cfg.Bus.Driver = "kafka"

	b := openBus(cfg, nil, zerolog.Nop())
	defer b.Close()

	if _, ok := b.(*bus.MemoryBus); !ok {
		t.Fatalf("openBus() = %T, want *bus.MemoryBus", b)
	}
	if err := b.Publish(context.Background(), bus.Message{DocumentID: "d1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}
