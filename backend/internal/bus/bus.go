package bus

import "context"

// Handler receives every message delivered on the bus, including the
// subscriber's own publications. Echo suppression is the receiver's job.
type Handler func(ctx context.Context, msg Message)

// Bus is the replication channel shared by all engine instances.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers h and returns once delivery is set up. Delivery
	// stops when ctx is cancelled or the bus is closed.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}
