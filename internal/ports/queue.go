package ports

import "context"

// Delivery is one in-flight queue message. The handler must resolve it
// exactly once: Ack on a terminal outcome, Reject otherwise. A delivery left
// unresolved (consumer crash) is redelivered after its lease expires.
type Delivery interface {
	Body() []byte
	Ack(ctx context.Context) error
	// Reject returns the message to its lane when requeue is true, or moves
	// it to the dead-letter lane when false.
	Reject(ctx context.Context, requeue bool) error
}

// Handler processes one delivery.
type Handler func(ctx context.Context, d Delivery)

// Queue is the durable broker abstraction: named lanes, persisted messages,
// per-message priority and a consumer-side prefetch limit.
type Queue interface {
	// Publish enqueues a persisted message on the lane. Lower priority
	// values are delivered preferentially. userID tags the message for
	// observability only.
	Publish(ctx context.Context, lane string, body []byte, priority int, userID string) error

	// Consume delivers messages from the lane to h, holding at most
	// prefetch deliveries unresolved at a time. It blocks until ctx is
	// done and returns ctx.Err().
	Consume(ctx context.Context, lane string, prefetch int, h Handler) error
}
