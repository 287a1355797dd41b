package queue

import (
	"context"
	"time"
)

// Queue is the work-item transport between trigger entry points and the
// consumer loop. Payloads are opaque bytes; ordering is FIFO per queue.
type Queue interface {
	// Push appends a payload to the tail of the queue.
	Push(ctx context.Context, payload []byte) error

	// Pop removes and returns the head of the queue, blocking up to
	// timeout for an item to arrive. Returns (nil, nil) when the wait
	// expires with the queue still empty.
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)

	// Clear drops all pending items.
	Clear(ctx context.Context) error
}
