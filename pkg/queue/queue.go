// Package queue moves order jobs from intake to workers. Each job is handed
// to exactly one consumer at a time.
package queue

import (
	"context"
	"errors"

	"github.com/uhyunpark/swaprelay/pkg/order"
)

var (
	ErrQueueFull   = errors.New("job queue full")
	ErrQueueClosed = errors.New("job queue closed")
)

// Delivery is one dequeued job. Ack marks it processed; an unacked delivery
// may be redelivered by backends that support it.
type Delivery interface {
	Job() order.Job
	Ack(ctx context.Context) error
}

type Queue interface {
	Enqueue(ctx context.Context, job order.Job) error
	// Dequeue blocks until a job is available, ctx is done or the queue is
	// closed.
	Dequeue(ctx context.Context) (Delivery, error)
	Close() error
}
