package queue

import (
	"context"
	"sync"

	"github.com/uhyunpark/swaprelay/pkg/order"
)

// Memory is a bounded in-process FIFO. Ack is a no-op: jobs are never
// redelivered.
type Memory struct {
	mu     sync.RWMutex
	ch     chan order.Job
	closed bool
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1
	}
	return &Memory{ch: make(chan order.Job, capacity)}
}

// Enqueue never blocks; a full queue is reported as ErrQueueFull.
func (m *Memory) Enqueue(ctx context.Context, job order.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrQueueClosed
	}
	select {
	case m.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Memory) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case job, ok := <-m.ch:
		if !ok {
			return nil, ErrQueueClosed
		}
		return memoryDelivery{job: job}, nil
	}
}

// Len returns the number of queued jobs.
func (m *Memory) Len() int { return len(m.ch) }

// Close stops intake. Jobs already queued are still handed out.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}

type memoryDelivery struct{ job order.Job }

func (d memoryDelivery) Job() order.Job            { return d.job }
func (d memoryDelivery) Ack(context.Context) error { return nil }

var _ Queue = (*Memory)(nil)
