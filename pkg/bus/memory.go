package bus

import (
	"context"
	"sync/atomic"
)

// Memory is an in-process bus. Publish dispatches synchronously on the
// caller's goroutine, so per-topic order equals publish order.
type Memory struct {
	*Dispatcher
	closed atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{Dispatcher: NewDispatcher()}
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Dispatch(topic, append([]byte(nil), payload...))
	return nil
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

var _ Bus = (*Memory)(nil)
