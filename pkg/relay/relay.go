package relay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/swaprelay/pkg/bus"
	"github.com/uhyunpark/swaprelay/pkg/order"
)

// Subscriber is the part of the bus a relay needs. The process owns the bus;
// relays only hold a reference.
type Subscriber interface {
	Subscribe(topic string, h bus.Handler) *bus.Subscription
}

// OverflowPolicy decides what happens when the pending FIFO is full.
type OverflowPolicy int

const (
	// DropOldest evicts the head of the FIFO to make room.
	DropOldest OverflowPolicy = iota
	// CloseOnOverflow tears the relay down and closes the connection.
	CloseOnOverflow
)

// ParseOverflow maps the config spelling onto a policy.
func ParseOverflow(s string) OverflowPolicy {
	if s == "close" {
		return CloseOnOverflow
	}
	return DropOldest
}

const DefaultBufferSize = 64

// Relay bridges one client connection to its order's status topic.
type Relay struct {
	orderID  string
	topic    string
	bus      Subscriber
	conn     Conn
	capacity int
	overflow OverflowPolicy
	log      *zap.SugaredLogger

	mu      sync.Mutex
	pending [][]byte
	sub     *bus.Subscription
	started bool
	closed  bool
	sent    int
	dropped int
}

type Option func(*Relay)

// WithBuffer bounds the pending FIFO.
func WithBuffer(n int, p OverflowPolicy) Option {
	return func(r *Relay) {
		if n > 0 {
			r.capacity = n
		}
		r.overflow = p
	}
}

func WithLogger(l *zap.SugaredLogger) Option { return func(r *Relay) { r.log = l } }

func New(b Subscriber, orderID string, conn Conn, opts ...Option) *Relay {
	r := &Relay{
		orderID:  orderID,
		topic:    order.Topic(orderID),
		bus:      b,
		conn:     conn,
		capacity: DefaultBufferSize,
		overflow: DropOldest,
		log:      zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start subscribes and hooks the connection lifecycle. Messages arriving
// before the connection is ready are buffered.
func (r *Relay) Start() {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.sub = r.bus.Subscribe(r.topic, r.handle)
	r.mu.Unlock()

	r.conn.OnReady(r.flush)
	r.conn.OnClose(r.Close)
	r.log.Infow("relay_started", "order_id", r.orderID, "conn_state", r.conn.State().String())
}

// Close unsubscribes and drops anything still pending. Safe to call more
// than once.
func (r *Relay) Close() {
	r.mu.Lock()
	already := r.closed
	r.teardownLocked()
	sent, dropped, left := r.sent, r.dropped, len(r.pending)
	r.pending = nil
	r.mu.Unlock()

	if !already {
		r.log.Infow("relay_closed", "order_id", r.orderID, "sent", sent, "dropped", dropped, "pending_discarded", left)
	}
}

func (r *Relay) teardownLocked() {
	r.closed = true
	r.sub.Unsubscribe()
}

// Pending returns the number of buffered messages.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Relay) handle(topic string, payload []byte) {
	if topic != r.topic {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	var closeConn bool
	switch r.conn.State() {
	case StateClosed:
		r.teardownLocked()
	case StateOpen:
		r.pending = append(r.pending, payload)
		closeConn = !r.drainLocked()
	default:
		closeConn = r.bufferLocked(payload)
	}
	r.mu.Unlock()

	if closeConn {
		_ = r.conn.Close()
	}
}

// bufferLocked appends to the FIFO under the overflow policy and reports
// whether the connection must be closed.
func (r *Relay) bufferLocked(payload []byte) bool {
	if len(r.pending) < r.capacity {
		r.pending = append(r.pending, payload)
		return false
	}
	if r.overflow == CloseOnOverflow {
		r.log.Warnw("relay_overflow_close", "order_id", r.orderID, "capacity", r.capacity)
		r.teardownLocked()
		r.pending = nil
		return true
	}
	r.pending = append(r.pending[1:], payload)
	r.dropped++
	return false
}

func (r *Relay) flush() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	ok := r.drainLocked()
	r.mu.Unlock()

	if !ok {
		_ = r.conn.Close()
	}
}

// drainLocked sends pending messages head first, removing each one once the
// connection accepted it. A send failure tears the relay down and reports
// false; the caller closes the connection outside the lock.
func (r *Relay) drainLocked() bool {
	for len(r.pending) > 0 && r.conn.State() == StateOpen {
		if err := r.conn.Send(r.pending[0]); err != nil {
			r.log.Warnw("relay_send_failed", "order_id", r.orderID, "err", err)
			r.teardownLocked()
			r.pending = nil
			return false
		}
		r.pending[0] = nil
		r.pending = r.pending[1:]
		r.sent++
	}
	return true
}
