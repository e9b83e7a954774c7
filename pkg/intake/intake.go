// Package intake turns a client submission into a persisted PENDING order
// and a queued job.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/swaprelay/pkg/bus"
	"github.com/uhyunpark/swaprelay/pkg/order"
	"github.com/uhyunpark/swaprelay/pkg/queue"
	"github.com/uhyunpark/swaprelay/pkg/storage"
	"github.com/uhyunpark/swaprelay/pkg/util"
)

const OrderTypeMarket = "MARKET"

var ErrInvalidRequest = errors.New("invalid order request")

type Request struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
	Side   string          `json:"side"`
}

type Service struct {
	store storage.OrderStore
	queue queue.Queue
	pub   bus.Publisher
	clock util.Clock
	newID func() string
	log   *zap.SugaredLogger
}

func New(store storage.OrderStore, q queue.Queue, pub bus.Publisher, clock util.Clock, log *zap.SugaredLogger) *Service {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Service{store: store, queue: q, pub: pub, clock: clock, newID: uuid.NewString, log: log}
}

// Submit creates the order record, announces QUEUED and enqueues its job.
// If the enqueue fails the record is marked FAILED before returning.
func (s *Service) Submit(ctx context.Context, req Request) (*order.Order, error) {
	side, err := order.ParseSide(strings.ToUpper(req.Side))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	token := strings.ToUpper(strings.TrimSpace(req.Token))
	if token == "" {
		return nil, fmt.Errorf("%w: token required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	now := s.clock.Now()
	o := &order.Order{
		ID:        s.newID(),
		Type:      OrderTypeMarket,
		Token:     token,
		Amount:    req.Amount,
		Side:      side,
		Status:    order.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	// QUEUED is published before the job is visible to workers. The client
	// has no order id yet, so it usually reaches no relay.
	s.publish(ctx, o.ID, order.EventQueued, order.StatusPending, "Order queued", now)

	if err := s.queue.Enqueue(ctx, order.JobFor(o)); err != nil {
		s.log.Warnw("order_enqueue_failed", "order_id", o.ID, "err", err)
		if _, uerr := s.store.Update(context.WithoutCancel(ctx), o.ID, func(rec *order.Order) error {
			rec.Status = order.StatusFailed
			rec.Error = err.Error()
			rec.UpdatedAt = s.clock.Now()
			return nil
		}); uerr != nil {
			s.log.Errorw("order_fail_record_failed", "order_id", o.ID, "err", uerr)
		}
		s.publish(ctx, o.ID, order.EventFailed, order.StatusFailed, err.Error(), s.clock.Now())
		return nil, fmt.Errorf("enqueue order %s: %w", o.ID, err)
	}

	s.log.Infow("order_queued",
		"order_id", o.ID,
		"token", o.Token,
		"amount", o.Amount.String(),
		"side", o.Side)
	return o, nil
}

// publish is best-effort; a bus error is only logged.
func (s *Service) publish(ctx context.Context, id string, kind order.EventKind, status order.Status, msg string, at time.Time) {
	ev := order.StatusEvent{
		OrderID:   id,
		Kind:      kind,
		Status:    status,
		Payload:   map[string]string{"message": msg},
		Timestamp: at.UnixMilli(),
	}
	data, err := ev.Encode()
	if err != nil {
		s.log.Errorw("status_event_encode_failed", "order_id", id, "kind", kind, "err", err)
		return
	}
	if err := s.pub.Publish(ctx, order.Topic(id), data); err != nil {
		s.log.Warnw("status_publish_failed", "order_id", id, "kind", kind, "err", err)
	}
}
