package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/swaprelay/pkg/bus"
	"github.com/uhyunpark/swaprelay/pkg/order"
	"github.com/uhyunpark/swaprelay/pkg/storage"
	"github.com/uhyunpark/swaprelay/pkg/util"
	"github.com/uhyunpark/swaprelay/pkg/venue"
)

var (
	ErrBadTransition = errors.New("invalid status transition")
	ErrUnknownVenue  = errors.New("chosen venue not registered")
	ErrInvalidFill   = errors.New("venue returned no fill")
	ErrSlippage      = errors.New("slippage tolerance exceeded")
	// ErrInterrupted marks a job redelivered after a previous attempt got
	// past PENDING. It is failed rather than executed a second time.
	ErrInterrupted = errors.New("previous attempt interrupted")
)

// Router is the routing capability the worker needs.
type Router interface {
	Route(ctx context.Context, token string, amount decimal.Decimal, side order.Side) (order.RoutingDecision, error)
}

type Config struct {
	// MaxSlippage is the tolerated shortfall of the fill versus the quote,
	// as a fraction of the quoted amountOut.
	MaxSlippage decimal.Decimal
	// ExecuteTimeout bounds the venue execute call. Zero means no bound.
	ExecuteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSlippage:    decimal.NewFromFloat(0.01),
		ExecuteTimeout: 30 * time.Second,
	}
}

// Worker drives one order through PENDING -> ROUTING -> EXECUTING ->
// FILLED|FAILED and publishes a status event on every transition. It does
// not lock orders; the queue hands each job to one worker at a time.
type Worker struct {
	cfg    Config
	router Router
	venues venue.Registry
	store  storage.OrderStore
	pub    bus.Publisher
	audit  storage.AuditLog
	clock  util.Clock
	log    *zap.SugaredLogger
}

type Deps struct {
	Router Router
	Venues venue.Registry
	Store  storage.OrderStore
	Bus    bus.Publisher
	Audit  storage.AuditLog
	Clock  util.Clock
	Logger *zap.SugaredLogger
}

func New(cfg Config, d Deps) *Worker {
	if d.Audit == nil {
		d.Audit = storage.NopAudit{}
	}
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	return &Worker{
		cfg:    cfg,
		router: d.Router,
		venues: d.Venues,
		store:  d.Store,
		pub:    d.Bus,
		audit:  d.Audit,
		clock:  d.Clock,
		log:    d.Logger,
	}
}

// Event payloads.
type (
	RoutingPayload struct {
		Message string          `json:"message"`
		Token   string          `json:"token"`
		Amount  decimal.Decimal `json:"amount"`
		Side    order.Side      `json:"side"`
	}
	ExecutingPayload struct {
		Message    string            `json:"message"`
		Venue      string            `json:"venue"`
		Quote      order.Quote       `json:"quote"`
		Candidates []order.Quote     `json:"candidates"`
		Failed     map[string]string `json:"failed,omitempty"`
	}
	FilledPayload struct {
		Message string `json:"message"`
		order.Fill
	}
	FailedPayload struct {
		Message string `json:"message"`
		Stage   string `json:"stage"`
		Venue   string `json:"venue,omitempty"`
		Error   string `json:"error"`
	}
)

// Process runs one job to a terminal state. The returned error describes
// why the order failed; the job is considered processed either way.
func (w *Worker) Process(ctx context.Context, job order.Job) error {
	log := w.log.With("order_id", job.OrderID)
	log.Infow("order_processing", "token", job.Token, "amount", job.Amount.String(), "side", job.Side)

	cur, err := w.store.Get(ctx, job.OrderID)
	if err != nil {
		return w.fail(ctx, job, "lookup", "", fmt.Errorf("load order: %w", err))
	}
	switch {
	case cur.Status.Terminal():
		log.Infow("order_already_terminal", "status", cur.Status)
		return nil
	case cur.Status != order.StatusPending:
		return w.fail(ctx, job, "recovery", "", fmt.Errorf("%w: found %s", ErrInterrupted, cur.Status))
	}

	// ROUTING
	if err := w.transition(ctx, job.OrderID, order.StatusRouting, nil); err != nil {
		return w.fail(ctx, job, "routing", "", err)
	}
	w.publish(ctx, job.OrderID, order.EventRouted, order.StatusRouting, RoutingPayload{
		Message: "Routing across venues",
		Token:   job.Token,
		Amount:  job.Amount,
		Side:    job.Side,
	})

	decision, err := w.router.Route(ctx, job.Token, job.Amount, job.Side)
	if err != nil {
		return w.fail(ctx, job, "routing", "", err)
	}
	if err := w.audit.Record(w.clock.Now(), job.OrderID, decision); err != nil {
		log.Warnw("audit_record_failed", "err", err)
	}
	chosen := decision.Chosen

	// EXECUTING
	if err := w.transition(ctx, job.OrderID, order.StatusExecuting, func(o *order.Order) {
		o.Venue = chosen.Venue
	}); err != nil {
		return w.fail(ctx, job, "routing", chosen.Venue, err)
	}
	w.publish(ctx, job.OrderID, order.EventExecuting, order.StatusExecuting, ExecutingPayload{
		Message:    "Executing on " + chosen.Venue,
		Venue:      chosen.Venue,
		Quote:      chosen,
		Candidates: decision.Candidates,
		Failed:     decision.Failed,
	})

	fill, err := w.execute(ctx, job, chosen)
	if err != nil {
		return w.fail(ctx, job, "execution", chosen.Venue, err)
	}

	// FILLED
	if err := w.transition(ctx, job.OrderID, order.StatusFilled, func(o *order.Order) {
		o.ExecutedPrice = &fill.ExecutedPrice
		o.AmountOut = &fill.AmountOut
		o.TxHash = fill.TxHash
	}); err != nil {
		return w.fail(ctx, job, "settlement", chosen.Venue, err)
	}
	w.publish(ctx, job.OrderID, order.EventFilled, order.StatusFilled, FilledPayload{
		Message: "Order filled",
		Fill:    *fill,
	})

	log.Infow("order_filled",
		"venue", fill.Venue,
		"executed_price", fill.ExecutedPrice.String(),
		"amount_out", fill.AmountOut.String(),
		"tx_hash", fill.TxHash)
	return nil
}

func (w *Worker) execute(ctx context.Context, job order.Job, q order.Quote) (*order.Fill, error) {
	adapter, ok := w.venues.Lookup(q.Venue)
	if !ok {
		return nil, &order.ExecutionFailure{Venue: q.Venue, Err: ErrUnknownVenue}
	}

	if w.cfg.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ExecuteTimeout)
		defer cancel()
	}

	fill, err := adapter.Execute(ctx, job, q)
	if err != nil {
		return nil, &order.ExecutionFailure{Venue: q.Venue, Err: err}
	}
	if fill == nil {
		return nil, &order.ExecutionFailure{Venue: q.Venue, Err: ErrInvalidFill}
	}

	floor := q.AmountOut.Mul(decimal.NewFromInt(1).Sub(w.cfg.MaxSlippage))
	if fill.AmountOut.LessThan(floor) {
		return nil, &order.ExecutionFailure{
			Venue: q.Venue,
			Err:   fmt.Errorf("%w: got %s, minimum %s", ErrSlippage, fill.AmountOut, floor),
		}
	}
	if fill.Venue == "" {
		fill.Venue = q.Venue
	}
	return fill, nil
}

func (w *Worker) transition(ctx context.Context, id string, next order.Status, mutate func(*order.Order)) error {
	_, err := w.store.Update(ctx, id, func(o *order.Order) error {
		if !o.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, o.Status, next)
		}
		o.Status = next
		o.UpdatedAt = w.clock.Now()
		if mutate != nil {
			mutate(o)
		}
		return nil
	})
	return err
}

// fail records FAILED and publishes the terminal event, then hands cause
// back. The record update survives cancellation of ctx so that a shutdown
// mid-order still leaves a terminal record.
func (w *Worker) fail(ctx context.Context, job order.Job, stage, venueName string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	log := w.log.With("order_id", job.OrderID, "stage", stage)
	log.Warnw("order_failed", "venue", venueName, "err", cause)

	if _, err := w.store.Update(ctx, job.OrderID, func(o *order.Order) error {
		if o.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, o.Status, order.StatusFailed)
		}
		o.Status = order.StatusFailed
		o.Error = cause.Error()
		o.UpdatedAt = w.clock.Now()
		return nil
	}); err != nil {
		log.Errorw("order_fail_record_failed", "err", err)
	}

	w.publish(ctx, job.OrderID, order.EventFailed, order.StatusFailed, FailedPayload{
		Message: "Order failed",
		Stage:   stage,
		Venue:   venueName,
		Error:   cause.Error(),
	})
	return cause
}

// publish is fire-and-forget: a bus error is logged and otherwise ignored.
func (w *Worker) publish(ctx context.Context, id string, kind order.EventKind, status order.Status, payload any) {
	ev := order.StatusEvent{
		OrderID:   id,
		Kind:      kind,
		Status:    status,
		Payload:   payload,
		Timestamp: w.clock.Now().UnixMilli(),
	}
	data, err := ev.Encode()
	if err != nil {
		w.log.Errorw("status_event_encode_failed", "order_id", id, "kind", kind, "err", err)
		return
	}
	if err := w.pub.Publish(ctx, order.Topic(id), data); err != nil {
		w.log.Warnw("status_publish_failed", "order_id", id, "kind", kind, "err", err)
	}
}
