package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/swaprelay/pkg/bus"
	"github.com/uhyunpark/swaprelay/pkg/order"
	"github.com/uhyunpark/swaprelay/pkg/queue"
	"github.com/uhyunpark/swaprelay/pkg/storage"
	"github.com/uhyunpark/swaprelay/pkg/util"
	"github.com/uhyunpark/swaprelay/pkg/venue"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type stubRouter struct {
	decision order.RoutingDecision
	err      error
}

func (r stubRouter) Route(context.Context, string, decimal.Decimal, order.Side) (order.RoutingDecision, error) {
	return r.decision, r.err
}

type panicRouter struct{}

func (panicRouter) Route(context.Context, string, decimal.Decimal, order.Side) (order.RoutingDecision, error) {
	panic("router blew up")
}

type stubVenue struct {
	name string
	fill *order.Fill
	err  error
}

func (v stubVenue) Name() string { return v.name }
func (v stubVenue) Quote(context.Context, string, decimal.Decimal, order.Side) (*order.Quote, error) {
	return nil, errors.New("not used")
}
func (v stubVenue) Execute(context.Context, order.Job, order.Quote) (*order.Fill, error) {
	return v.fill, v.err
}

type recorder struct {
	mu     sync.Mutex
	events []order.StatusEvent
}

func (r *recorder) handle(_ string, payload []byte) {
	var ev order.StatusEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []order.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]order.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) last() order.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixture struct {
	store *storage.MemoryStore
	bus   *bus.Memory
	rec   *recorder
	job   order.Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		bus:   bus.NewMemory(),
		rec:   &recorder{},
	}
	t.Cleanup(func() { f.bus.Close() })

	o := &order.Order{
		ID:        "ord-1",
		Type:      "MARKET",
		Token:     "SOL",
		Amount:    decimal.NewFromInt(5),
		Side:      order.SideSell,
		Status:    order.StatusPending,
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
	require.NoError(t, f.store.Create(context.Background(), o))
	f.job = order.JobFor(o)
	f.bus.Subscribe(order.Topic(o.ID), f.rec.handle)
	return f
}

func (f *fixture) worker(t *testing.T, r Router, venues ...venue.Adapter) *Worker {
	return New(DefaultConfig(), Deps{
		Router: r,
		Venues: venue.NewRegistry(venues...),
		Store:  f.store,
		Bus:    f.bus,
		Clock:  util.FixedClock{T: epoch.Add(time.Second)},
		Logger: zaptest.NewLogger(t).Sugar(),
	})
}

func (f *fixture) record(t *testing.T) *order.Order {
	t.Helper()
	o, err := f.store.Get(context.Background(), f.job.OrderID)
	require.NoError(t, err)
	return o
}

func quote(venueName string, out float64) order.Quote {
	return order.Quote{
		Venue:     venueName,
		Price:     decimal.NewFromInt(150),
		Fee:       decimal.NewFromFloat(0.002),
		AmountOut: decimal.NewFromFloat(out),
	}
}

func TestProcessFillsOrder(t *testing.T) {
	f := newFixture(t)
	chosen := quote(venue.Meteora, 750)
	r := stubRouter{decision: order.RoutingDecision{
		Chosen:     chosen,
		Candidates: []order.Quote{quote(venue.Raydium, 740), chosen},
	}}
	fill := &order.Fill{
		Venue:         venue.Meteora,
		ExecutedPrice: decimal.NewFromFloat(149.9),
		AmountOut:     decimal.NewFromFloat(748),
		TxHash:        "abc",
	}
	w := f.worker(t, r, stubVenue{name: venue.Meteora, fill: fill})

	require.NoError(t, w.Process(context.Background(), f.job))

	assert.Equal(t, []order.EventKind{order.EventRouted, order.EventExecuting, order.EventFilled}, f.rec.kinds())
	last := f.rec.last()
	assert.Equal(t, order.StatusFilled, last.Status)
	assert.Equal(t, "ord-1", last.OrderID)
	assert.Equal(t, epoch.Add(time.Second).UnixMilli(), last.Timestamp)

	o := f.record(t)
	assert.Equal(t, order.StatusFilled, o.Status)
	assert.Equal(t, venue.Meteora, o.Venue)
	assert.Equal(t, "abc", o.TxHash)
	require.NotNil(t, o.AmountOut)
	assert.True(t, o.AmountOut.Equal(decimal.NewFromInt(748)))
	assert.Equal(t, epoch.Add(time.Second), o.UpdatedAt)
}

func TestProcessRoutingFailure(t *testing.T) {
	f := newFixture(t)
	cause := &order.VenueQuoteFailure{Venue: venue.Raydium, Err: errors.New("Raydium down")}
	w := f.worker(t, stubRouter{err: cause})

	err := w.Process(context.Background(), f.job)
	require.Error(t, err)
	var vqf *order.VenueQuoteFailure
	require.ErrorAs(t, err, &vqf)
	assert.Equal(t, venue.Raydium, vqf.Venue)

	assert.Equal(t, []order.EventKind{order.EventRouted, order.EventFailed}, f.rec.kinds())
	o := f.record(t)
	assert.Equal(t, order.StatusFailed, o.Status)
	assert.Contains(t, o.Error, "Raydium down")

	payload, ok := f.rec.last().Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "routing", payload["stage"])
}

func TestProcessExecutionFailure(t *testing.T) {
	f := newFixture(t)
	r := stubRouter{decision: order.RoutingDecision{Chosen: quote(venue.Raydium, 740)}}
	w := f.worker(t, r, stubVenue{name: venue.Raydium, err: errors.New("tx reverted")})

	err := w.Process(context.Background(), f.job)
	var ef *order.ExecutionFailure
	require.ErrorAs(t, err, &ef)
	assert.Equal(t, venue.Raydium, ef.Venue)

	assert.Equal(t, []order.EventKind{order.EventRouted, order.EventExecuting, order.EventFailed}, f.rec.kinds())
	o := f.record(t)
	assert.Equal(t, order.StatusFailed, o.Status)
	assert.Equal(t, venue.Raydium, o.Venue)
}

func TestProcessSlippageGuard(t *testing.T) {
	f := newFixture(t)
	r := stubRouter{decision: order.RoutingDecision{Chosen: quote(venue.Meteora, 100)}}
	fill := &order.Fill{Venue: venue.Meteora, AmountOut: decimal.NewFromFloat(98.9), TxHash: "x"}
	w := f.worker(t, r, stubVenue{name: venue.Meteora, fill: fill})

	err := w.Process(context.Background(), f.job)
	assert.ErrorIs(t, err, ErrSlippage)
	assert.Equal(t, order.StatusFailed, f.record(t).Status)
}

func TestProcessSlippageWithinTolerance(t *testing.T) {
	f := newFixture(t)
	r := stubRouter{decision: order.RoutingDecision{Chosen: quote(venue.Meteora, 100)}}
	fill := &order.Fill{AmountOut: decimal.NewFromInt(99), TxHash: "x"}
	w := f.worker(t, r, stubVenue{name: venue.Meteora, fill: fill})

	require.NoError(t, w.Process(context.Background(), f.job))
	o := f.record(t)
	assert.Equal(t, order.StatusFilled, o.Status)
	assert.Equal(t, venue.Meteora, o.Venue)
}

func TestProcessUnknownVenue(t *testing.T) {
	f := newFixture(t)
	r := stubRouter{decision: order.RoutingDecision{Chosen: quote("Orca", 100)}}
	w := f.worker(t, r)

	err := w.Process(context.Background(), f.job)
	assert.ErrorIs(t, err, ErrUnknownVenue)
}

func TestProcessNilFill(t *testing.T) {
	f := newFixture(t)
	r := stubRouter{decision: order.RoutingDecision{Chosen: quote(venue.Meteora, 100)}}
	w := f.worker(t, r, stubVenue{name: venue.Meteora})

	assert.ErrorIs(t, w.Process(context.Background(), f.job), ErrInvalidFill)
}

func TestProcessTerminalOrderIsSkipped(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Update(context.Background(), f.job.OrderID, func(o *order.Order) error {
		o.Status = order.StatusFilled
		return nil
	})
	require.NoError(t, err)
	w := f.worker(t, stubRouter{err: errors.New("must not route")})

	require.NoError(t, w.Process(context.Background(), f.job))
	assert.Empty(t, f.rec.kinds())
}

func TestProcessInterruptedOrderFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Update(context.Background(), f.job.OrderID, func(o *order.Order) error {
		o.Status = order.StatusExecuting
		return nil
	})
	require.NoError(t, err)
	w := f.worker(t, stubRouter{err: errors.New("must not route")})

	assert.ErrorIs(t, w.Process(context.Background(), f.job), ErrInterrupted)
	assert.Equal(t, []order.EventKind{order.EventFailed}, f.rec.kinds())
	assert.Equal(t, order.StatusFailed, f.record(t).Status)
}

func TestProcessMissingOrder(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, stubRouter{})
	job := order.Job{OrderID: "nope", Token: "SOL", Amount: decimal.NewFromInt(1), Side: order.SideBuy}

	assert.ErrorIs(t, w.Process(context.Background(), job), storage.ErrNotFound)
}

func TestProcessRecordsAudit(t *testing.T) {
	f := newFixture(t)
	path := t.TempDir() + "/audit.jsonl"
	audit, err := storage.NewFileAudit(path)
	require.NoError(t, err)
	defer audit.Close()

	chosen := quote(venue.Meteora, 100)
	w := New(DefaultConfig(), Deps{
		Router: stubRouter{decision: order.RoutingDecision{Chosen: chosen}},
		Venues: venue.NewRegistry(stubVenue{name: venue.Meteora, fill: &order.Fill{AmountOut: decimal.NewFromInt(100)}}),
		Store:  f.store,
		Bus:    f.bus,
		Audit:  audit,
		Clock:  util.FixedClock{T: epoch.Add(time.Minute)},
		Logger: zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, w.Process(context.Background(), f.job))
	require.NoError(t, audit.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timestamp":"2025-01-01T00:01:00Z"`)
	assert.Contains(t, string(data), `"orderId":"ord-1"`)
	assert.Contains(t, string(data), venue.Meteora)
}

func TestPoolProcessesAndContinuesAfterFailure(t *testing.T) {
	f := newFixture(t)
	second := &order.Order{
		ID:        "ord-2",
		Type:      "MARKET",
		Token:     "SOL",
		Amount:    decimal.NewFromInt(1),
		Side:      order.SideBuy,
		Status:    order.StatusPending,
		CreatedAt: epoch,
	}
	require.NoError(t, f.store.Create(context.Background(), second))

	q := queue.NewMemory(8)
	require.NoError(t, q.Enqueue(context.Background(), order.Job{OrderID: "missing"}))
	require.NoError(t, q.Enqueue(context.Background(), f.job))
	require.NoError(t, q.Enqueue(context.Background(), order.JobFor(second)))

	r := stubRouter{decision: order.RoutingDecision{Chosen: quote(venue.Meteora, 100)}}
	w := f.worker(t, r, stubVenue{name: venue.Meteora, fill: &order.Fill{AmountOut: decimal.NewFromInt(100)}})
	pool := NewPool(q, w, 2, zaptest.NewLogger(t).Sugar())

	var mu sync.Mutex
	done := map[string]error{}
	all := make(chan struct{})
	pool.OnDone(func(job order.Job, err error) {
		mu.Lock()
		defer mu.Unlock()
		done[job.OrderID] = err
		if len(done) == 3 {
			close(all)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- pool.Run(ctx) }()

	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not process all jobs")
	}
	cancel()
	require.NoError(t, <-errc)

	mu.Lock()
	defer mu.Unlock()
	assert.Error(t, done["missing"])
	assert.NoError(t, done["ord-1"])
	assert.NoError(t, done["ord-2"])
	assert.Equal(t, order.StatusFilled, f.record(t).Status)
}

func TestPoolRecoversFromPanic(t *testing.T) {
	f := newFixture(t)
	q := queue.NewMemory(1)
	require.NoError(t, q.Enqueue(context.Background(), f.job))
	require.NoError(t, q.Close())

	pool := NewPool(q, f.worker(t, panicRouter{}), 1, zaptest.NewLogger(t).Sugar())
	var got error
	pool.OnDone(func(_ order.Job, err error) { got = err })

	require.NoError(t, pool.Run(context.Background()))
	require.Error(t, got)
	assert.Contains(t, got.Error(), "router blew up")
	assert.Equal(t, order.StatusFailed, f.record(t).Status)
	assert.Equal(t, order.EventFailed, f.rec.last().Kind)
}
