package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/swaprelay/pkg/order"
	"github.com/uhyunpark/swaprelay/pkg/venue"
)

// stubVenue returns a canned quote or error and records its calls.
type stubVenue struct {
	name  string
	quote *order.Quote
	err   error
	delay time.Duration

	mu    sync.Mutex
	calls []string
}

func (s *stubVenue) Name() string { return s.name }

func (s *stubVenue) Quote(ctx context.Context, token string, amount decimal.Decimal, side order.Side) (*order.Quote, error) {
	s.mu.Lock()
	s.calls = append(s.calls, token+"|"+amount.String()+"|"+string(side))
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.quote == nil {
		return nil, nil
	}
	q := *s.quote
	return &q, nil
}

func (s *stubVenue) Execute(context.Context, order.Job, order.Quote) (*order.Fill, error) {
	return nil, errors.New("not used")
}

func quote(venueName string, price, fee, out float64) *order.Quote {
	return &order.Quote{
		Venue:     venueName,
		Price:     decimal.NewFromFloat(price),
		Fee:       decimal.NewFromFloat(fee),
		AmountOut: decimal.NewFromFloat(out),
	}
}

func newRouter(t *testing.T, venues []venue.Adapter, opts ...Option) *Router {
	opts = append([]Option{WithLogger(zaptest.NewLogger(t).Sugar())}, opts...)
	return New(venues, opts...)
}

func TestGetBestQuote_Selection(t *testing.T) {
	tests := []struct {
		name      string
		raydium   *order.Quote
		meteora   *order.Quote
		wantVenue string
		wantOut   float64
	}{
		{
			name:      "raydium better outcome",
			raydium:   quote(venue.Raydium, 150, 0.003, 1500),
			meteora:   quote(venue.Meteora, 140, 0.002, 1400),
			wantVenue: venue.Raydium,
			wantOut:   1500,
		},
		{
			name:      "meteora better outcome",
			raydium:   quote(venue.Raydium, 150, 0.003, 1500),
			meteora:   quote(venue.Meteora, 160, 0.002, 1600),
			wantVenue: venue.Meteora,
			wantOut:   1600,
		},
		{
			name:      "tie goes to meteora",
			raydium:   quote(venue.Raydium, 150, 0.003, 1500),
			meteora:   quote(venue.Meteora, 150, 0.002, 1500),
			wantVenue: venue.Meteora,
			wantOut:   1500,
		},
		{
			name:      "higher fee still wins on higher output",
			raydium:   quote(venue.Raydium, 155, 0.01, 1550),
			meteora:   quote(venue.Meteora, 150, 0.001, 1500),
			wantVenue: venue.Raydium,
			wantOut:   1550,
		},
		{
			name:      "fractional edge",
			raydium:   quote(venue.Raydium, 150.01, 0.003, 1500.5),
			meteora:   quote(venue.Meteora, 150.0, 0.002, 1500.0),
			wantVenue: venue.Raydium,
			wantOut:   1500.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(t, []venue.Adapter{
				&stubVenue{name: venue.Raydium, quote: tt.raydium},
				&stubVenue{name: venue.Meteora, quote: tt.meteora},
			})

			best, err := r.GetBestQuote(context.Background(), "SOL", decimal.NewFromInt(10), order.SideSell)
			require.NoError(t, err)
			assert.Equal(t, tt.wantVenue, best.Venue)
			assert.True(t, decimal.NewFromFloat(tt.wantOut).Equal(best.AmountOut), "amountOut %s", best.AmountOut)
		})
	}
}

func TestGetBestQuote_TieIgnoresConfigOrder(t *testing.T) {
	r := newRouter(t, []venue.Adapter{
		&stubVenue{name: venue.Meteora, quote: quote(venue.Meteora, 150, 0.002, 1500)},
		&stubVenue{name: venue.Raydium, quote: quote(venue.Raydium, 150, 0.003, 1500)},
	})
	best, err := r.GetBestQuote(context.Background(), "SOL", decimal.NewFromInt(10), order.SideSell)
	require.NoError(t, err)
	assert.Equal(t, venue.Meteora, best.Venue)

	r = newRouter(t, []venue.Adapter{
		&stubVenue{name: venue.Meteora, quote: quote(venue.Meteora, 150, 0.002, 1500)},
		&stubVenue{name: venue.Raydium, quote: quote(venue.Raydium, 150, 0.003, 1500)},
	}, WithPriority(venue.Raydium, venue.Meteora))
	best, err = r.GetBestQuote(context.Background(), "SOL", decimal.NewFromInt(10), order.SideSell)
	require.NoError(t, err)
	assert.Equal(t, venue.Raydium, best.Venue)
}

func TestGetBestQuote_CallsEveryVenueWithArgs(t *testing.T) {
	ray := &stubVenue{name: venue.Raydium, quote: quote(venue.Raydium, 150, 0.003, 1500)}
	met := &stubVenue{name: venue.Meteora, quote: quote(venue.Meteora, 140, 0.002, 1400)}
	r := newRouter(t, []venue.Adapter{ray, met})

	_, err := r.GetBestQuote(context.Background(), "SOL", decimal.NewFromInt(5), order.SideSell)
	require.NoError(t, err)

	assert.Equal(t, []string{"SOL|5|SELL"}, ray.calls)
	assert.Equal(t, []string{"SOL|5|SELL"}, met.calls)
}

func TestGetBestQuote_VenueErrorRejects(t *testing.T) {
	r := newRouter(t, []venue.Adapter{
		&stubVenue{name: venue.Raydium, err: errors.New("Raydium down")},
		&stubVenue{name: venue.Meteora, quote: quote(venue.Meteora, 160, 0.002, 1600)},
	})

	_, err := r.GetBestQuote(context.Background(), "SOL", decimal.NewFromInt(10), order.SideSell)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Raydium down")

	var vqf *order.VenueQuoteFailure
	require.ErrorAs(t, err, &vqf)
	assert.Equal(t, venue.Raydium, vqf.Venue)
}

func TestGetBestQuote_NilQuoteRejects(t *testing.T) {
	r := newRouter(t, []venue.Adapter{
		&stubVenue{name: venue.Raydium, quote: quote(venue.Raydium, 150, 0.003, 1500)},
		&stubVenue{name: venue.Meteora},
	})

	_, err := r.GetBestQuote(context.Background(), "SOL", decimal.NewFromInt(10), order.SideSell)
	assert.ErrorIs(t, err, order.ErrInvalidQuote)
}

func TestGetBestQuote_NonPositiveOutputRejects(t *testing.T) {
	r := newRouter(t, []venue.Adapter{
		&stubVenue{name: venue.Raydium, quote: quote(venue.Raydium, 150, 0.003, 0)},
	})

	_, err := r.GetBestQuote(context.Background(), "SOL", decimal.NewFromInt(10), order.SideSell)
	assert.ErrorIs(t, err, order.ErrInvalidQuote)
}

func TestGetBestQuote_WaitsForSlowVenue(t *testing.T) {
	slow := &stubVenue{name: venue.Meteora, quote: quote(venue.Meteora, 160, 0.002, 1600), delay: 50 * time.Millisecond}
	r := newRouter(t, []venue.Adapter{
		&stubVenue{name: venue.Raydium, quote: quote(venue.Raydium, 150, 0.003, 1500)},
		slow,
	})

	best, err := r.GetBestQuote(context.Background(), "SOL", decimal.NewFromInt(10), order.SideSell)
	require.NoError(t, err)
	assert.Equal(t, venue.Meteora, best.Venue)
}

// concurrencyVenue blocks until every peer has entered Quote.
type concurrencyVenue struct {
	stubVenue
	inFlight *atomic.Int32
	barrier  chan struct{}
	peers    int32
}

func (c *concurrencyVenue) Quote(ctx context.Context, token string, amount decimal.Decimal, side order.Side) (*order.Quote, error) {
	if c.inFlight.Add(1) == c.peers {
		close(c.barrier)
	}
	select {
	case <-c.barrier:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.stubVenue.Quote(ctx, token, amount, side)
}

func TestRoute_QueriesVenuesConcurrently(t *testing.T) {
	var inFlight atomic.Int32
	barrier := make(chan struct{})
	mk := func(name string, out float64) *concurrencyVenue {
		return &concurrencyVenue{
			stubVenue: stubVenue{name: name, quote: quote(name, 150, 0.003, out)},
			inFlight:  &inFlight,
			barrier:   barrier,
			peers:     2,
		}
	}
	r := newRouter(t, []venue.Adapter{mk(venue.Raydium, 1500), mk(venue.Meteora, 1400)}, WithTimeout(time.Second))

	d, err := r.Route(context.Background(), "SOL", decimal.NewFromInt(10), order.SideSell)
	require.NoError(t, err, "sequential fan-out would time out at the barrier")
	assert.Equal(t, venue.Raydium, d.Chosen.Venue)
	assert.Len(t, d.Candidates, 2)
}

func TestRoute_TimeoutIsVenueFailure(t *testing.T) {
	r := newRouter(t, []venue.Adapter{
		&stubVenue{name: venue.Raydium, quote: quote(venue.Raydium, 150, 0.003, 1500)},
		&stubVenue{name: venue.Meteora, quote: quote(venue.Meteora, 160, 0.002, 1600), delay: time.Second},
	}, WithTimeout(20*time.Millisecond))

	_, err := r.Route(context.Background(), "SOL", decimal.NewFromInt(10), order.SideSell)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var vqf *order.VenueQuoteFailure
	require.ErrorAs(t, err, &vqf)
	assert.Equal(t, venue.Meteora, vqf.Venue)
}

func TestRoute_BestEffortSkipsFailures(t *testing.T) {
	r := newRouter(t, []venue.Adapter{
		&stubVenue{name: venue.Raydium, err: errors.New("Raydium down")},
		&stubVenue{name: venue.Meteora, quote: quote(venue.Meteora, 140, 0.002, 1400)},
	}, WithPolicy(BestEffort))

	d, err := r.Route(context.Background(), "SOL", decimal.NewFromInt(10), order.SideSell)
	require.NoError(t, err)
	assert.Equal(t, venue.Meteora, d.Chosen.Venue)
	assert.Len(t, d.Candidates, 1)
	assert.Contains(t, d.Failed[venue.Raydium], "Raydium down")
}

func TestRoute_BestEffortAllFailed(t *testing.T) {
	r := newRouter(t, []venue.Adapter{
		&stubVenue{name: venue.Raydium, err: errors.New("Raydium down")},
		&stubVenue{name: venue.Meteora, err: errors.New("Meteora down")},
	}, WithPolicy(BestEffort))

	_, err := r.Route(context.Background(), "SOL", decimal.NewFromInt(10), order.SideSell)
	assert.ErrorContains(t, err, "Raydium down")
}

func TestRoute_NoVenues(t *testing.T) {
	_, err := newRouter(t, nil).Route(context.Background(), "SOL", decimal.NewFromInt(1), order.SideSell)
	assert.ErrorIs(t, err, ErrNoVenues)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("best-effort")
	require.NoError(t, err)
	assert.Equal(t, BestEffort, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, AllMustSucceed, p)

	_, err = ParsePolicy("yolo")
	assert.Error(t, err)
}
