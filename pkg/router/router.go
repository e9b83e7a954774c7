package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/swaprelay/pkg/order"
	"github.com/uhyunpark/swaprelay/pkg/venue"
)

// Policy decides what a venue failure does to the whole routing attempt.
type Policy int

const (
	// AllMustSucceed fails routing if any venue fails.
	AllMustSucceed Policy = iota
	// BestEffort ignores failed venues as long as one quote succeeded.
	BestEffort
)

func (p Policy) String() string {
	switch p {
	case AllMustSucceed:
		return "all"
	case BestEffort:
		return "best-effort"
	default:
		return "unknown"
	}
}

// ParsePolicy maps the config spelling onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "all", "all-must-succeed":
		return AllMustSucceed, nil
	case "best-effort":
		return BestEffort, nil
	}
	return AllMustSucceed, fmt.Errorf("unknown aggregation policy %q", s)
}

// ErrNoVenues is returned when the router has nothing to ask.
var ErrNoVenues = errors.New("no venues configured")

// DefaultPriority decides equal amountOut: Meteora wins ties against Raydium.
var DefaultPriority = []string{venue.Meteora, venue.Raydium}

// Router fans a quote request out to every venue and picks the best.
type Router struct {
	venues   []venue.Adapter
	policy   Policy
	timeout  time.Duration
	priority map[string]int
	log      *zap.SugaredLogger
}

type Option func(*Router)

func WithPolicy(p Policy) Option { return func(r *Router) { r.policy = p } }

// WithTimeout bounds each venue call. A timeout counts as a venue failure.
func WithTimeout(d time.Duration) Option { return func(r *Router) { r.timeout = d } }

// WithPriority sets the tie-break order, highest priority first. Venues not
// listed rank after every listed one, in configuration order.
func WithPriority(names ...string) Option {
	return func(r *Router) {
		r.priority = make(map[string]int, len(names))
		for i, n := range names {
			r.priority[n] = i
		}
	}
}

func WithLogger(l *zap.SugaredLogger) Option { return func(r *Router) { r.log = l } }

func New(venues []venue.Adapter, opts ...Option) *Router {
	r := &Router{
		venues:  venues,
		policy:  AllMustSucceed,
		timeout: 2 * time.Second,
		log:     zap.NewNop().Sugar(),
	}
	WithPriority(DefaultPriority...)(r)
	for _, o := range opts {
		o(r)
	}
	return r
}

// GetBestQuote returns the quote with the greatest amountOut.
func (r *Router) GetBestQuote(ctx context.Context, token string, amount decimal.Decimal, side order.Side) (order.Quote, error) {
	d, err := r.Route(ctx, token, amount, side)
	if err != nil {
		return order.Quote{}, err
	}
	return d.Chosen, nil
}

type result struct {
	quote *order.Quote
	err   error
}

// Route queries all venues concurrently, waits for every one of them to
// settle, then selects.
func (r *Router) Route(ctx context.Context, token string, amount decimal.Decimal, side order.Side) (order.RoutingDecision, error) {
	if len(r.venues) == 0 {
		return order.RoutingDecision{}, ErrNoVenues
	}

	results := make([]result, len(r.venues))

	// Goroutines never return an error so that a failure does not cancel
	// siblings; Wait is only used as the join.
	var g errgroup.Group
	for i, v := range r.venues {
		g.Go(func() error {
			results[i] = r.quoteOne(ctx, v, token, amount, side)
			return nil
		})
	}
	_ = g.Wait()

	var (
		decision order.RoutingDecision
		best     = -1
		firstErr error
	)
	for i, res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			if decision.Failed == nil {
				decision.Failed = make(map[string]string)
			}
			decision.Failed[r.venues[i].Name()] = res.err.Error()
			r.log.Warnw("venue_quote_failed", "venue", r.venues[i].Name(), "token", token, "err", res.err)
			continue
		}
		decision.Candidates = append(decision.Candidates, *res.quote)
		if best < 0 || r.better(*res.quote, *results[best].quote) {
			best = i
		}
	}

	if firstErr != nil && (r.policy == AllMustSucceed || best < 0) {
		return decision, firstErr
	}

	decision.Chosen = *results[best].quote
	r.log.Infow("route_selected",
		"token", token,
		"amount", amount.String(),
		"side", side,
		"venue", decision.Chosen.Venue,
		"amount_out", decision.Chosen.AmountOut.String(),
		"candidates", len(decision.Candidates),
		"failed", len(decision.Failed))
	return decision, nil
}

func (r *Router) quoteOne(ctx context.Context, v venue.Adapter, token string, amount decimal.Decimal, side order.Side) result {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	q, err := v.Quote(ctx, token, amount, side)
	switch {
	case err != nil:
		return result{err: &order.VenueQuoteFailure{Venue: v.Name(), Err: err}}
	case q == nil:
		return result{err: &order.VenueQuoteFailure{Venue: v.Name(), Err: order.ErrInvalidQuote}}
	case q.AmountOut.Sign() <= 0:
		return result{err: &order.VenueQuoteFailure{
			Venue: v.Name(),
			Err:   fmt.Errorf("%w: non-positive amountOut %s", order.ErrInvalidQuote, q.AmountOut),
		}}
	}
	if q.Venue == "" {
		q.Venue = v.Name()
	}
	return result{quote: q}
}

// better reports whether a beats b: strictly greater amountOut, then
// priority order on equality.
func (r *Router) better(a, b order.Quote) bool {
	if c := a.AmountOut.Cmp(b.AmountOut); c != 0 {
		return c > 0
	}
	return r.rank(a.Venue) < r.rank(b.Venue)
}

func (r *Router) rank(name string) int {
	if p, ok := r.priority[name]; ok {
		return p
	}
	return len(r.priority)
}
