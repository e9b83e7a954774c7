package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/swaprelay/pkg/order"
)

// Adapter wraps one liquidity source.
//
// A nil quote with a nil error is treated by callers as a malformed response.
type Adapter interface {
	Name() string
	Quote(ctx context.Context, token string, amount decimal.Decimal, side order.Side) (*order.Quote, error)
	Execute(ctx context.Context, job order.Job, q order.Quote) (*order.Fill, error)
}

// Registry looks adapters up by venue name.
type Registry map[string]Adapter

// NewRegistry indexes adapters by Name().
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Name()] = a
	}
	return r
}

// Lookup returns the adapter for a venue name.
func (r Registry) Lookup(name string) (Adapter, bool) {
	a, ok := r[name]
	return a, ok
}

// List returns adapters in the given name order, skipping unknown names.
func (r Registry) List(names ...string) []Adapter {
	out := make([]Adapter, 0, len(names))
	for _, n := range names {
		if a, ok := r[n]; ok {
			out = append(out, a)
		}
	}
	return out
}
