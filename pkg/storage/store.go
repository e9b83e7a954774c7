package storage

import (
	"context"
	"errors"

	"github.com/uhyunpark/swaprelay/pkg/order"
)

var (
	ErrNotFound = errors.New("order not found")
	ErrExists   = errors.New("order already exists")
)

// OrderStore is the record store behind intake, the worker and the lookup
// endpoint. Update runs fn on the current record and persists the result;
// callers guarantee a single writer per order.
type OrderStore interface {
	Create(ctx context.Context, o *order.Order) error
	Get(ctx context.Context, id string) (*order.Order, error)
	Update(ctx context.Context, id string, fn func(*order.Order) error) (*order.Order, error)
	// List returns up to limit orders, newest first.
	List(ctx context.Context, limit int) ([]*order.Order, error)
	Close() error
}
