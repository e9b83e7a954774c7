package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/uhyunpark/swaprelay/pkg/order"
)

// MemoryStore keeps orders in a map. Records are copied on the way in and
// out.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*order.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*order.Order)}
}

func (s *MemoryStore) Create(_ context.Context, o *order.Order) error {
	cp, err := clone(o)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return ErrExists
	}
	s.orders[o.ID] = cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(o)
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*order.Order) error) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := clone(cur)
	if err != nil {
		return nil, err
	}
	if err := fn(next); err != nil {
		return nil, err
	}
	s.orders[id] = next
	return clone(next)
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*order.Order, error) {
	s.mu.Lock()
	all := make([]*order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		all = append(all, o)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*order.Order, 0, len(all))
	for _, o := range all {
		cp, err := clone(o)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ OrderStore = (*MemoryStore)(nil)
