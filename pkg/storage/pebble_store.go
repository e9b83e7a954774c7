package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/swaprelay/pkg/order"
)

type PebbleStore struct {
	db *pebble.DB
	// mu serialises read-modify-write cycles; pebble itself has no CAS.
	mu sync.Mutex
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Create(_ context.Context, o *order.Order) error {
	data, err := encodeOrder(o)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(o.ID); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(orderKey(o.ID), data, nil); err != nil {
		return err
	}
	if err := b.Set(createdKey(o.CreatedAt, o.ID), nil, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *PebbleStore) Get(_ context.Context, id string) (*order.Order, error) {
	return s.load(id)
}

func (s *PebbleStore) load(id string) (*order.Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()
	return decodeOrder(data)
}

func (s *PebbleStore) Update(_ context.Context, id string, fn func(*order.Order) error) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if err := fn(o); err != nil {
		return nil, err
	}
	data, err := encodeOrder(o)
	if err != nil {
		return nil, err
	}
	if err := s.db.Set(orderKey(id), data, pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to save order: %w", err)
	}
	return o, nil
}

func (s *PebbleStore) List(_ context.Context, limit int) ([]*order.Order, error) {
	prefix := []byte(prefixCreated)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []*order.Order
	for iter.Last(); iter.Valid() && (limit <= 0 || len(orders) < limit); iter.Prev() {
		id := idFromCreatedKey(iter.Key())
		if id == "" {
			continue
		}
		o, err := s.load(id)
		if err != nil {
			continue // index without record
		}
		orders = append(orders, o)
	}
	return orders, iter.Error()
}

var _ OrderStore = (*PebbleStore)(nil)
