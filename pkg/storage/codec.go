package storage

import (
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/swaprelay/pkg/order"
)

func encodeOrder(o *order.Order) ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshal order %s: %w", o.ID, err)
	}
	return b, nil
}

func decodeOrder(b []byte) (*order.Order, error) {
	var o order.Order
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// clone deep-copies through the codec so callers never share a record.
func clone(o *order.Order) (*order.Order, error) {
	b, err := encodeOrder(o)
	if err != nil {
		return nil, err
	}
	return decodeOrder(b)
}
