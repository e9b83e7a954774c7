package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/swaprelay/pkg/order"
)

// API request and response types for REST endpoints

// SubmitOrderRequest is the payload for POST /api/orders. Amount accepts a
// JSON number or a decimal string.
type SubmitOrderRequest struct {
	Token  string          `json:"token"`  // e.g., "SOL"
	Amount decimal.Decimal `json:"amount"` // input amount, positive
	Side   string          `json:"side"`   // "BUY" or "SELL"
}

// SubmitOrderResponse is the response from order submission
type SubmitOrderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId"`
	Message string `json:"message"`
	WsURL   string `json:"wsUrl"` // status stream for this order
}

// OrderResponse wraps a persisted order record
type OrderResponse struct {
	Success bool         `json:"success"`
	Order   *order.Order `json:"order"`
}

// OrderListResponse is returned by GET /api/orders
type OrderListResponse struct {
	Success bool           `json:"success"`
	Orders  []*order.Order `json:"orders"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status        string `json:"status"`
	ActiveStreams int64  `json:"activeStreams"`
	Timestamp     int64  `json:"timestamp"` // Unix milliseconds
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
