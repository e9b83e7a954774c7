package order

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a swap relative to the token.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(SideBuy):
		return SideBuy, nil
	case string(SideSell):
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Status is the lifecycle state of a persisted order.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRouting   Status = "ROUTING"
	StatusExecuting Status = "EXECUTING"
	StatusFilled    Status = "FILLED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool { return s == StatusFilled || s == StatusFailed }

// CanTransition encodes PENDING -> ROUTING -> EXECUTING -> {FILLED, FAILED}.
// FAILED is reachable from any non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusRouting:
		return s == StatusPending
	case StatusExecuting:
		return s == StatusRouting
	case StatusFilled:
		return s == StatusExecuting
	case StatusFailed:
		return true
	}
	return false
}

// Order is the persisted record. Only the worker owning the job mutates it
// after creation.
type Order struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"` // "MARKET"
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	Side      Side            `json:"side"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`

	// Filled in by the worker as the order advances.
	Venue         string           `json:"venue,omitempty"`
	ExecutedPrice *decimal.Decimal `json:"executedPrice,omitempty"`
	AmountOut     *decimal.Decimal `json:"amountOut,omitempty"`
	TxHash        string           `json:"txHash,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// Job is the queue payload handed from intake to the worker.
type Job struct {
	OrderID string          `json:"orderId"`
	Token   string          `json:"token"`
	Amount  decimal.Decimal `json:"amount"`
	Side    Side            `json:"side"`
}

// JobFor builds the queue payload for a freshly created order.
func JobFor(o *Order) Job {
	return Job{OrderID: o.ID, Token: o.Token, Amount: o.Amount, Side: o.Side}
}

// Quote is one venue's offer. AmountOut already has the fee netted in.
type Quote struct {
	Venue     string          `json:"venue"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	AmountOut decimal.Decimal `json:"amountOut"`
}

// RoutingDecision records the winner together with every candidate.
type RoutingDecision struct {
	Chosen     Quote   `json:"chosen"`
	Candidates []Quote `json:"candidates"`
	// Failed holds venue -> error message for venues skipped under a
	// best-effort policy.
	Failed map[string]string `json:"failed,omitempty"`
}

// Fill is what a venue reports after executing a quote.
type Fill struct {
	Venue         string          `json:"venue"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
	AmountOut     decimal.Decimal `json:"amountOut"`
	TxHash        string          `json:"txHash"`
}

// EventKind classifies status events published on the bus.
type EventKind string

const (
	EventQueued    EventKind = "QUEUED"
	EventRouted    EventKind = "ROUTED"
	EventExecuting EventKind = "EXECUTING"
	EventFilled    EventKind = "FILLED"
	EventFailed    EventKind = "FAILED"
)

// StatusEvent is one lifecycle transition as seen by clients.
type StatusEvent struct {
	OrderID   string    `json:"orderId"`
	Kind      EventKind `json:"kind"`
	Status    Status    `json:"status"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp int64     `json:"timestamp"` // Unix milliseconds
}

// Encode renders the event as the opaque bytes carried by the bus.
func (e StatusEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// TopicPrefix prefixes every order status topic.
const TopicPrefix = "order-updates:"

// TopicPattern matches every order status topic.
const TopicPattern = TopicPrefix + "*"

// Topic returns the bus topic for one order.
func Topic(orderID string) string { return TopicPrefix + orderID }
