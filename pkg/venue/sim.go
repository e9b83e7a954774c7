package venue

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/swaprelay/pkg/order"
	"github.com/uhyunpark/swaprelay/pkg/util"
)

const (
	Raydium = "Raydium"
	Meteora = "Meteora"
)

// DefaultBasePrices are USD reference prices for the simulated pools.
func DefaultBasePrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"SOL":  decimal.NewFromInt(150),
		"JUP":  decimal.NewFromFloat(0.9),
		"USDC": decimal.NewFromInt(1),
	}
}

// SimConfig drives a simulated AMM venue.
type SimConfig struct {
	Name       string
	Fee        decimal.Decimal
	BasePrices map[string]decimal.Decimal

	// Quoted price is base * U(PriceLow, PriceHigh).
	PriceLow  float64
	PriceHigh float64

	// MaxSlippage bounds how far the executed price drifts from the quote.
	MaxSlippage float64

	QuoteLatency   time.Duration
	ExecuteLatency time.Duration

	Clock util.Clock
	Seed  uint64
}

// RaydiumConfig returns the simulated Raydium pool.
func RaydiumConfig(latency time.Duration) SimConfig {
	return SimConfig{
		Name:           Raydium,
		Fee:            decimal.NewFromFloat(0.003),
		BasePrices:     DefaultBasePrices(),
		PriceLow:       0.98,
		PriceHigh:      1.02,
		MaxSlippage:    0.002,
		QuoteLatency:   latency,
		ExecuteLatency: 10 * latency,
		Clock:          util.RealClock{},
		Seed:           uint64(time.Now().UnixNano()),
	}
}

// MeteoraConfig returns the simulated Meteora pool.
func MeteoraConfig(latency time.Duration) SimConfig {
	return SimConfig{
		Name:           Meteora,
		Fee:            decimal.NewFromFloat(0.002),
		BasePrices:     DefaultBasePrices(),
		PriceLow:       0.97,
		PriceHigh:      1.02,
		MaxSlippage:    0.002,
		QuoteLatency:   latency,
		ExecuteLatency: 10 * latency,
		Clock:          util.RealClock{},
		Seed:           uint64(time.Now().UnixNano()) + 1,
	}
}

// Sim is an in-process venue that prices from a reference table.
type Sim struct {
	cfg SimConfig

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSim(cfg SimConfig) *Sim {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.PriceHigh < cfg.PriceLow {
		cfg.PriceLow, cfg.PriceHigh = cfg.PriceHigh, cfg.PriceLow
	}
	return &Sim{
		cfg: cfg,
		rnd: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

func (s *Sim) Name() string { return s.cfg.Name }

func (s *Sim) Quote(ctx context.Context, token string, amount decimal.Decimal, side order.Side) (*order.Quote, error) {
	if err := s.wait(ctx, s.cfg.QuoteLatency); err != nil {
		return nil, err
	}
	base, ok := s.cfg.BasePrices[token]
	if !ok {
		return nil, fmt.Errorf("%s: no pool for token %s", s.cfg.Name, token)
	}

	mult := s.cfg.PriceLow + s.float()*(s.cfg.PriceHigh-s.cfg.PriceLow)
	price := base.Mul(decimal.NewFromFloat(mult))

	return &order.Quote{
		Venue:     s.cfg.Name,
		Price:     price,
		Fee:       s.cfg.Fee,
		AmountOut: outputAmount(amount, price, s.cfg.Fee, side),
	}, nil
}

func (s *Sim) Execute(ctx context.Context, job order.Job, q order.Quote) (*order.Fill, error) {
	if err := s.wait(ctx, s.cfg.ExecuteLatency); err != nil {
		return nil, err
	}
	if q.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%s: non-positive quote price", s.cfg.Name)
	}

	// Drift in [-MaxSlippage, +MaxSlippage].
	drift := (s.float()*2 - 1) * s.cfg.MaxSlippage
	executed := q.Price.Mul(decimal.NewFromFloat(1 + drift))

	return &order.Fill{
		Venue:         s.cfg.Name,
		ExecutedPrice: executed,
		AmountOut:     outputAmount(job.Amount, executed, s.cfg.Fee, job.Side),
		TxHash:        s.txHash(),
	}, nil
}

func (s *Sim) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.cfg.Clock.After(d):
		return nil
	}
}

func (s *Sim) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

func (s *Sim) txHash() string {
	var b [32]byte
	s.mu.Lock()
	for i := 0; i < len(b); i += 8 {
		binary.BigEndian.PutUint64(b[i:], s.rnd.Uint64())
	}
	s.mu.Unlock()
	return hex.EncodeToString(b[:])
}

// outputAmount nets the fee into the swap output. SELL spends amount of the
// token for quote currency; BUY spends amount of quote currency for the token.
func outputAmount(amount, price, fee decimal.Decimal, side order.Side) decimal.Decimal {
	keep := decimal.NewFromInt(1).Sub(fee)
	if side == order.SideBuy {
		return amount.Div(price).Mul(keep)
	}
	return amount.Mul(price).Mul(keep)
}

var _ Adapter = (*Sim)(nil)
