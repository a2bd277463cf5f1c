package venue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/util"
)

// BasePrice anchors all simulated prices; quotes and executions are drawn
// uniformly inside BasePrice * (1 +- Spread).
const BasePrice = 100.0

// SimConfig tunes the simulated venue. Tests shrink the latencies so suites
// stay fast; production defaults live in params.
type SimConfig struct {
	Spread         float64       // price band half-width, e.g. 0.03
	QuoteLatency   time.Duration // ~200ms
	ExecMinLatency time.Duration // 2000ms
	ExecMaxLatency time.Duration // 3000ms
}

// Simulated is a fake liquidity venue: quotes are random walks around
// BasePrice, executions return a venue-prefixed tx hash and a price drawn
// independently of any prior quote. That asymmetry mirrors real venues,
// where the executed price is not the quoted price.
type Simulated struct {
	name string
	cfg  SimConfig
	clk  util.Clock

	mu       sync.Mutex
	failures int
	failMsg  string
}

func NewSimulated(name string, cfg SimConfig, clk util.Clock) *Simulated {
	if clk == nil {
		clk = util.RealClock{}
	}
	return &Simulated{name: name, cfg: cfg, clk: clk}
}

func (v *Simulated) Name() string { return v.name }

// FailNext arms the venue so the next n executions fail with msg. Used by
// chaos tooling and the retry tests.
func (v *Simulated) FailNext(n int, msg string) {
	v.mu.Lock()
	v.failures, v.failMsg = n, msg
	v.mu.Unlock()
}

// price draws BasePrice * (1 + u), u ~ U[-Spread, Spread].
func (v *Simulated) price() float64 {
	u := (rand.Float64()*2 - 1) * v.cfg.Spread
	return BasePrice * (1 + u)
}

// Quote returns a simulated price after ~QuoteLatency.
func (v *Simulated) Quote(ctx context.Context, tokenIn, tokenOut order.Asset, amount decimal.Decimal) (float64, error) {
	if err := util.Sleep(ctx, v.clk, v.jitter(v.cfg.QuoteLatency)); err != nil {
		return 0, err
	}
	return v.price(), nil
}

// Execute settles the swap after a latency drawn uniformly from
// [ExecMinLatency, ExecMaxLatency]. The tx hash is unique per call and
// prefixed with the venue name.
func (v *Simulated) Execute(ctx context.Context, ord *order.Order) (Execution, error) {
	delay := v.cfg.ExecMinLatency
	if span := v.cfg.ExecMaxLatency - v.cfg.ExecMinLatency; span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	if err := util.Sleep(ctx, v.clk, delay); err != nil {
		return Execution{}, err
	}

	v.mu.Lock()
	if v.failures > 0 {
		v.failures--
		msg := v.failMsg
		v.mu.Unlock()
		return Execution{}, errors.New(msg)
	}
	v.mu.Unlock()

	return Execution{
		TxHash: fmt.Sprintf("%s_%s", v.name, uuid.NewString()),
		Price:  v.price(),
	}, nil
}

// jitter widens d by up to +-10% so latencies are "about" the configured
// value rather than suspiciously exact.
func (v *Simulated) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	f := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * f)
}

var _ Venue = (*Simulated)(nil)
