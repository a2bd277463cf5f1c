package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/swapflow/pkg/order"
)

// Execution is the result of a swap executed on a venue.
type Execution struct {
	TxHash string
	Price  float64
}

// Venue is one liquidity source the router can quote and execute against.
// The pipeline only ever talks to this interface, so real venue adapters
// can replace the simulator without touching the state machine.
type Venue interface {
	Name() string
	Quote(ctx context.Context, tokenIn, tokenOut order.Asset, amount decimal.Decimal) (float64, error)
	Execute(ctx context.Context, ord *order.Order) (Execution, error)
}
