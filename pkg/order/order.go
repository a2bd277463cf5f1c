package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Asset is a swappable token symbol.
type Asset string

const (
	SOL  Asset = "SOL"
	USDC Asset = "USDC"
	USDT Asset = "USDT"
	ETH  Asset = "ETH"
)

// Valid reports whether a is part of the supported asset set.
func (a Asset) Valid() bool {
	switch a {
	case SOL, USDC, USDT, ETH:
		return true
	default:
		return false
	}
}

// Status tracks the lifecycle of an order through the execution pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var ErrInvalidTransition = errors.New("invalid order status transition")

// transitions is the allowed edge set of the status graph.
//
// failed -> routing is the queue-retry re-entry edge: a redelivered job
// restarts the pipeline from the first stage and overwrites the failed
// status. Observable and intentional; see the retry tests.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRouting, StatusFailed},
	StatusRouting:   {StatusBuilding, StatusFailed},
	StatusBuilding:  {StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusConfirmed, StatusFailed},
	StatusFailed:    {StatusRouting},
	StatusConfirmed: nil,
}

// CanTransition reports whether next is reachable from s in one step.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the pipeline stops at s. Note that failed is
// terminal for a single attempt only; queue redelivery re-enters at routing.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Amount bounds accepted by the submission boundary: (0.000001, 1000000].
var (
	minAmount = decimal.NewFromFloat(0.000001)
	maxAmount = decimal.NewFromInt(1_000_000)
)

// ValidAmount reports whether d is inside the accepted amount range.
func ValidAmount(d decimal.Decimal) bool {
	return d.GreaterThan(minAmount) && d.LessThanOrEqual(maxAmount)
}

// Order is one swap request tracked through the pipeline. The ID is
// immutable; Status only moves along the transition graph; TxHash is set
// only on confirmation and Error only on failure.
type Order struct {
	ID        string          `json:"id"`
	TokenIn   Asset           `json:"tokenIn"`
	TokenOut  Asset           `json:"tokenOut"`
	Amount    decimal.Decimal `json:"amount"`
	Status    Status          `json:"status"`
	TxHash    string          `json:"txHash,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// New creates a pending order with a fresh id.
func New(tokenIn, tokenOut Asset, amount decimal.Decimal) *Order {
	now := time.Now()
	return &Order{
		ID:        uuid.NewString(),
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		Amount:    amount,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the order to next and bumps UpdatedAt. Illegal moves are
// rejected without mutating the order.
func (o *Order) Transition(next Status) error {
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = time.Now()
	return nil
}
