package api

import "github.com/shopspring/decimal"

// API request/response types for REST endpoints

// ExecuteOrderRequest is the body of POST /api/orders/execute.
type ExecuteOrderRequest struct {
	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	Amount   decimal.Decimal `json:"amount"`
}

// ExecuteOrderResponse acknowledges an accepted order. WSEndpoint is where
// the client connects for live status events.
type ExecuteOrderResponse struct {
	OrderID    string `json:"orderId"`
	Status     string `json:"status"`
	WSEndpoint string `json:"wsEndpoint"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
