package execution

import "time"

// Signal is one trading intent fanned out across all eligible accounts.
type Signal struct {
	ID        string    `json:"id"`
	Source    string    `json:"source,omitempty"`
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // BUY or SELL
	Price     float64   `json:"price,omitempty"`   // 0 = use live market price
	SizeUSD   float64   `json:"sizeUsd,omitempty"` // 0 = size by account percentage
	Timestamp time.Time `json:"timestamp"`
}

// Placement outcome codes.
const (
	OutcomePlaced       = "placed"
	OutcomeRejected     = "rejected"
	OutcomeFailed       = "failed"
	OutcomeNoCredential = "no_credential"
)

// Structured rejection reasons.
const (
	ReasonSellDisabled  = "automated sells are disabled; close positions manually"
	ReasonStaleSignal   = "signal is older than the freshness window"
	ReasonOpenPosition  = "user already holds an open position for this symbol"
	ReasonBelowMinQty   = "quantity below exchange minimum"
	ReasonAboveMaxQty   = "quantity above exchange maximum"
	ReasonBelowNotional = "order notional below exchange minimum"
	ReasonZeroQuantity  = "computed quantity is zero"
)

// Result is the per-user outcome of one signal placement. One user's
// failure never aborts the others.
type Result struct {
	UserID        string  `json:"userId"`
	Outcome       string  `json:"outcome"`
	Reason        string  `json:"reason,omitempty"`
	ClientOrderID string  `json:"clientOrderId,omitempty"`
	GroupID       string  `json:"groupId,omitempty"`
	Qty           float64 `json:"qty,omitempty"`
	Price         float64 `json:"price,omitempty"`
	Fallback      bool    `json:"usedEnvFallback,omitempty"`
}
