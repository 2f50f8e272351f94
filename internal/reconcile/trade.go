package reconcile

import (
	"tradedesk/pkg/db"
)

// Trade is one order group viewed as a position: the ENTRY order plus its
// exits, with computed P&L. Derived on demand, never stored.
type Trade struct {
	GroupID string   `json:"groupId"`
	UserID  string   `json:"userId"`
	Symbol  string   `json:"symbol"`
	Entry   db.Order `json:"entry"`
	Exits   int      `json:"exits"`

	EntryPrice   float64 `json:"entryPrice"`
	EntryQty     float64 `json:"entryQty"`
	EntryCost    float64 `json:"entryCost"`
	SellProceeds float64 `json:"sellProceeds"`

	// RealizedQty is capped at EntryQty when bookkeeping is impossible;
	// RawRealizedQty keeps the uncapped sum alongside the warning.
	RealizedQty    float64 `json:"realizedQty"`
	RawRealizedQty float64 `json:"rawRealizedQty,omitempty"`
	RemainingQty   float64 `json:"remainingQty"`

	Complete      bool    `json:"complete"`
	RealizedPnl   float64 `json:"realizedPnl"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
	RealizedPct   float64 `json:"realizedPct"`
	UnrealizedPct float64 `json:"unrealizedPct"`
	MarketPrice   float64 `json:"marketPrice,omitempty"`

	IntegrityWarning string `json:"integrityWarning,omitempty"`
}

// Summary aggregates a batch of trades.
type Summary struct {
	Trades        []Trade `json:"trades"`
	TotalRealized float64 `json:"totalRealized"`
	TotalUnreal   float64 `json:"totalUnrealized"`
	OpenCount     int     `json:"openCount"`
	CompleteCount int     `json:"completeCount"`
	FlaggedCount  int     `json:"flaggedCount"`
}
