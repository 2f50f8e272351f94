package marketmux

import (
	"tradedesk/internal/indicators"
	"tradedesk/pkg/exchanges/common"
	market "tradedesk/pkg/market/binance"
)

// Outbound message types delivered to websocket clients.
const (
	MsgSnapshot = "snapshot"
	MsgKline    = "kline_update"
	MsgTicker   = "ticker_update"
	MsgStatus   = "stream_status"
)

// Message is one envelope delivered to a subscribed client.
type Message struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
	Data   any    `json:"data"`
}

// Snapshot is the immediate payload sent to a client right after it
// subscribes: recent candles with indicators plus the current ticker.
type Snapshot struct {
	Symbol   string                      `json:"symbol"`
	Interval string                      `json:"interval"`
	Candles  []indicators.EnrichedCandle `json:"candles"`
	Ticker   common.Ticker               `json:"ticker"`
}

// KlineUpdate is a streamed kline with its enrichment, shared verbatim by
// every client subscribed to the symbol.
type KlineUpdate struct {
	market.KlineEvent
	Indicators map[string]float64 `json:"indicators"`
}

// StatusUpdate reports upstream connection transitions to clients.
type StatusUpdate struct {
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Client is one websocket consumer. Deliver must not block; the API layer
// backs it with a buffered per-connection send queue.
type Client interface {
	ID() string
	Deliver(msg Message)
}
