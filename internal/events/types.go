package events

import "time"

// Topic enumerates the broadcast surface of the execution backbone.
type Topic string

const (
	TopicMarketData       Topic = "market_data"
	TopicOrderUpdate      Topic = "order_update"
	TopicBalanceUpdate    Topic = "balance_update"
	TopicListStatus       Topic = "list_status_update"
	TopicConnectionStatus Topic = "connection_status"
	TopicPositionOpened   Topic = "position_opened"
	TopicPositionClosed   Topic = "position_closed"
)

// OrderUpdate is a normalized execution report from a user data stream.
type OrderUpdate struct {
	UserID          string  `json:"userId"`
	Exchange        string  `json:"exchange"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	OrderType       string  `json:"orderType"`
	Status          string  `json:"status"`
	ClientOrderID   string  `json:"clientOrderId"`
	ExchangeOrderID string  `json:"exchangeOrderId"`
	OrderListID     int64   `json:"orderListId,omitempty"`
	Price           float64 `json:"price"`
	Qty             float64 `json:"qty"`
	ExecutedQty     float64 `json:"executedQty"`
	CumQuoteQty     float64 `json:"cumQuoteQty"`
	LastFillPrice   float64 `json:"lastFillPrice"`
	LastFillQty     float64 `json:"lastFillQty"`
	AvgPrice        float64 `json:"avgPrice"`
	EventTime       int64   `json:"eventTime"`
}

// IsOCOLeg reports whether the order belongs to an exchange-managed order
// list. List legs are broadcast but never written to the local ledger.
func (u OrderUpdate) IsOCOLeg() bool { return u.OrderListID > 0 }

// BalanceUpdate is one asset balance change from a user data stream.
type BalanceUpdate struct {
	UserID string  `json:"userId"`
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
	Time   int64   `json:"time"`
}

// ListStatus reports an OCO order list transition.
type ListStatus struct {
	UserID      string `json:"userId"`
	Symbol      string `json:"symbol"`
	OrderListID int64  `json:"orderListId"`
	ListStatus  string `json:"listStatus"`
	ListOrder   string `json:"listOrderStatus"`
	Time        int64  `json:"time"`
}

// Connection scopes for status events.
const (
	ScopeMarket     = "market"
	ScopeUserStream = "user_stream"
)

// ConnectionStatus announces a stream lifecycle transition.
type ConnectionStatus struct {
	Scope    string    `json:"scope"`
	UserID   string    `json:"userId,omitempty"`
	State    string    `json:"state"` // connected, reconnecting, disconnected
	Attempt  int       `json:"attempt,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Occurred time.Time `json:"occurred"`
}

// PositionEvent announces a position opening or closing fill. Opened events
// leave the exit fields zero; closed events additionally carry the exit
// price and the ledger role of the closing order as the reason.
type PositionEvent struct {
	UserID        string    `json:"userId"`
	Exchange      string    `json:"exchange"`
	OrderID       string    `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Qty           float64   `json:"qty"`
	AvgPrice      float64   `json:"avgPrice"`
	GroupID       string    `json:"groupId,omitempty"`
	SignalID      string    `json:"signalId,omitempty"`
	PortfolioID   string    `json:"portfolioId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	ExitPrice   float64 `json:"exitPrice,omitempty"`
	CloseReason string  `json:"closeReason,omitempty"`
}
