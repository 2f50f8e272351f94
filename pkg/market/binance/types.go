package market

// Event is a parsed message from the combined public stream. Exactly one
// concrete type exists per stream kind.
type Event interface {
	EventSymbol() string
}

// KlineEvent is one kline update. Final marks the candle as closed.
type KlineEvent struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	OpenTime  int64   `json:"openTime"`
	CloseTime int64   `json:"closeTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Final     bool    `json:"final"`
}

func (e KlineEvent) EventSymbol() string { return e.Symbol }

// TickerEvent is a 24h rolling ticker update.
type TickerEvent struct {
	Symbol             string  `json:"symbol"`
	PriceChange        float64 `json:"priceChange"`
	PriceChangePercent float64 `json:"priceChangePercent"`
	LastPrice          float64 `json:"lastPrice"`
	OpenPrice          float64 `json:"openPrice"`
	HighPrice          float64 `json:"highPrice"`
	LowPrice           float64 `json:"lowPrice"`
	Volume             float64 `json:"volume"`
	QuoteVolume        float64 `json:"quoteVolume"`
	BidPrice           float64 `json:"bidPrice"`
	AskPrice           float64 `json:"askPrice"`
	EventTime          int64   `json:"eventTime"`
}

func (e TickerEvent) EventSymbol() string { return e.Symbol }
