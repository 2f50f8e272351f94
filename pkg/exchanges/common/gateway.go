package common

import "context"

// Gateway is the per-credential exchange capability consumed by the
// execution coordinator and the user-stream manager. Implementations own
// REST signing and transport; callers only see typed operations.
type Gateway interface {
	Name() string

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	CancelOpenOrders(ctx context.Context, symbol string) error

	Balances(ctx context.Context) ([]Balance, error)
	SymbolRules(ctx context.Context, symbol string) (SymbolRules, error)
	MyTrades(ctx context.Context, symbol string, limit int) ([]AccountTrade, error)

	// Session token lifecycle for the private user data stream.
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error

	// StreamHost returns the websocket host the listen key belongs to.
	StreamHost() string
}

// MarketData is the unauthenticated slice of an exchange used by the shared
// public stream multiplexer for snapshots and price lookups.
type MarketData interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	Ticker(ctx context.Context, symbol string) (Ticker, error)
	Price(ctx context.Context, symbol string) (float64, error)
}

// FreeBalance extracts the free amount of one asset from a balance slice.
func FreeBalance(balances []Balance, asset string) float64 {
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free
		}
	}
	return 0
}
