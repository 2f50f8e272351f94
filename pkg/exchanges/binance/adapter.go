// Package binance adapts the Binance spot API to the tradedesk gateway
// capability, backed by the go-binance client.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"tradedesk/pkg/exchanges/common"
)

const Name = "binance"

// Config holds Binance credentials.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// Adapter implements common.Gateway and common.MarketData for Binance spot.
type Adapter struct {
	cfg     Config
	client  *binance.Client
	limiter *rate.Limiter

	mu        sync.Mutex
	rules     map[string]common.SymbolRules
	rulesFrom time.Time
}

// rulesTTL bounds how long exchange filters are trusted before a refetch.
const rulesTTL = time.Hour

// New builds an Adapter. Empty credentials are valid for market-data-only use.
func New(cfg Config) *Adapter {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	return &Adapter{
		cfg:    cfg,
		client: binance.NewClient(cfg.APIKey, cfg.APISecret),
		// Binance spot allows 1200 request weight per minute; stay under it.
		limiter: rate.NewLimiter(rate.Limit(15), 30),
		rules:   make(map[string]common.SymbolRules),
	}
}

func (a *Adapter) Name() string { return Name }

// StreamHost returns the websocket host for listen-key streams.
func (a *Adapter) StreamHost() string {
	if a.cfg.Testnet {
		return "testnet.binance.vision"
	}
	return "stream.binance.com:9443"
}

func (a *Adapter) requireKeys() error {
	if a.cfg.APIKey == "" || a.cfg.APISecret == "" {
		return errors.New("binance: API key/secret required")
	}
	return nil
}

// PlaceOrder submits a spot order and normalizes the ack.
func (a *Adapter) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := a.requireKeys(); err != nil {
		return common.OrderResult{}, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return common.OrderResult{}, err
	}

	svc := a.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		Quantity(formatQty(req.Qty, req.QtyDecimals))
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	if req.Type == common.OrderTypeLimit {
		svc = svc.TimeInForce(binance.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return common.OrderResult{}, fmt.Errorf("binance place order %s %s: %w", req.Symbol, req.Side, err)
	}

	execQty := toFloat(res.ExecutedQuantity)
	cumQuote := toFloat(res.CummulativeQuoteQuantity)
	avg := 0.0
	if execQty > 0 {
		avg = cumQuote / execQty
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		ClientID:        res.ClientOrderID,
		Status:          mapStatus(string(res.Status)),
		ExecutedQty:     execQty,
		AvgPrice:        avg,
	}, nil
}

// CancelOrder cancels one order by exchange order id.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := a.requireKeys(); err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance cancel: bad order id %q: %w", exchangeOrderID, err)
	}
	_, err = a.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return err
}

// CancelOpenOrders cancels every open order on a symbol.
func (a *Adapter) CancelOpenOrders(ctx context.Context, symbol string) error {
	if err := a.requireKeys(); err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.client.NewCancelOpenOrdersService().Symbol(symbol).Do(ctx)
	return err
}

// Balances returns all nonzero account balances.
func (a *Adapter) Balances(ctx context.Context) ([]common.Balance, error) {
	if err := a.requireKeys(); err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	acct, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance account: %w", err)
	}

	out := make([]common.Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		free := toFloat(b.Free)
		locked := toFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, common.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// SymbolRules returns the declared trading filters for one symbol, cached
// for rulesTTL.
func (a *Adapter) SymbolRules(ctx context.Context, symbol string) (common.SymbolRules, error) {
	a.mu.Lock()
	if r, ok := a.rules[symbol]; ok && time.Since(a.rulesFrom) < rulesTTL {
		a.mu.Unlock()
		return r, nil
	}
	a.mu.Unlock()

	if err := a.limiter.Wait(ctx); err != nil {
		return common.SymbolRules{}, err
	}
	info, err := a.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return common.SymbolRules{}, fmt.Errorf("binance exchange info %s: %w", symbol, err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		r := common.SymbolRules{Symbol: symbol}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				r.TickSize = filterFloat(f, "tickSize")
			case "LOT_SIZE":
				r.StepSize = filterFloat(f, "stepSize")
				r.MinQty = filterFloat(f, "minQty")
				r.MaxQty = filterFloat(f, "maxQty")
			case "NOTIONAL", "MIN_NOTIONAL":
				r.MinNotional = filterFloat(f, "minNotional")
			}
		}
		a.mu.Lock()
		a.rules[symbol] = r
		a.rulesFrom = time.Now()
		a.mu.Unlock()
		return r, nil
	}
	return common.SymbolRules{}, fmt.Errorf("binance exchange info: symbol %s not found", symbol)
}

// MyTrades returns recent account trades for a symbol, oldest first.
func (a *Adapter) MyTrades(ctx context.Context, symbol string, limit int) ([]common.AccountTrade, error) {
	if err := a.requireKeys(); err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	svc := a.client.NewListTradesService().Symbol(symbol)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	trades, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance my trades %s: %w", symbol, err)
	}

	out := make([]common.AccountTrade, 0, len(trades))
	for _, t := range trades {
		out = append(out, common.AccountTrade{
			ID:       t.ID,
			OrderID:  t.OrderID,
			Symbol:   t.Symbol,
			Price:    toFloat(t.Price),
			Qty:      toFloat(t.Quantity),
			QuoteQty: toFloat(t.QuoteQuantity),
			IsBuyer:  t.IsBuyer,
			Time:     time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

// CreateListenKey opens a new user data stream session.
func (a *Adapter) CreateListenKey(ctx context.Context) (string, error) {
	if a.cfg.APIKey == "" {
		return "", errors.New("binance: API key required")
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return a.client.NewStartUserStreamService().Do(ctx)
}

// KeepAliveListenKey extends the validity of a listen key.
func (a *Adapter) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	return a.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
}

// CloseListenKey revokes a listen key.
func (a *Adapter) CloseListenKey(ctx context.Context, listenKey string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	return a.client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx)
}

// Klines returns historical candles for snapshot delivery.
func (a *Adapter) Klines(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ks, err := a.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s %s: %w", symbol, interval, err)
	}

	out := make([]common.Candle, 0, len(ks))
	for _, k := range ks {
		out = append(out, common.Candle{
			OpenTime:  k.OpenTime,
			Open:      toFloat(k.Open),
			High:      toFloat(k.High),
			Low:       toFloat(k.Low),
			Close:     toFloat(k.Close),
			Volume:    toFloat(k.Volume),
			CloseTime: k.CloseTime,
		})
	}
	return out, nil
}

// Ticker returns the 24h rolling stats for one symbol.
func (a *Adapter) Ticker(ctx context.Context, symbol string) (common.Ticker, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return common.Ticker{}, err
	}
	stats, err := a.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return common.Ticker{}, fmt.Errorf("binance ticker %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return common.Ticker{}, fmt.Errorf("binance ticker %s: empty response", symbol)
	}

	s := stats[0]
	return common.Ticker{
		Symbol:             s.Symbol,
		PriceChange:        toFloat(s.PriceChange),
		PriceChangePercent: toFloat(s.PriceChangePercent),
		LastPrice:          toFloat(s.LastPrice),
		HighPrice:          toFloat(s.HighPrice),
		LowPrice:           toFloat(s.LowPrice),
		OpenPrice:          toFloat(s.OpenPrice),
		Volume:             toFloat(s.Volume),
		QuoteVolume:        toFloat(s.QuoteVolume),
		BidPrice:           toFloat(s.BidPrice),
		AskPrice:           toFloat(s.AskPrice),
	}, nil
}

// Price returns the last traded price for a symbol.
func (a *Adapter) Price(ctx context.Context, symbol string) (float64, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	prices, err := a.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance price %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("binance price %s: empty response", symbol)
	}
	return toFloat(prices[0].Price), nil
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func filterFloat(filter map[string]interface{}, key string) float64 {
	s, _ := filter[key].(string)
	return toFloat(s)
}

func toFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}

func formatQty(qty float64, decimals int) string {
	if decimals < 0 {
		return strconv.FormatFloat(qty, 'f', -1, 64)
	}
	return strconv.FormatFloat(qty, 'f', decimals, 64)
}
