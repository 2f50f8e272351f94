// Package indicators maintains per-symbol close-price windows and computes
// the indicator set attached to streamed klines and candle snapshots.
package indicators

import (
	"sync"

	"tradedesk/pkg/exchanges/common"
)

// Default indicator windows.
const (
	DefaultShortMA   = 7
	DefaultLongMA    = 25
	DefaultRSIPeriod = 14
	DefaultBollinger = 20
)

// Engine computes indicator values from rolling close-price windows.
// Safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	prices  map[string][]float64
	window  int
	shortMA int
	longMA  int
	rsi     int
	boll    int
}

// NewEngine builds an engine with the default windows.
func NewEngine() *Engine {
	return newEngine(DefaultShortMA, DefaultLongMA, DefaultRSIPeriod, DefaultBollinger, 200)
}

func newEngine(shortMA, longMA, rsiPeriod, bollPeriod, window int) *Engine {
	if window < longMA {
		window = longMA
	}
	return &Engine{
		prices:  make(map[string][]float64),
		window:  window,
		shortMA: shortMA,
		longMA:  longMA,
		rsi:     rsiPeriod,
		boll:    bollPeriod,
	}
}

// Update ingests one close price for the symbol and returns the indicator
// values over the updated window.
func (e *Engine) Update(symbol string, closePrice float64) map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	arr := append(e.prices[symbol], closePrice)
	if len(arr) > e.window {
		arr = arr[len(arr)-e.window:]
	}
	e.prices[symbol] = arr
	return e.compute(arr)
}

// Preview computes indicators as if closePrice were appended, without
// mutating the window. Used for in-progress candles that may restate.
func (e *Engine) Preview(symbol string, closePrice float64) map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	base := e.prices[symbol]
	arr := make([]float64, len(base), len(base)+1)
	copy(arr, base)
	arr = append(arr, closePrice)
	if len(arr) > e.window {
		arr = arr[len(arr)-e.window:]
	}
	return e.compute(arr)
}

// Seed replaces the symbol's window with historical closes so that streamed
// updates start with warm indicators.
func (e *Engine) Seed(symbol string, candles []common.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	arr := make([]float64, 0, len(candles))
	for _, c := range candles {
		arr = append(arr, c.Close)
	}
	if len(arr) > e.window {
		arr = arr[len(arr)-e.window:]
	}
	e.prices[symbol] = arr
}

// Forget drops the symbol's window, e.g. after the last client unsubscribes.
func (e *Engine) Forget(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.prices, symbol)
}

// EnrichedCandle is a historical candle annotated with indicator values
// computed over the history up to and including it.
type EnrichedCandle struct {
	common.Candle
	Indicators map[string]float64 `json:"indicators"`
}

// Annotate computes indicators for each candle of a snapshot, walking the
// history forward so every candle sees only its past.
func (e *Engine) Annotate(candles []common.Candle) []EnrichedCandle {
	out := make([]EnrichedCandle, 0, len(candles))
	window := make([]float64, 0, len(candles))
	for _, c := range candles {
		window = append(window, c.Close)
		out = append(out, EnrichedCandle{Candle: c, Indicators: e.compute(window)})
	}
	return out
}

func (e *Engine) compute(arr []float64) map[string]float64 {
	middle, upper, lower := Bollinger(arr, e.boll, 2)
	return map[string]float64{
		"sma_short":   SMA(arr, e.shortMA),
		"sma_long":    SMA(arr, e.longMA),
		"ema_short":   EMA(arr, e.shortMA),
		"ema_long":    EMA(arr, e.longMA),
		"rsi":         RSI(arr, e.rsi),
		"boll_middle": middle,
		"boll_upper":  upper,
		"boll_lower":  lower,
	}
}
