package indicators

import (
	"math"
	"testing"

	"tradedesk/pkg/exchanges/common"
)

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	if got := SMA(values, 3); !almost(got, 4) {
		t.Errorf("SMA(3) = %v, want 4", got)
	}
	if got := SMA(values, 6); got != 0 {
		t.Errorf("SMA with short history = %v, want 0", got)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5, 6}
	if got := RSI(up, 5); !almost(got, 100) {
		t.Errorf("all-gains RSI = %v, want 100", got)
	}
	down := []float64{6, 5, 4, 3, 2, 1}
	if got := RSI(down, 5); !almost(got, 0) {
		t.Errorf("all-losses RSI = %v, want 0", got)
	}
}

func TestBollingerBandsSymmetric(t *testing.T) {
	values := []float64{10, 12, 11, 13, 12}
	mid, up, low := Bollinger(values, 5, 2)
	if !almost(mid, 11.6) {
		t.Errorf("middle = %v, want 11.6", mid)
	}
	if !almost(up-mid, mid-low) {
		t.Errorf("bands not symmetric: up=%v mid=%v low=%v", up, mid, low)
	}
	if up <= mid || low >= mid {
		t.Errorf("band ordering broken: up=%v mid=%v low=%v", up, mid, low)
	}
}

func TestEngineSeedAndUpdate(t *testing.T) {
	e := newEngine(2, 3, 2, 3, 10)

	candles := []common.Candle{{Close: 10}, {Close: 11}, {Close: 12}}
	e.Seed("BTCUSDT", candles)

	vals := e.Update("BTCUSDT", 13)
	if got := vals["sma_short"]; !almost(got, 12.5) {
		t.Errorf("sma_short = %v, want 12.5", got)
	}
	if got := vals["sma_long"]; !almost(got, 12) {
		t.Errorf("sma_long = %v, want 12", got)
	}

	e.Forget("BTCUSDT")
	vals = e.Update("BTCUSDT", 13)
	if vals["sma_short"] != 0 {
		t.Errorf("expected cold window after Forget, got %v", vals["sma_short"])
	}
}

func TestAnnotateWalksForward(t *testing.T) {
	e := newEngine(2, 3, 2, 3, 10)
	out := e.Annotate([]common.Candle{{Close: 10}, {Close: 12}, {Close: 14}})
	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].Indicators["sma_short"] != 0 {
		t.Error("first candle must not see future closes")
	}
	if got := out[2].Indicators["sma_short"]; !almost(got, 13) {
		t.Errorf("last sma_short = %v, want 13", got)
	}
}
