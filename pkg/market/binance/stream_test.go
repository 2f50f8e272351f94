package market

import "testing"

func TestParseCombinedKline(t *testing.T) {
	msg := []byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000000100,` +
		`"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m",` +
		`"o":"42000.10","c":"42050.50","h":"42100.00","l":"41990.00","v":"12.5","x":true}}}`)

	ev, err := ParseCombined(msg)
	if err != nil {
		t.Fatalf("ParseCombined: %v", err)
	}
	k, ok := ev.(KlineEvent)
	if !ok {
		t.Fatalf("expected KlineEvent, got %T", ev)
	}
	if k.Symbol != "BTCUSDT" || k.Interval != "1m" {
		t.Errorf("unexpected identity: %+v", k)
	}
	if k.Open != 42000.10 || k.Close != 42050.50 || k.Volume != 12.5 {
		t.Errorf("unexpected prices: %+v", k)
	}
	if !k.Final {
		t.Error("expected closed candle")
	}
	if k.OpenTime != 1700000000000 || k.CloseTime != 1700000059999 {
		t.Errorf("unexpected window: %+v", k)
	}
}

func TestParseCombinedTicker(t *testing.T) {
	msg := []byte(`{"stream":"ethusdt@ticker","data":{"e":"24hrTicker","E":1700000000200,` +
		`"s":"ETHUSDT","p":"-20.5","P":"-0.91","c":"2230.00","o":"2250.50","h":"2280.00",` +
		`"l":"2200.00","v":"9000","q":"20100000","b":"2229.90","a":"2230.10"}}`)

	ev, err := ParseCombined(msg)
	if err != nil {
		t.Fatalf("ParseCombined: %v", err)
	}
	tk, ok := ev.(TickerEvent)
	if !ok {
		t.Fatalf("expected TickerEvent, got %T", ev)
	}
	if tk.Symbol != "ETHUSDT" {
		t.Errorf("unexpected symbol %q", tk.Symbol)
	}
	if tk.LastPrice != 2230.00 || tk.PriceChangePercent != -0.91 {
		t.Errorf("unexpected values: %+v", tk)
	}
	if tk.BidPrice != 2229.90 || tk.AskPrice != 2230.10 {
		t.Errorf("unexpected book: %+v", tk)
	}
}

func TestParseCombinedControlAck(t *testing.T) {
	ev, err := ParseCombined([]byte(`{"result":null,"id":7}`))
	if err != nil {
		t.Fatalf("ParseCombined: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil event for control ack, got %T", ev)
	}
}

func TestStreamNames(t *testing.T) {
	if got := KlineStream("BTCUSDT", "1m"); got != "btcusdt@kline_1m" {
		t.Errorf("KlineStream = %q", got)
	}
	if got := TickerStream("ETHUSDT"); got != "ethusdt@ticker" {
		t.Errorf("TickerStream = %q", got)
	}
}
