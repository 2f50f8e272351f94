package userstream

import (
	"encoding/json"
	"fmt"
	"strconv"

	"tradedesk/internal/events"
)

// eventType extracts the "e" discriminator. Binance occasionally sends it
// as a non-string; those messages are skipped.
func eventType(msg []byte) (string, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return "", false
	}
	v, ok := raw["e"]
	if !ok {
		return "", false
	}
	var et string
	if err := json.Unmarshal(v, &et); err != nil {
		return "", false
	}
	return et, true
}

func parseExecutionReport(userID, exchange string, msg []byte) (events.OrderUpdate, error) {
	var rep struct {
		EventTime       int64  `json:"E"`
		Symbol          string `json:"s"`
		Side            string `json:"S"`
		OrderType       string `json:"o"`
		Status          string `json:"X"`
		ExecutionType   string `json:"x"`
		OrderID         int64  `json:"i"`
		OrderListID     int64  `json:"g"`
		ClientOrderID   string `json:"c"`
		Price           string `json:"p"`
		Qty             string `json:"q"`
		LastQty         string `json:"l"`
		LastPrice       string `json:"L"`
		CumulativeQty   string `json:"z"`
		CumulativeQuote string `json:"Z"`
	}
	if err := json.Unmarshal(msg, &rep); err != nil {
		return events.OrderUpdate{}, fmt.Errorf("execution report parse: %w", err)
	}

	execQty := toFloat(rep.CumulativeQty)
	cumQuote := toFloat(rep.CumulativeQuote)
	lastPrice := toFloat(rep.LastPrice)

	// Average fill price: prefer the event's own last-fill price, else
	// derive from cumulative quote over executed quantity.
	avg := lastPrice
	if avg == 0 && execQty > 0 {
		avg = cumQuote / execQty
	}

	return events.OrderUpdate{
		UserID:          userID,
		Exchange:        exchange,
		Symbol:          rep.Symbol,
		Side:            rep.Side,
		OrderType:       rep.OrderType,
		Status:          rep.Status,
		ClientOrderID:   rep.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(rep.OrderID, 10),
		OrderListID:     rep.OrderListID,
		Price:           toFloat(rep.Price),
		Qty:             toFloat(rep.Qty),
		ExecutedQty:     execQty,
		CumQuoteQty:     cumQuote,
		LastFillPrice:   lastPrice,
		LastFillQty:     toFloat(rep.LastQty),
		AvgPrice:        avg,
		EventTime:       rep.EventTime,
	}, nil
}

func parseAccountPosition(userID string, msg []byte) ([]events.BalanceUpdate, error) {
	var raw struct {
		EventTime int64 `json:"E"`
		Balances  []struct {
			Asset  string `json:"a"`
			Free   string `json:"f"`
			Locked string `json:"l"`
		} `json:"B"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil, fmt.Errorf("account position parse: %w", err)
	}
	out := make([]events.BalanceUpdate, 0, len(raw.Balances))
	for _, b := range raw.Balances {
		out = append(out, events.BalanceUpdate{
			UserID: userID,
			Asset:  b.Asset,
			Free:   toFloat(b.Free),
			Locked: toFloat(b.Locked),
			Time:   raw.EventTime,
		})
	}
	return out, nil
}

func parseListStatus(userID string, msg []byte) (events.ListStatus, error) {
	var raw struct {
		EventTime   int64  `json:"E"`
		Symbol      string `json:"s"`
		OrderListID int64  `json:"g"`
		ListStatus  string `json:"l"`
		ListOrder   string `json:"L"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return events.ListStatus{}, fmt.Errorf("list status parse: %w", err)
	}
	return events.ListStatus{
		UserID:      userID,
		Symbol:      raw.Symbol,
		OrderListID: raw.OrderListID,
		ListStatus:  raw.ListStatus,
		ListOrder:   raw.ListOrder,
		Time:        raw.EventTime,
	}, nil
}

func toFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
