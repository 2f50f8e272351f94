// Package market implements the Binance combined public stream: one
// websocket carrying every subscribed symbol stream, adjusted at runtime
// with SUBSCRIBE/UNSUBSCRIBE control frames.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// StreamName builders. Binance requires lowercase symbols on websocket
// stream identifiers.

// KlineStream returns the stream id for a symbol's kline feed.
func KlineStream(symbol, interval string) string {
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
}

// TickerStream returns the stream id for a symbol's 24h ticker feed.
func TickerStream(symbol string) string {
	return fmt.Sprintf("%s@ticker", strings.ToLower(symbol))
}

// Conn is one combined-stream connection. Reads happen from a single
// goroutine via ReadEvent; Subscribe/Unsubscribe may be called from any
// goroutine.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	reqID   atomic.Int64
}

// Dial opens a combined-stream connection already subscribed to the given
// streams. An empty stream list is valid; streams can be added later.
func Dial(ctx context.Context, testnet bool, streams []string) (*Conn, error) {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	u := url.URL{Scheme: "wss", Host: host, Path: "/stream"}
	if len(streams) > 0 {
		u.RawQuery = "streams=" + strings.Join(streams, "/")
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial binance combined stream: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// controlFrame is the subscription management payload.
type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (c *Conn) sendControl(method string, streams []string) error {
	if len(streams) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(controlFrame{
		Method: method,
		Params: streams,
		ID:     c.reqID.Add(1),
	})
}

// Subscribe adds streams to the live connection.
func (c *Conn) Subscribe(streams ...string) error {
	return c.sendControl("SUBSCRIBE", streams)
}

// Unsubscribe removes streams from the live connection.
func (c *Conn) Unsubscribe(streams ...string) error {
	return c.sendControl("UNSUBSCRIBE", streams)
}

// Close sends a close frame and tears down the socket.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// ReadEvent blocks for the next data message and parses it. Control frame
// acks and unknown stream kinds return (nil, nil); a non-nil error means
// the connection is dead and must be redialed by the caller.
func (c *Conn) ReadEvent() (Event, error) {
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("binance combined stream read: %w", err)
	}
	return ParseCombined(msg)
}

// ParseCombined decodes one combined-stream payload of the form
// {"stream":"btcusdt@kline_1m","data":{...}}.
func ParseCombined(msg []byte) (Event, error) {
	var frame struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("binance stream frame: %w", err)
	}
	if frame.Stream == "" {
		// Subscription ack or other control response.
		return nil, nil
	}

	switch {
	case strings.Contains(frame.Stream, "@kline_"):
		return parseKline(frame.Data)
	case strings.HasSuffix(frame.Stream, "@ticker"):
		return parseTicker(frame.Data)
	default:
		return nil, nil
	}
}

func parseKline(data []byte) (Event, error) {
	var raw struct {
		Kline struct {
			StartTime interface{} `json:"t"`
			CloseTime interface{} `json:"T"`
			Symbol    string      `json:"s"`
			Interval  string      `json:"i"`
			Open      interface{} `json:"o"`
			Close     interface{} `json:"c"`
			High      interface{} `json:"h"`
			Low       interface{} `json:"l"`
			Volume    interface{} `json:"v"`
			Final     bool        `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("binance kline event: %w", err)
	}
	return KlineEvent{
		Symbol:    raw.Kline.Symbol,
		Interval:  raw.Kline.Interval,
		OpenTime:  toInt64(raw.Kline.StartTime),
		CloseTime: toInt64(raw.Kline.CloseTime),
		Open:      toFloat(raw.Kline.Open),
		High:      toFloat(raw.Kline.High),
		Low:       toFloat(raw.Kline.Low),
		Close:     toFloat(raw.Kline.Close),
		Volume:    toFloat(raw.Kline.Volume),
		Final:     raw.Kline.Final,
	}, nil
}

func parseTicker(data []byte) (Event, error) {
	var raw struct {
		EventTime     interface{} `json:"E"`
		Symbol        string      `json:"s"`
		PriceChange   interface{} `json:"p"`
		PriceChangePc interface{} `json:"P"`
		Last          interface{} `json:"c"`
		Open          interface{} `json:"o"`
		High          interface{} `json:"h"`
		Low           interface{} `json:"l"`
		Volume        interface{} `json:"v"`
		QuoteVolume   interface{} `json:"q"`
		Bid           interface{} `json:"b"`
		Ask           interface{} `json:"a"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("binance ticker event: %w", err)
	}
	return TickerEvent{
		Symbol:             raw.Symbol,
		PriceChange:        toFloat(raw.PriceChange),
		PriceChangePercent: toFloat(raw.PriceChangePc),
		LastPrice:          toFloat(raw.Last),
		OpenPrice:          toFloat(raw.Open),
		HighPrice:          toFloat(raw.High),
		LowPrice:           toFloat(raw.Low),
		Volume:             toFloat(raw.Volume),
		QuoteVolume:        toFloat(raw.QuoteVolume),
		BidPrice:           toFloat(raw.Bid),
		AskPrice:           toFloat(raw.Ask),
		EventTime:          toInt64(raw.EventTime),
	}, nil
}

// toFloat tolerates Binance sending numbers as strings or raw numbers.
func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		var f float64
		_, _ = fmt.Sscanf(t, "%f", &f)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		var n int64
		_, _ = fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}
