// Package marketmux serves live ticker/kline data to any number of
// websocket clients over exactly one upstream exchange connection. The
// desired upstream stream set is derived from client subscriptions and
// reconciled with incremental subscribe/unsubscribe frames instead of
// reconnects.
package marketmux

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradedesk/internal/events"
	"tradedesk/internal/indicators"
	"tradedesk/pkg/exchanges/common"
	market "tradedesk/pkg/market/binance"
)

// Config tunes the multiplexer.
type Config struct {
	Testnet         bool
	DefaultInterval string
	SnapshotLimit   int
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	MaxAttempts     int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultInterval: "1m",
		SnapshotLimit:   200,
		ReconnectBase:   time.Second,
		ReconnectMax:    30 * time.Second,
		MaxAttempts:     10,
	}
}

// upstream is the combined-stream connection surface the mux drives.
type upstream interface {
	Subscribe(streams ...string) error
	Unsubscribe(streams ...string) error
	ReadEvent() (market.Event, error)
	Close() error
}

type subscription struct {
	client   Client
	symbol   string
	interval string
}

// Multiplexer owns the client subscription table and the single upstream
// connection.
type Multiplexer struct {
	cfg    Config
	data   common.MarketData
	engine *indicators.Engine
	bus    *events.Bus
	dial   func(ctx context.Context, streams []string) (upstream, error)

	mu         sync.RWMutex
	clients    map[string]*subscription // by client id
	conn       upstream
	active     map[string]struct{} // stream names on the live connection
	symbols    map[string]struct{} // symbols with at least one subscriber
	gen        int                 // connection generation; stale read loops bail
	connecting bool
	closed     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Multiplexer using the real Binance combined stream.
func New(cfg Config, data common.MarketData, bus *events.Bus) *Multiplexer {
	m := &Multiplexer{
		cfg:     cfg,
		data:    data,
		engine:  indicators.NewEngine(),
		bus:     bus,
		clients: make(map[string]*subscription),
		stopCh:  make(chan struct{}),
	}
	m.dial = func(ctx context.Context, streams []string) (upstream, error) {
		return market.Dial(ctx, cfg.Testnet, streams)
	}
	return m
}

// Subscribe records (or overwrites) the client's single symbol, sends it a
// fresh candle+ticker snapshot, and reconciles the upstream stream set.
func (m *Multiplexer) Subscribe(ctx context.Context, c Client, symbol, interval string, limit int) error {
	symbol = strings.ToUpper(symbol)
	if interval == "" {
		interval = m.cfg.DefaultInterval
	}
	if limit <= 0 || limit > m.cfg.SnapshotLimit {
		limit = m.cfg.SnapshotLimit
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return context.Canceled
	}
	m.clients[c.ID()] = &subscription{client: c, symbol: symbol, interval: interval}
	m.mu.Unlock()

	err := m.sendSnapshot(ctx, c, symbol, interval, limit)

	m.mu.Lock()
	m.reconcileLocked()
	m.mu.Unlock()
	return err
}

// Disconnect drops the client and reconciles; with zero clients left the
// upstream connection is closed entirely.
func (m *Multiplexer) Disconnect(clientID string) {
	m.mu.Lock()
	delete(m.clients, clientID)
	m.reconcileLocked()
	m.mu.Unlock()
}

// Close tears down the upstream connection and rejects further subscribes.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if !m.closed {
		close(m.stopCh)
	}
	m.closed = true
	m.gen++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.active = nil
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Multiplexer) sendSnapshot(ctx context.Context, c Client, symbol, interval string, limit int) error {
	candles, err := m.data.Klines(ctx, symbol, interval, limit)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot klines fetch failed")
		return err
	}
	ticker, err := m.data.Ticker(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot ticker fetch failed")
		return err
	}

	m.engine.Seed(symbol, candles)
	c.Deliver(Message{Type: MsgSnapshot, Symbol: symbol, Data: Snapshot{
		Symbol:   symbol,
		Interval: interval,
		Candles:  m.engine.Annotate(candles),
		Ticker:   ticker,
	}})
	return nil
}

// forgetOrphanedLocked drops indicator state for symbols that lost their
// last subscriber so close-price history does not accumulate forever.
// Caller holds m.mu.
func (m *Multiplexer) forgetOrphanedLocked() {
	current := make(map[string]struct{}, len(m.clients))
	for _, sub := range m.clients {
		current[sub.symbol] = struct{}{}
	}
	for s := range m.symbols {
		if _, ok := current[s]; !ok {
			m.engine.Forget(s)
		}
	}
	m.symbols = current
}

// desiredLocked derives the full stream set from current subscriptions:
// ticker plus default-interval kline per distinct symbol.
func (m *Multiplexer) desiredLocked() map[string]struct{} {
	desired := make(map[string]struct{})
	for _, sub := range m.clients {
		desired[market.TickerStream(sub.symbol)] = struct{}{}
		desired[market.KlineStream(sub.symbol, m.cfg.DefaultInterval)] = struct{}{}
	}
	return desired
}

// reconcileLocked diffs the desired stream set against the live connection.
// Caller holds m.mu.
func (m *Multiplexer) reconcileLocked() {
	if m.closed {
		return
	}
	m.forgetOrphanedLocked()
	desired := m.desiredLocked()

	if len(desired) == 0 {
		if m.conn != nil {
			m.gen++
			_ = m.conn.Close()
			m.conn = nil
			log.Info().Msg("market stream closed: no subscribers")
		}
		m.active = nil
		return
	}

	if m.conn == nil {
		if !m.connecting {
			m.connecting = true
			m.wg.Add(1)
			go m.connect()
		}
		return
	}

	var added, removed []string
	for s := range desired {
		if _, ok := m.active[s]; !ok {
			added = append(added, s)
		}
	}
	for s := range m.active {
		if _, ok := desired[s]; !ok {
			removed = append(removed, s)
		}
	}
	if len(added) > 0 {
		if err := m.conn.Subscribe(added...); err != nil {
			log.Warn().Err(err).Strs("streams", added).Msg("incremental subscribe failed")
		}
	}
	if len(removed) > 0 {
		if err := m.conn.Unsubscribe(removed...); err != nil {
			log.Warn().Err(err).Strs("streams", removed).Msg("incremental unsubscribe failed")
		}
	}
	m.active = desired
}

// connect dials the upstream with exponential backoff up to the attempt
// ceiling. Beyond the ceiling it emits a terminal status and gives up until
// the next subscribe.
func (m *Multiplexer) connect() {
	defer m.wg.Done()

	for attempt := 1; ; attempt++ {
		m.mu.Lock()
		if m.closed || len(m.clients) == 0 {
			m.connecting = false
			m.mu.Unlock()
			return
		}
		desired := m.desiredLocked()
		m.mu.Unlock()

		streams := make([]string, 0, len(desired))
		for s := range desired {
			streams = append(streams, s)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := m.dial(ctx, streams)
		cancel()
		if err == nil {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				_ = conn.Close()
				return
			}
			m.conn = conn
			m.active = desired
			m.connecting = false
			m.gen++
			gen := m.gen
			m.reconcileLocked() // pick up subscriptions that arrived mid-dial
			m.mu.Unlock()

			log.Info().Int("streams", len(streams)).Msg("market stream connected")
			m.publishStatus("connected", 0, "")
			m.wg.Add(1)
			go m.readLoop(conn, gen)
			return
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("market stream dial failed")
		if attempt >= m.cfg.MaxAttempts {
			m.mu.Lock()
			m.connecting = false
			m.mu.Unlock()
			m.publishStatus("disconnected", attempt, "max reconnect attempts reached")
			return
		}
		m.publishStatus("reconnecting", attempt, err.Error())
		select {
		case <-time.After(backoffDelay(attempt, m.cfg.ReconnectBase, m.cfg.ReconnectMax)):
		case <-m.stopCh:
			// Close is waiting on the work group; the next loop
			// iteration observes closed and exits.
		}
	}
}

func (m *Multiplexer) readLoop(conn upstream, gen int) {
	defer m.wg.Done()

	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			m.mu.Lock()
			stale := m.closed || gen != m.gen
			if !stale {
				m.conn = nil
				m.active = nil
				if len(m.clients) > 0 && !m.connecting {
					m.connecting = true
					m.wg.Add(1)
					go m.connect()
				}
			}
			m.mu.Unlock()
			if !stale {
				log.Warn().Err(err).Msg("market stream read error")
				m.publishStatus("reconnecting", 0, err.Error())
			}
			return
		}
		if ev == nil {
			continue
		}
		m.route(ev)
	}
}

// route delivers one upstream event to exactly the clients subscribed to
// its symbol. Kline enrichment runs once per event and the single result
// is fanned out.
func (m *Multiplexer) route(ev market.Event) {
	symbol := ev.EventSymbol()

	m.mu.RLock()
	targets := make([]Client, 0, 4)
	for _, sub := range m.clients {
		if sub.symbol == symbol {
			targets = append(targets, sub.client)
		}
	}
	m.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	var msg Message
	switch e := ev.(type) {
	case market.KlineEvent:
		var vals map[string]float64
		if e.Final {
			vals = m.engine.Update(symbol, e.Close)
		} else {
			vals = m.engine.Preview(symbol, e.Close)
		}
		msg = Message{Type: MsgKline, Symbol: symbol, Data: KlineUpdate{KlineEvent: e, Indicators: vals}}
	case market.TickerEvent:
		msg = Message{Type: MsgTicker, Symbol: symbol, Data: e}
	default:
		return
	}

	for _, c := range targets {
		c.Deliver(msg)
	}
}

func (m *Multiplexer) publishStatus(state string, attempt int, detail string) {
	if m.bus != nil {
		m.bus.Publish(events.TopicConnectionStatus, events.ConnectionStatus{
			Scope:    events.ScopeMarket,
			State:    state,
			Attempt:  attempt,
			Detail:   detail,
			Occurred: time.Now(),
		})
	}

	m.mu.RLock()
	targets := make([]Client, 0, len(m.clients))
	for _, sub := range m.clients {
		targets = append(targets, sub.client)
	}
	m.mu.RUnlock()
	for _, c := range targets {
		c.Deliver(Message{Type: MsgStatus, Data: StatusUpdate{State: state, Attempt: attempt, Detail: detail}})
	}
}

// backoffDelay doubles from base per attempt, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
