// Package userstream maintains one authenticated exchange streaming session
// per active-trading user and translates account events into internal
// order/balance updates.
package userstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tradedesk/internal/credhealth"
	"tradedesk/internal/events"
	"tradedesk/internal/gateway"
	"tradedesk/pkg/db"
	"tradedesk/pkg/exchanges/common"
)

// Session states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateStopped      = "stopped"
)

var ErrNoCredential = errors.New("user has no usable credential")

// Notifier receives best-effort position notifications. Implementations
// must never block order processing; failures are logged and swallowed.
type Notifier interface {
	PositionOpened(ctx context.Context, ev events.PositionEvent)
	PositionClosed(ctx context.Context, ev events.PositionEvent)
}

// Config tunes session lifecycle.
type Config struct {
	Testnet       bool
	Keepalive     time.Duration // listen-key renewal period
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Keepalive:     30 * time.Minute,
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
		MaxAttempts:   10,
	}
}

// wsConn is the minimal read surface of a websocket connection.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

type session struct {
	userID       string
	exchange     string
	credentialID string
	gw           common.Gateway
	cancel       context.CancelFunc

	mu        sync.Mutex
	state     string
	listenKey string
	conn      wsConn
	attempts  int
}

func (s *session) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// SessionInfo is the observable state of one managed session.
type SessionInfo struct {
	UserID   string `json:"userId"`
	Exchange string `json:"exchange"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
}

// gatewayProvider resolves credential rows to gateway instances; satisfied
// by the gateway pool.
type gatewayProvider interface {
	ForCredential(ctx context.Context, cred *db.Credential) (common.Gateway, error)
}

// Manager owns every per-user stream session.
type Manager struct {
	cfg      Config
	database *db.Database
	pool     gatewayProvider
	bus      *events.Bus
	health   *credhealth.Tracker
	notifier Notifier
	dial     func(ctx context.Context, host, listenKey string) (wsConn, error)

	mu       sync.Mutex
	sessions map[string]*session // by user id
	closed   bool
	wg       sync.WaitGroup
}

// NewManager builds a Manager. notifier may be nil.
func NewManager(cfg Config, database *db.Database, pool *gateway.Manager, bus *events.Bus, health *credhealth.Tracker, notifier Notifier) *Manager {
	return newManager(cfg, database, pool, bus, health, notifier)
}

func newManager(cfg Config, database *db.Database, pool gatewayProvider, bus *events.Bus, health *credhealth.Tracker, notifier Notifier) *Manager {
	m := &Manager{
		cfg:      cfg,
		database: database,
		pool:     pool,
		bus:      bus,
		health:   health,
		notifier: notifier,
		sessions: make(map[string]*session),
	}
	m.dial = func(ctx context.Context, host, listenKey string) (wsConn, error) {
		u := url.URL{Scheme: "wss", Host: host, Path: "/ws/" + listenKey}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		return conn, err
	}
	return m
}

// StartAll opens a session for every active-trading credential on the
// exchange. Per-user failures are logged and do not stop the rest.
func (m *Manager) StartAll(ctx context.Context, exchange string) {
	creds, err := m.database.ListActiveTradingCredentials(ctx, exchange)
	if err != nil {
		log.Error().Err(err).Msg("list active trading credentials")
		return
	}
	for i := range creds {
		if err := m.StartUser(ctx, &creds[i]); err != nil {
			log.Warn().Err(err).Str("user", creds[i].UserID).Msg("user stream start failed")
		}
	}
}

// StartUser opens the user's session: acquire a session token, dial, then
// schedule keepalive. A token failure logs and aborts without entering a
// connected state.
func (m *Manager) StartUser(ctx context.Context, cred *db.Credential) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("user stream manager is shut down")
	}
	if _, ok := m.sessions[cred.UserID]; ok {
		m.mu.Unlock()
		return nil // already managed
	}
	m.mu.Unlock()

	gw, err := m.pool.ForCredential(ctx, cred)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCredential, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		userID:       cred.UserID,
		exchange:     cred.Exchange,
		credentialID: cred.ID,
		gw:           gw,
		cancel:       cancel,
		state:        StateConnecting,
	}

	if err := m.open(ctx, s); err != nil {
		cancel()
		m.health.RecordFailure(s.userID, s.exchange, err.Error())
		log.Warn().Err(err).Str("user", s.userID).Msg("user stream connect aborted")
		return err
	}

	m.mu.Lock()
	m.sessions[s.userID] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(sessCtx, s)
	return nil
}

// open acquires a listen key and dials the stream. On success the session
// is Connected with a live conn and key.
func (m *Manager) open(ctx context.Context, s *session) error {
	listenKey, err := s.gw.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}
	conn, err := m.dial(ctx, s.gw.StreamHost(), listenKey)
	if err != nil {
		// The freshly issued key must not leak.
		_ = s.gw.CloseListenKey(context.Background(), listenKey)
		return fmt.Errorf("dial user stream: %w", err)
	}

	s.mu.Lock()
	s.listenKey = listenKey
	s.conn = conn
	s.state = StateConnected
	s.attempts = 0
	s.mu.Unlock()

	m.health.RecordSuccess(s.userID, s.exchange)
	m.publishStatus(s, StateConnected, 0, "")
	log.Info().Str("user", s.userID).Str("exchange", s.exchange).Msg("user stream connected")
	return nil
}

// run drives one session: a keepalive timer per connection plus the read
// loop, reconnecting with backoff on drops.
func (m *Manager) run(ctx context.Context, s *session) {
	defer m.wg.Done()

	for {
		s.mu.Lock()
		conn := s.conn
		listenKey := s.listenKey
		s.mu.Unlock()

		// Keepalive lives exactly as long as this connection; it is
		// cancelled before any reconnect so timers never leak across
		// generations.
		kaCtx, kaCancel := context.WithCancel(ctx)
		go m.keepalive(kaCtx, s, listenKey)

		err := m.readLoop(ctx, s, conn)
		kaCancel()
		if ctx.Err() != nil {
			return
		}

		// Connection dropped: revoke the old token before requesting a
		// new one.
		m.publishStatus(s, StateReconnecting, 0, err.Error())
		s.setState(StateReconnecting)
		_ = conn.Close()
		_ = s.gw.CloseListenKey(context.Background(), listenKey)

		if !m.reconnect(ctx, s) {
			return
		}
	}
}

func (m *Manager) keepalive(ctx context.Context, s *session, listenKey string) {
	ticker := time.NewTicker(m.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.gw.KeepAliveListenKey(ctx, listenKey); err != nil {
				log.Warn().Err(err).Str("user", s.userID).Msg("listen key keepalive failed")
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, s *session, conn wsConn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.handleMessage(ctx, s.userID, s.exchange, msg)
	}
}

// reconnect retries open with exponential backoff up to the attempt
// ceiling. Returns false when the session should stop.
func (m *Manager) reconnect(ctx context.Context, s *session) bool {
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoffDelay(attempt, m.cfg.ReconnectBase, m.cfg.ReconnectMax)):
		}

		s.mu.Lock()
		s.attempts = attempt
		s.mu.Unlock()

		if err := m.open(ctx, s); err == nil {
			return true
		} else {
			m.health.RecordFailure(s.userID, s.exchange, err.Error())
			log.Warn().Err(err).Str("user", s.userID).Int("attempt", attempt).Msg("user stream reconnect failed")
			m.publishStatus(s, StateReconnecting, attempt, err.Error())
		}
	}

	s.setState(StateStopped)
	m.publishStatus(s, StateStopped, m.cfg.MaxAttempts, "max reconnect attempts reached")
	log.Error().Str("user", s.userID).Msg("user stream gave up reconnecting")
	return false
}

// StopUser tears one session down: cancel the keepalive, close the
// connection, then revoke the session token, in that order.
func (m *Manager) StopUser(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.teardown(s)
}

// StopAll tears down every managed session. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.teardown(s)
	}
	m.wg.Wait()
}

func (m *Manager) teardown(s *session) {
	s.cancel() // stops keepalive and read loop

	s.mu.Lock()
	conn := s.conn
	listenKey := s.listenKey
	s.state = StateStopped
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if listenKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.gw.CloseListenKey(ctx, listenKey); err != nil {
			log.Warn().Err(err).Str("user", s.userID).Msg("listen key revoke failed")
		}
		cancel()
	}
	log.Info().Str("user", s.userID).Msg("user stream stopped")
}

// Sessions reports the state of every managed session.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		out = append(out, SessionInfo{
			UserID:   s.userID,
			Exchange: s.exchange,
			State:    s.state,
			Attempts: s.attempts,
		})
		s.mu.Unlock()
	}
	return out
}

// handleMessage dispatches one raw stream message by event type.
func (m *Manager) handleMessage(ctx context.Context, userID, exchange string, msg []byte) {
	et, ok := eventType(msg)
	if !ok {
		return
	}

	switch et {
	case "executionReport":
		update, err := parseExecutionReport(userID, exchange, msg)
		if err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("bad execution report")
			return
		}
		m.handleOrderUpdate(ctx, update)

	case "outboundAccountPosition":
		updates, err := parseAccountPosition(userID, msg)
		if err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("bad account position")
			return
		}
		for _, u := range updates {
			m.bus.Publish(events.TopicBalanceUpdate, u)
		}

	case "listStatus":
		ls, err := parseListStatus(userID, msg)
		if err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("bad list status")
			return
		}
		m.bus.Publish(events.TopicListStatus, ls)
	}
}

// handleOrderUpdate broadcasts the update and, for orders this system
// created, reconciles the ledger. OCO sibling legs are broadcast-only.
func (m *Manager) handleOrderUpdate(ctx context.Context, update events.OrderUpdate) {
	m.bus.Publish(events.TopicOrderUpdate, update)

	if update.IsOCOLeg() {
		return
	}

	switch update.Status {
	case db.StatusFilled:
		if err := m.database.UpdateOrderFill(ctx, update.ClientOrderID, update.Status,
			update.ExecutedQty, update.AvgPrice, time.Now()); err != nil {
			log.Warn().Err(err).Str("order", update.ClientOrderID).Msg("ledger fill update failed")
			return
		}
		m.announceFill(ctx, update)

	case db.StatusCanceled, db.StatusExpired, db.StatusRejected,
		db.StatusNew, db.StatusPartiallyFilled:
		if err := m.database.UpdateOrderStatus(ctx, update.ClientOrderID, update.Status); err != nil {
			log.Warn().Err(err).Str("order", update.ClientOrderID).Msg("ledger status update failed")
		}
	}
}

// announceFill emits position events for ledger-known fills. Notification
// delivery is best-effort and never blocks stream processing.
func (m *Manager) announceFill(ctx context.Context, update events.OrderUpdate) {
	order, err := m.database.GetOrderByClientID(ctx, update.ClientOrderID)
	if err != nil || order == nil {
		return // not an order this system placed
	}

	ev := events.PositionEvent{
		UserID:        update.UserID,
		Exchange:      order.Exchange,
		OrderID:       update.ExchangeOrderID,
		ClientOrderID: update.ClientOrderID,
		Symbol:        update.Symbol,
		Side:          update.Side,
		Qty:           update.ExecutedQty,
		AvgPrice:      update.AvgPrice,
		GroupID:       order.OrderGroupID,
		SignalID:      order.SignalID,
		PortfolioID:   order.PortfolioID,
		Timestamp:     time.Now(),
	}
	if ev.OrderID == "" {
		ev.OrderID = order.ExchangeOrderID
	}

	if order.OrderRole == db.RoleEntry {
		m.bus.Publish(events.TopicPositionOpened, ev)
		if m.notifier != nil {
			go m.notifier.PositionOpened(context.WithoutCancel(ctx), ev)
		}
		return
	}

	ev.ExitPrice = update.AvgPrice
	ev.CloseReason = order.OrderRole
	m.bus.Publish(events.TopicPositionClosed, ev)
	if m.notifier != nil {
		go m.notifier.PositionClosed(context.WithoutCancel(ctx), ev)
	}
}

func (m *Manager) publishStatus(s *session, state string, attempt int, detail string) {
	m.bus.Publish(events.TopicConnectionStatus, events.ConnectionStatus{
		Scope:    events.ScopeUserStream,
		UserID:   s.userID,
		State:    state,
		Attempt:  attempt,
		Detail:   detail,
		Occurred: time.Now(),
	})
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
