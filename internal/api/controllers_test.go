package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradedesk/internal/credhealth"
	"tradedesk/internal/events"
	"tradedesk/internal/execution"
	"tradedesk/internal/gateway"
	"tradedesk/internal/reconcile"
	"tradedesk/pkg/crypto"
	"tradedesk/pkg/db"
	"tradedesk/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

type staticPrices struct{ price float64 }

func (p staticPrices) Klines(context.Context, string, string, int) ([]common.Candle, error) {
	return nil, nil
}

func (p staticPrices) Ticker(context.Context, string) (common.Ticker, error) {
	return common.Ticker{}, nil
}

func (p staticPrices) Price(context.Context, string) (float64, error) {
	return p.price, nil
}

func newTestServer(t *testing.T) (*Server, *db.Database) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cipher, err := crypto.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	s := NewServer(Deps{
		Bus:         events.NewBus(),
		DB:          database,
		Cipher:      cipher,
		Reconciler:  reconcile.New(reconcile.Config{DustThreshold: 1}, database, staticPrices{price: 50000}),
		Health:      credhealth.New(5),
		JWTSecret:   "test-secret",
		SignalToken: "hook-token",
		Meta:        SystemMeta{Exchange: "binance", Testnet: true},
	})
	return s, database
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func registerAndLogin(t *testing.T, s *Server) (userID, token string) {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/v1/auth/register",
		gin.H{"email": "trader@example.com", "password": "hunter22"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodPost, "/api/v1/auth/login",
		gin.H{"email": "trader@example.com", "password": "hunter22"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.UserID, resp.Token
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
}

func TestRegisterLoginAndProtectedAccess(t *testing.T) {
	s, _ := newTestServer(t)
	_, token := registerAndLogin(t, s)

	// Without a token the protected API refuses.
	w := doJSON(t, s, http.MethodGet, "/api/v1/credentials", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d, want 401", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/api/v1/credentials", nil, bearer(token))
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated = %d: %s", w.Code, w.Body.String())
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	s, _ := newTestServer(t)
	registerAndLogin(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/v1/auth/register",
		gin.H{"email": "trader@example.com", "password": "other"}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate register = %d, want 409", w.Code)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	s, _ := newTestServer(t)
	registerAndLogin(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/v1/auth/login",
		gin.H{"email": "trader@example.com", "password": "wrong"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password = %d, want 401", w.Code)
	}
}

func TestCreateCredentialEncryptsAtRest(t *testing.T) {
	s, database := newTestServer(t)
	userID, token := registerAndLogin(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/v1/credentials",
		gin.H{"exchange": "binance", "label": "main", "api_key": "AK", "api_secret": "SK"},
		bearer(token))
	if w.Code != http.StatusCreated {
		t.Fatalf("create credential = %d: %s", w.Code, w.Body.String())
	}

	cred, err := database.GetCredential(t.Context(), userID, "binance")
	if err != nil || cred == nil {
		t.Fatalf("credential not stored: %v", err)
	}
	if cred.APIKey == "AK" || cred.APISecret == "SK" {
		t.Fatal("key material stored in plaintext")
	}
	if !crypto.IsEncrypted(cred.APIKey) {
		t.Fatalf("api key not in encrypted envelope: %q", cred.APIKey)
	}

	// The listing must never leak key material.
	w = doJSON(t, s, http.MethodGet, "/api/v1/credentials", nil, bearer(token))
	if bytes.Contains(w.Body.Bytes(), []byte("api_key")) || bytes.Contains(w.Body.Bytes(), []byte(cred.APIKey)) {
		t.Fatalf("credential listing leaks keys: %s", w.Body.String())
	}
}

func TestCreateCredentialRetiresPriorKey(t *testing.T) {
	s, database := newTestServer(t)
	userID, token := registerAndLogin(t, s)

	for _, label := range []string{"old", "new"} {
		w := doJSON(t, s, http.MethodPost, "/api/v1/credentials",
			gin.H{"exchange": "binance", "label": label, "api_key": "AK-" + label, "api_secret": "SK"},
			bearer(token))
		if w.Code != http.StatusCreated {
			t.Fatalf("create credential %q = %d: %s", label, w.Code, w.Body.String())
		}
	}

	creds, err := database.ListCredentialsByUser(t.Context(), userID)
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	active := 0
	for _, c := range creds {
		if c.IsActive {
			active++
			if c.Label != "new" {
				t.Fatalf("active credential = %q, want the replacement", c.Label)
			}
		}
	}
	if active != 1 {
		t.Fatalf("active credentials = %d, want exactly 1", active)
	}
}

func TestDeactivateCredentialEnforcesOwnership(t *testing.T) {
	s, database := newTestServer(t)
	_, token := registerAndLogin(t, s)

	// Credential owned by someone else.
	other := db.User{ID: "other-user", Email: "other@example.com"}
	if err := database.CreateUser(t.Context(), other); err != nil {
		t.Fatalf("create other user: %v", err)
	}
	cred := db.Credential{ID: "cred-other", UserID: other.ID, Exchange: "binance",
		APIKey: "k", APISecret: "s", IsActive: true}
	if err := database.CreateCredential(t.Context(), cred); err != nil {
		t.Fatalf("create credential: %v", err)
	}

	w := doJSON(t, s, http.MethodDelete, "/api/v1/credentials/cred-other", nil, bearer(token))
	if w.Code != http.StatusForbidden {
		t.Fatalf("cross-user delete = %d, want 403", w.Code)
	}
}

func TestSignalRequiresToken(t *testing.T) {
	s, _ := newTestServer(t)
	s.Coordinator = nil // not under test here

	w := doJSON(t, s, http.MethodPost, "/api/v1/signals",
		gin.H{"symbol": "BTCUSDT", "side": "BUY"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated signal = %d, want 401", w.Code)
	}

	// With the webhook token the request is authorized; the coordinator is
	// absent so the server reports unavailable rather than rejecting auth.
	w = doJSON(t, s, http.MethodPost, "/api/v1/signals",
		gin.H{"symbol": "BTCUSDT", "side": "BUY"},
		map[string]string{"X-Signal-Token": "hook-token"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("signal with token = %d, want 503: %s", w.Code, w.Body.String())
	}
}

func TestSignalCarriesCallerTimestamp(t *testing.T) {
	s, database := newTestServer(t)
	s.Coordinator = execution.NewCoordinator(execution.DefaultConfig(), database,
		nil, credhealth.New(5), staticPrices{price: 50000})

	if err := database.CreateUser(t.Context(), db.User{ID: "u1", IsTradingActive: true}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	err := database.CreateCredential(t.Context(), db.Credential{
		ID: "cred-u1", UserID: "u1", Exchange: "binance",
		APIKey: "k", APISecret: "s", IsActive: true,
	})
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}

	// A webhook replayed ten minutes late must be rejected as stale, not
	// restamped with the arrival time.
	w := doJSON(t, s, http.MethodPost, "/api/v1/signals",
		gin.H{"symbol": "BTCUSDT", "side": "BUY",
			"timestamp": time.Now().Add(-10 * time.Minute).Format(time.RFC3339)},
		map[string]string{"X-Signal-Token": "hook-token"})
	if w.Code != http.StatusOK {
		t.Fatalf("signal = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Placed  int `json:"placed"`
		Results []struct {
			Outcome string `json:"outcome"`
			Reason  string `json:"reason"`
		} `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Placed != 0 || len(resp.Results) != 1 {
		t.Fatalf("stale signal must not place orders: %s", w.Body.String())
	}
	if resp.Results[0].Outcome != execution.OutcomeRejected || resp.Results[0].Reason != execution.ReasonStaleSignal {
		t.Fatalf("result = %+v, want stale rejection", resp.Results[0])
	}
}

func TestForceCloseRejectsForeignGroup(t *testing.T) {
	s, database := newTestServer(t)
	_, token := registerAndLogin(t, s)

	if err := database.CreateUser(t.Context(), db.User{ID: "owner", Email: "owner@example.com"}); err != nil {
		t.Fatalf("create owner: %v", err)
	}
	order := db.Order{
		ClientOrderID: "e1", Exchange: "binance", Symbol: "BTCUSDT", Side: "BUY",
		Type: "MARKET", Qty: 1, ExecutedQty: 1, Price: 40000, Status: db.StatusFilled,
		OrderTime: time.Now(), OrderGroupID: "g1", OrderRole: db.RoleEntry, UserID: "owner",
	}
	if err := database.CreateOrder(t.Context(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	w := doJSON(t, s, http.MethodPost, "/api/v1/positions/g1/close",
		gin.H{"note": "stale"}, bearer(token))
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign force-close = %d, want 403", w.Code)
	}
}

type stubCancelGateway struct {
	common.Gateway

	canceled  []string
	sweeps    []string
	cancelErr error
}

func (g *stubCancelGateway) CancelOrder(_ context.Context, _, exchangeOrderID string) error {
	g.canceled = append(g.canceled, exchangeOrderID)
	return g.cancelErr
}

func (g *stubCancelGateway) CancelOpenOrders(_ context.Context, symbol string) error {
	g.sweeps = append(g.sweeps, symbol)
	return nil
}

func TestCancelOpenExitsTargetsRestingOrders(t *testing.T) {
	now := time.Now()
	orders := []db.Order{
		{ClientOrderID: "e1", Symbol: "BTCUSDT", Status: db.StatusFilled,
			OrderRole: db.RoleEntry, ExchangeOrderID: "1", OrderTime: now},
		{ClientOrderID: "tp1", Symbol: "BTCUSDT", Status: db.StatusNew,
			OrderRole: db.RoleTakeProfit1, ExchangeOrderID: "7", OrderTime: now},
		{ClientOrderID: "tp2", Symbol: "BTCUSDT", Status: db.StatusFilled,
			OrderRole: db.RoleTakeProfit2, ExchangeOrderID: "8", OrderTime: now},
	}

	gw := &stubCancelGateway{}
	cancelOpenExits(context.Background(), gw, orders)

	if len(gw.canceled) != 1 || gw.canceled[0] != "7" {
		t.Fatalf("canceled = %v, want only the resting exit", gw.canceled)
	}
	if len(gw.sweeps) != 0 {
		t.Fatalf("sweeps = %v, targeted cancels must not sweep", gw.sweeps)
	}
}

func TestCancelOpenExitsSweepsOnFailure(t *testing.T) {
	now := time.Now()
	orders := []db.Order{
		{ClientOrderID: "e1", Symbol: "BTCUSDT", Status: db.StatusFilled,
			OrderRole: db.RoleEntry, ExchangeOrderID: "1", OrderTime: now},
		{ClientOrderID: "sl", Symbol: "BTCUSDT", Status: db.StatusNew,
			OrderRole: db.RoleStopLoss, OrderTime: now}, // never acked, no exchange id
	}

	gw := &stubCancelGateway{}
	cancelOpenExits(context.Background(), gw, orders)
	if len(gw.sweeps) != 1 || gw.sweeps[0] != "BTCUSDT" {
		t.Fatalf("sweeps = %v, want symbol sweep for untargetable exit", gw.sweeps)
	}
}

func TestEntryVWAPEndpointGuards(t *testing.T) {
	s, database := newTestServer(t)
	userID, token := registerAndLogin(t, s)
	s.Pool = gateway.NewManager(database, nil, gateway.DefaultConfig())

	w := doJSON(t, s, http.MethodGet, "/api/v1/trades/entry-vwap", nil, bearer(token))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing symbol = %d, want 400", w.Code)
	}

	// No active credential at all: nothing to query the exchange with.
	w = doJSON(t, s, http.MethodGet, "/api/v1/trades/entry-vwap?symbol=BTCUSDT", nil, bearer(token))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("no credential = %d, want 503: %s", w.Code, w.Body.String())
	}

	// A quarantined credential must not be picked either.
	err := database.CreateCredential(t.Context(), db.Credential{
		ID: "c1", UserID: userID, Exchange: "binance",
		APIKey: "k", APISecret: "s", IsActive: true,
	})
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}
	for i := 0; i < 5; i++ {
		s.Health.RecordFailure(userID, "binance", "bad key")
	}
	w = doJSON(t, s, http.MethodGet, "/api/v1/trades/entry-vwap?symbol=BTCUSDT", nil, bearer(token))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("quarantined credential = %d, want 503: %s", w.Code, w.Body.String())
	}
}

func TestTradesEndpointReturnsSummary(t *testing.T) {
	s, database := newTestServer(t)
	userID, token := registerAndLogin(t, s)

	now := time.Now()
	if err := database.CreateOrder(t.Context(), db.Order{
		ClientOrderID: "e1", Exchange: "binance", Symbol: "BTCUSDT", Side: "BUY",
		Type: "MARKET", Qty: 1, ExecutedQty: 1, Price: 40000, Status: db.StatusFilled,
		OrderTime: now, OrderGroupID: "g1", OrderRole: db.RoleEntry, UserID: userID,
	}); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	w := doJSON(t, s, http.MethodGet, "/api/v1/trades", nil, bearer(token))
	if w.Code != http.StatusOK {
		t.Fatalf("trades = %d: %s", w.Code, w.Body.String())
	}
	var summary reconcile.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if len(summary.Trades) != 1 || summary.OpenCount != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}
