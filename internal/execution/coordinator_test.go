package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradedesk/internal/credhealth"
	"tradedesk/internal/gateway"
	"tradedesk/pkg/db"
	"tradedesk/pkg/exchanges/common"
)

type stubExecGateway struct {
	common.Gateway

	balances []common.Balance
	balErr   error
	rules    common.SymbolRules
	placeErr error
	mu       sync.Mutex
	requests []common.OrderRequest
}

func (g *stubExecGateway) Name() string { return "binance" }

func (g *stubExecGateway) Balances(context.Context) ([]common.Balance, error) {
	return g.balances, g.balErr
}

func (g *stubExecGateway) SymbolRules(context.Context, string) (common.SymbolRules, error) {
	return g.rules, nil
}

func (g *stubExecGateway) PlaceOrder(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.placeErr != nil {
		return common.OrderResult{}, g.placeErr
	}
	return common.OrderResult{
		ExchangeOrderID: "42",
		ClientID:        req.ClientID,
		Status:          common.StatusNew,
	}, nil
}

type stubResolver struct {
	gateways map[string]common.Gateway // by user id
}

func (r *stubResolver) Resolve(_ context.Context, userID, _ string) (gateway.Resolution, error) {
	gw, ok := r.gateways[userID]
	if !ok {
		return gateway.Resolution{Kind: gateway.ResolvedNone}, nil
	}
	return gateway.Resolution{Kind: gateway.ResolvedUserCredential, Gateway: gw,
		Credential: &db.Credential{ID: "cred-" + userID, UserID: userID, Exchange: "binance"}}, nil
}

func (r *stubResolver) RecordFailure(string) {}
func (r *stubResolver) RecordSuccess(string) {}

type stubPrices struct{ price float64 }

func (p stubPrices) Klines(context.Context, string, string, int) ([]common.Candle, error) {
	return nil, nil
}
func (p stubPrices) Ticker(context.Context, string) (common.Ticker, error) {
	return common.Ticker{}, nil
}
func (p stubPrices) Price(context.Context, string) (float64, error) { return p.price, nil }

func defaultRules() common.SymbolRules {
	return common.SymbolRules{StepSize: 0.001, MinQty: 0.001, MaxQty: 10000, MinNotional: 10}
}

func newTestCoordinator(t *testing.T, gws map[string]common.Gateway) (*Coordinator, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	c := newCoordinator(DefaultConfig(), database, &stubResolver{gateways: gws},
		credhealth.New(5), stubPrices{price: 50})
	return c, database
}

func seedTradingUser(t *testing.T, database *db.Database, userID string) {
	t.Helper()
	if err := database.CreateUser(context.Background(), db.User{ID: userID, Email: userID + "@test", IsTradingActive: true}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	err := database.CreateCredential(context.Background(), db.Credential{
		ID: "cred-" + userID, UserID: userID, Exchange: "binance",
		APIKey: "k", APISecret: "s", IsActive: true,
	})
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}
}

func freshSignal(side string) Signal {
	return Signal{ID: "sig-1", Exchange: "binance", Symbol: "ETHUSDT", Side: side, Timestamp: time.Now()}
}

func TestPrecisionTruncation(t *testing.T) {
	cases := []struct {
		step     float64
		raw      float64
		decimals int
		want     float64
	}{
		{0.001, 0.0456789, 3, 0.045},
		{0.1, 4.98, 1, 4.9},
		{1, 2.9, 0, 2},
		{0.00000001, 0.123456789, 8, 0.12345678},
	}
	for _, tc := range cases {
		if got := decimalPlaces(tc.step); got != tc.decimals {
			t.Errorf("decimalPlaces(%v) = %d, want %d", tc.step, got, tc.decimals)
		}
		if got := truncate(tc.raw, tc.decimals); got != tc.want {
			t.Errorf("truncate(%v, %d) = %v, want %v", tc.raw, tc.decimals, got, tc.want)
		}
	}
}

func TestSellSignalsRejected(t *testing.T) {
	gw := &stubExecGateway{rules: defaultRules()}
	c, database := newTestCoordinator(t, map[string]common.Gateway{"u1": gw})
	seedTradingUser(t, database, "u1")

	results, err := c.PlaceForAllUsers(context.Background(), freshSignal("SELL"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != OutcomeRejected || results[0].Reason != ReasonSellDisabled {
		t.Fatalf("results = %+v", results)
	}
	if len(gw.requests) != 0 {
		t.Fatal("sell must never reach the exchange")
	}
}

func TestStaleSignalRejected(t *testing.T) {
	gw := &stubExecGateway{rules: defaultRules()}
	c, database := newTestCoordinator(t, map[string]common.Gateway{"u1": gw})
	seedTradingUser(t, database, "u1")

	sig := freshSignal("BUY")
	sig.Timestamp = time.Now().Add(-10 * time.Minute)
	results, _ := c.PlaceForAllUsers(context.Background(), sig)
	if results[0].Outcome != OutcomeRejected || results[0].Reason != ReasonStaleSignal {
		t.Fatalf("results = %+v", results)
	}
}

func TestOpenPositionLedgerGuard(t *testing.T) {
	gw := &stubExecGateway{rules: defaultRules(),
		balances: []common.Balance{{Asset: "USDT", Free: 1000}}}
	c, database := newTestCoordinator(t, map[string]common.Gateway{"u1": gw})
	seedTradingUser(t, database, "u1")

	// Open FILLED entry with no exit blocks a new buy.
	err := database.CreateOrder(context.Background(), db.Order{
		ClientOrderID: "e1", Exchange: "binance", Symbol: "ETHUSDT", Side: "BUY",
		Type: "MARKET", Qty: 1, ExecutedQty: 1, Status: db.StatusFilled,
		OrderTime: time.Now(), OrderGroupID: "g1", OrderRole: db.RoleEntry, UserID: "u1",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	results, _ := c.PlaceForAllUsers(context.Background(), freshSignal("BUY"))
	if results[0].Outcome != OutcomeRejected || results[0].Reason != ReasonOpenPosition {
		t.Fatalf("results = %+v", results)
	}
}

func TestOpenPositionBalanceGuardWithEmptyLedger(t *testing.T) {
	// No ledger history, but the user still holds 2 ETH (above dust at $50).
	gw := &stubExecGateway{rules: defaultRules(),
		balances: []common.Balance{{Asset: "ETH", Free: 2}, {Asset: "USDT", Free: 1000}}}
	c, database := newTestCoordinator(t, map[string]common.Gateway{"u1": gw})
	seedTradingUser(t, database, "u1")

	results, _ := c.PlaceForAllUsers(context.Background(), freshSignal("BUY"))
	if results[0].Outcome != OutcomeRejected || results[0].Reason != ReasonOpenPosition {
		t.Fatalf("results = %+v", results)
	}
}

func TestOpenPositionCheckFailsClosed(t *testing.T) {
	gw := &stubExecGateway{rules: defaultRules(), balErr: errors.New("exchange down")}
	c, database := newTestCoordinator(t, map[string]common.Gateway{"u1": gw})
	seedTradingUser(t, database, "u1")

	results, _ := c.PlaceForAllUsers(context.Background(), freshSignal("BUY"))
	if results[0].Outcome != OutcomeRejected || results[0].Reason != ReasonOpenPosition {
		t.Fatalf("expected fail-closed rejection, got %+v", results)
	}
}

func TestSizingAndPersistence(t *testing.T) {
	gw := &stubExecGateway{
		rules:    common.SymbolRules{StepSize: 0.1, MinQty: 0.1, MaxQty: 1000, MinNotional: 10},
		balances: []common.Balance{{Asset: "USDT", Free: 1000}},
	}
	c, database := newTestCoordinator(t, map[string]common.Gateway{"u1": gw})
	seedTradingUser(t, database, "u1")

	results, _ := c.PlaceForAllUsers(context.Background(), freshSignal("BUY"))
	r := results[0]
	if r.Outcome != OutcomePlaced {
		t.Fatalf("result = %+v", r)
	}
	// 1000 * 0.25 * 0.99 / 50 = 4.95, truncated at step 0.1 -> 4.9.
	if r.Qty != 4.9 || r.Price != 50 {
		t.Fatalf("sizing = qty %v price %v, want 4.9 @ 50", r.Qty, r.Price)
	}

	order, err := database.GetOrderByClientID(context.Background(), r.ClientOrderID)
	if err != nil || order == nil {
		t.Fatalf("persisted order missing: %v", err)
	}
	if order.OrderRole != db.RoleEntry || order.OrderGroupID != r.GroupID || order.SignalID != "sig-1" {
		t.Fatalf("persisted order = %+v", order)
	}
}

func TestFixedNotionalSizing(t *testing.T) {
	gw := &stubExecGateway{rules: defaultRules(),
		balances: []common.Balance{{Asset: "USDT", Free: 1000}}}
	c, database := newTestCoordinator(t, map[string]common.Gateway{"u1": gw})
	seedTradingUser(t, database, "u1")

	sig := freshSignal("BUY")
	sig.SizeUSD = 100
	results, _ := c.PlaceForAllUsers(context.Background(), sig)
	if results[0].Outcome != OutcomePlaced {
		t.Fatalf("result = %+v", results[0])
	}
	if results[0].Qty != 2 { // 100 / 50
		t.Fatalf("qty = %v, want 2", results[0].Qty)
	}
}

func TestMinNotionalRejection(t *testing.T) {
	gw := &stubExecGateway{rules: defaultRules(),
		balances: []common.Balance{{Asset: "USDT", Free: 1000}}}
	c, database := newTestCoordinator(t, map[string]common.Gateway{"u1": gw})
	seedTradingUser(t, database, "u1")

	sig := freshSignal("BUY")
	sig.SizeUSD = 5 // below the $10 exchange minimum
	results, _ := c.PlaceForAllUsers(context.Background(), sig)
	if results[0].Outcome != OutcomeRejected {
		t.Fatalf("result = %+v", results[0])
	}
	if len(gw.requests) != 0 {
		t.Fatal("invalid order must not reach the exchange")
	}
}

func TestAllSettledAcrossUsers(t *testing.T) {
	good := &stubExecGateway{rules: defaultRules(),
		balances: []common.Balance{{Asset: "USDT", Free: 1000}}}
	bad := &stubExecGateway{rules: defaultRules(),
		balances: []common.Balance{{Asset: "USDT", Free: 1000}},
		placeErr: errors.New("rate limited")}

	c, database := newTestCoordinator(t, map[string]common.Gateway{"u1": good, "u2": bad})
	seedTradingUser(t, database, "u1")
	seedTradingUser(t, database, "u2")

	results, err := c.PlaceForAllUsers(context.Background(), freshSignal("BUY"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}

	outcomes := map[string]string{}
	for _, r := range results {
		outcomes[r.UserID] = r.Outcome
	}
	if outcomes["u1"] != OutcomePlaced {
		t.Fatalf("u1 = %s, want placed (one failure must not abort siblings)", outcomes["u1"])
	}
	if outcomes["u2"] != OutcomeFailed {
		t.Fatalf("u2 = %s, want failed", outcomes["u2"])
	}
}

func TestQuarantinedCredentialsSkippedWithFallback(t *testing.T) {
	gw := &stubExecGateway{rules: defaultRules(),
		balances: []common.Balance{{Asset: "USDT", Free: 1000}}}
	c, database := newTestCoordinator(t, map[string]common.Gateway{"u1": gw, "u2": gw})
	seedTradingUser(t, database, "u1")
	seedTradingUser(t, database, "u2")

	for i := 0; i < 5; i++ {
		c.health.RecordFailure("u2", "binance", "bad key")
	}
	results, _ := c.PlaceForAllUsers(context.Background(), freshSignal("BUY"))
	if len(results) != 1 || results[0].UserID != "u1" {
		t.Fatalf("quarantined user must be excluded: %+v", results)
	}

	// With every credential quarantined the coordinator attempts all.
	for i := 0; i < 5; i++ {
		c.health.RecordFailure("u1", "binance", "bad key")
	}
	results, _ = c.PlaceForAllUsers(context.Background(), freshSignal("BUY"))
	if len(results) != 2 {
		t.Fatalf("expected stale-quarantine fallback to attempt all, got %+v", results)
	}
}

func TestDuplicateActiveCredentialsPlaceOnce(t *testing.T) {
	gw := &stubExecGateway{rules: defaultRules(),
		balances: []common.Balance{{Asset: "USDT", Free: 1000}}}
	c, database := newTestCoordinator(t, map[string]common.Gateway{"u1": gw})
	seedTradingUser(t, database, "u1")

	// A second active row for the same user and exchange, as left behind
	// by a rotation that never deactivated the old key.
	err := database.CreateCredential(context.Background(), db.Credential{
		ID: "cred-u1-old", UserID: "u1", Exchange: "binance",
		APIKey: "k2", APISecret: "s2", IsActive: true,
	})
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}

	results, err := c.PlaceForAllUsers(context.Background(), freshSignal("BUY"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != OutcomePlaced {
		t.Fatalf("one signal must map to one order per user, got %+v", results)
	}

	gw.mu.Lock()
	sent := len(gw.requests)
	gw.mu.Unlock()
	if sent != 1 {
		t.Fatalf("orders sent to exchange = %d, want 1", sent)
	}
}
