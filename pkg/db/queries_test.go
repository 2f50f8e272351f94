package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func entryOrder(user, symbol, group, status string) Order {
	return Order{
		ClientOrderID: group + "-entry",
		Exchange:      "binance",
		Symbol:        symbol,
		Side:          "BUY",
		Type:          "MARKET",
		Qty:           1.0,
		Price:         50000,
		ExecutedQty:   1.0,
		Status:        status,
		OrderTime:     time.Now(),
		OrderGroupID:  group,
		OrderRole:     RoleEntry,
		UserID:        user,
	}
}

func exitOrder(user, symbol, group, role, status string, qty float64) Order {
	return Order{
		ClientOrderID: group + "-" + role,
		Exchange:      "binance",
		Symbol:        symbol,
		Side:          "SELL",
		Type:          "MARKET",
		Qty:           qty,
		Price:         51000,
		ExecutedQty:   qty,
		Status:        status,
		OrderTime:     time.Now(),
		OrderGroupID:  group,
		OrderRole:     role,
		UserID:        user,
	}
}

func TestCountOpenEntries(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	if err := database.CreateOrder(ctx, entryOrder("u1", "BTCUSDT", "g1", StatusFilled)); err != nil {
		t.Fatalf("create entry: %v", err)
	}

	n, err := database.CountOpenEntries(ctx, "u1", "BTCUSDT", "binance")
	if err != nil {
		t.Fatalf("CountOpenEntries: %v", err)
	}
	if n != 1 {
		t.Fatalf("open entries = %d, expected 1", n)
	}

	// A canceled exit does not close the position.
	if err := database.CreateOrder(ctx, exitOrder("u1", "BTCUSDT", "g1", RoleStopLoss, StatusCanceled, 1.0)); err != nil {
		t.Fatalf("create canceled exit: %v", err)
	}
	n, _ = database.CountOpenEntries(ctx, "u1", "BTCUSDT", "binance")
	if n != 1 {
		t.Fatalf("open entries after canceled exit = %d, expected 1", n)
	}

	// A filled exit closes it.
	if err := database.CreateOrder(ctx, exitOrder("u1", "BTCUSDT", "g1", RoleManualSell, StatusFilled, 1.0)); err != nil {
		t.Fatalf("create filled exit: %v", err)
	}
	n, _ = database.CountOpenEntries(ctx, "u1", "BTCUSDT", "binance")
	if n != 0 {
		t.Fatalf("open entries after filled exit = %d, expected 0", n)
	}
}

func TestCountOpenEntriesIsolatedPerUser(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	if err := database.CreateOrder(ctx, entryOrder("u1", "BTCUSDT", "ga", StatusFilled)); err != nil {
		t.Fatalf("create entry: %v", err)
	}

	n, err := database.CountOpenEntries(ctx, "u2", "BTCUSDT", "binance")
	if err != nil {
		t.Fatalf("CountOpenEntries: %v", err)
	}
	if n != 0 {
		t.Fatalf("u2 open entries = %d, expected 0", n)
	}

	if _, err := database.CountOpenEntries(ctx, "", "BTCUSDT", "binance"); err != ErrUserIDRequired {
		t.Fatalf("expected ErrUserIDRequired, got %v", err)
	}
}

func TestUpdateOrderFill(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	o := entryOrder("u1", "ETHUSDT", "g2", StatusNew)
	o.ExecutedQty = 0
	if err := database.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}

	filledAt := time.Now()
	if err := database.UpdateOrderFill(ctx, o.ClientOrderID, StatusFilled, 1.0, 3000.5, filledAt); err != nil {
		t.Fatalf("UpdateOrderFill: %v", err)
	}

	got, err := database.GetOrderByClientID(ctx, o.ClientOrderID)
	if err != nil {
		t.Fatalf("GetOrderByClientID: %v", err)
	}
	if got == nil {
		t.Fatal("order not found after fill update")
	}
	if got.Status != StatusFilled || got.ExecutedQty != 1.0 || got.Price != 3000.5 {
		t.Fatalf("unexpected row after fill: status=%s qty=%v price=%v", got.Status, got.ExecutedQty, got.Price)
	}
	if got.FilledTime == nil {
		t.Fatal("filled_ts not set")
	}
}

func TestListOpenGroups(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	// g1: open (no exits). g2: closed by an expired SL plus filled TP.
	if err := database.CreateOrder(ctx, entryOrder("u1", "BTCUSDT", "g1", StatusFilled)); err != nil {
		t.Fatal(err)
	}
	if err := database.CreateOrder(ctx, entryOrder("u1", "ETHUSDT", "g2", StatusFilled)); err != nil {
		t.Fatal(err)
	}
	if err := database.CreateOrder(ctx, exitOrder("u1", "ETHUSDT", "g2", RoleTakeProfit1, StatusFilled, 1.0)); err != nil {
		t.Fatal(err)
	}

	open, err := database.ListOpenGroups(ctx)
	if err != nil {
		t.Fatalf("ListOpenGroups: %v", err)
	}
	if len(open) != 1 || open[0].OrderGroupID != "g1" {
		t.Fatalf("open groups = %+v, expected only g1", open)
	}
}

func TestListActiveTradingCredentials(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	if err := database.CreateUser(ctx, User{ID: "u1", Email: "a@x.io", IsTradingActive: true}); err != nil {
		t.Fatal(err)
	}
	if err := database.CreateUser(ctx, User{ID: "u2", Email: "b@x.io", IsTradingActive: false}); err != nil {
		t.Fatal(err)
	}
	for _, c := range []Credential{
		{ID: "c1", UserID: "u1", Exchange: "binance", APIKey: "k1", APISecret: "s1", IsActive: true},
		{ID: "c2", UserID: "u2", Exchange: "binance", APIKey: "k2", APISecret: "s2", IsActive: true},
	} {
		if err := database.CreateCredential(ctx, c); err != nil {
			t.Fatalf("create credential %s: %v", c.ID, err)
		}
	}

	creds, err := database.ListActiveTradingCredentials(ctx, "binance")
	if err != nil {
		t.Fatalf("ListActiveTradingCredentials: %v", err)
	}
	if len(creds) != 1 || creds[0].UserID != "u1" {
		t.Fatalf("creds = %+v, expected only u1", creds)
	}
}
