// Package reconcile answers "what trades exist and what is their P&L" from
// the order ledger, and provides the ledger-hygiene tooling for positions
// that no longer match the exchange.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradedesk/pkg/db"
	"tradedesk/pkg/exchanges/common"
)

// OversellTolerance is the slack allowed before exits exceeding the entry
// quantity are flagged as a bookkeeping violation.
const OversellTolerance = 0.01

// Config tunes P&L evaluation.
type Config struct {
	DustThreshold float64 // USD value below which a remainder counts as sold out
}

// Reconciler groups ledger orders into trades and computes P&L with
// batched market-price lookups.
type Reconciler struct {
	cfg      Config
	database *db.Database
	market   common.MarketData
}

// New builds a Reconciler.
func New(cfg Config, database *db.Database, market common.MarketData) *Reconciler {
	return &Reconciler{cfg: cfg, database: database, market: market}
}

// Summarize computes every trade for a user. Market prices are fetched
// once per distinct symbol across the whole batch.
func (r *Reconciler) Summarize(ctx context.Context, userID string) (Summary, error) {
	orders, err := r.database.ListOrdersByUser(ctx, userID)
	if err != nil {
		return Summary{}, fmt.Errorf("list orders: %w", err)
	}

	groups := make(map[string][]db.Order)
	var order []string
	for _, o := range orders {
		if o.OrderGroupID == "" {
			continue
		}
		if _, ok := groups[o.OrderGroupID]; !ok {
			order = append(order, o.OrderGroupID)
		}
		groups[o.OrderGroupID] = append(groups[o.OrderGroupID], o)
	}

	prices := newPriceCache(r.market)
	summary := Summary{}
	for _, gid := range order {
		trade, ok := r.buildTrade(ctx, gid, groups[gid], prices)
		if !ok {
			continue // group without an entry; nothing to price
		}
		summary.Trades = append(summary.Trades, trade)
		summary.TotalRealized += trade.RealizedPnl
		summary.TotalUnreal += trade.UnrealizedPnl
		if trade.Complete {
			summary.CompleteCount++
		} else {
			summary.OpenCount++
		}
		if trade.IntegrityWarning != "" {
			summary.FlaggedCount++
		}
	}
	return summary, nil
}

func (r *Reconciler) buildTrade(ctx context.Context, groupID string, orders []db.Order, prices *priceCache) (Trade, bool) {
	var entry *db.Order
	var exits []db.Order
	for i := range orders {
		if orders[i].OrderRole == db.RoleEntry {
			entry = &orders[i]
		} else {
			exits = append(exits, orders[i])
		}
	}
	if entry == nil {
		return Trade{}, false
	}

	t := Trade{
		GroupID:    groupID,
		UserID:     entry.UserID,
		Symbol:     entry.Symbol,
		Entry:      *entry,
		Exits:      len(exits),
		EntryPrice: entry.Price,
		EntryQty:   entry.ExecutedQty,
	}
	t.EntryCost = t.EntryPrice * t.EntryQty

	allTerminal := true
	for _, e := range exits {
		if !db.IsTerminalStatus(e.Status) {
			allTerminal = false
		}
		switch e.Status {
		case db.StatusCanceled, db.StatusRejected, db.StatusExpired:
			continue
		}
		t.SellProceeds += e.Price * e.ExecutedQty
		t.RealizedQty += e.ExecutedQty
	}

	// Exits beyond the entry quantity are impossible under correct
	// bookkeeping; cap for display but keep the raw figure.
	if t.EntryQty > 0 && t.RealizedQty > t.EntryQty*(1+OversellTolerance) {
		t.RawRealizedQty = t.RealizedQty
		t.RealizedQty = t.EntryQty
		t.IntegrityWarning = fmt.Sprintf(
			"realized quantity %.8f exceeds entry quantity %.8f; capped", t.RawRealizedQty, t.EntryQty)
		log.Warn().Str("group", groupID).Str("symbol", t.Symbol).Msg(t.IntegrityWarning)
	}

	t.RemainingQty = t.EntryQty - t.RealizedQty
	if t.RemainingQty < 0 {
		t.RemainingQty = 0
	}

	mkt, err := prices.get(ctx, t.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", t.Symbol).Msg("market price unavailable; unrealized pnl omitted")
		mkt = 0
	}
	t.MarketPrice = mkt

	// A remainder is only provably dust when we have a live price for it.
	remainderGone := t.RemainingQty <= 1e-9 || (mkt > 0 && t.RemainingQty*mkt < r.cfg.DustThreshold)
	if allTerminal && remainderGone {
		t.Complete = true
		t.RealizedPnl = t.SellProceeds - t.EntryCost
		t.UnrealizedPnl = 0
	} else {
		t.RealizedPnl = t.SellProceeds - t.RealizedQty*t.EntryPrice
		if mkt > 0 {
			t.UnrealizedPnl = (mkt - t.EntryPrice) * t.RemainingQty
		}
	}
	if t.EntryCost > 0 {
		t.RealizedPct = t.RealizedPnl / t.EntryCost * 100
		t.UnrealizedPct = t.UnrealizedPnl / t.EntryCost * 100
	}
	return t, true
}

// EntryVWAP derives an entry price from raw exchange trade history when the
// ledger cannot provide one. Only fills after the most recent full exit of
// the symbol participate, so a closed position's history never contaminates
// a new position's entry price.
func EntryVWAP(ctx context.Context, gw common.Gateway, symbol string, limit int) (float64, error) {
	trades, err := gw.MyTrades(ctx, symbol, limit)
	if err != nil {
		return 0, fmt.Errorf("trade history: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].Time.Before(trades[j].Time) })

	// Walk forward tracking the net position; each time it returns to
	// (near) zero, everything before is a closed chapter.
	const epsilon = 1e-9
	position := 0.0
	boundary := 0
	for i, tr := range trades {
		if tr.IsBuyer {
			position += tr.Qty
		} else {
			position -= tr.Qty
		}
		if position <= epsilon {
			position = 0
			boundary = i + 1
		}
	}

	var cost, qty float64
	for _, tr := range trades[boundary:] {
		if !tr.IsBuyer {
			continue
		}
		cost += tr.Price * tr.Qty
		qty += tr.Qty
	}
	if qty == 0 {
		return 0, nil
	}
	return cost / qty, nil
}

// OpenLedgerGroups lists entries with no terminal exit, for operational
// tooling.
func (r *Reconciler) OpenLedgerGroups(ctx context.Context) ([]db.Order, error) {
	return r.database.ListOpenGroups(ctx)
}

// ForceClose inserts a synthetic terminal exit for a stale ledger group.
// Used when the exchange shows no actual holding behind an "open" entry.
func (r *Reconciler) ForceClose(ctx context.Context, groupID, note string) error {
	orders, err := r.database.ListOrdersByGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("load group: %w", err)
	}
	var entry *db.Order
	for i := range orders {
		if orders[i].OrderRole == db.RoleEntry {
			entry = &orders[i]
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("group %s has no entry order", groupID)
	}

	now := time.Now()
	synthetic := db.Order{
		ClientOrderID: "admin-" + uuid.NewString(),
		Exchange:      entry.Exchange,
		Symbol:        entry.Symbol,
		Side:          string(common.SideSell),
		Type:          string(common.OrderTypeMarket),
		Qty:           entry.ExecutedQty,
		ExecutedQty:   entry.ExecutedQty,
		Price:         0,
		Status:        db.StatusFilled,
		OrderTime:     now,
		FilledTime:    &now,
		OrderGroupID:  groupID,
		OrderRole:     db.RoleAdminCleanup,
		ParentOrderID: entry.ClientOrderID,
		UserID:        entry.UserID,
		Note:          note,
	}
	if err := r.database.CreateOrder(ctx, synthetic); err != nil {
		return fmt.Errorf("insert synthetic exit: %w", err)
	}
	log.Info().Str("group", groupID).Str("symbol", entry.Symbol).Msg("ledger group force-closed")
	return nil
}

// priceCache memoizes per-symbol price lookups within one batch.
type priceCache struct {
	market common.MarketData
	seen   map[string]float64
	errs   map[string]error
}

func newPriceCache(market common.MarketData) *priceCache {
	return &priceCache{market: market, seen: make(map[string]float64), errs: make(map[string]error)}
}

func (p *priceCache) get(ctx context.Context, symbol string) (float64, error) {
	if v, ok := p.seen[symbol]; ok {
		return v, nil
	}
	if err, ok := p.errs[symbol]; ok {
		return 0, err
	}
	v, err := p.market.Price(ctx, symbol)
	if err != nil {
		p.errs[symbol] = err
		return 0, err
	}
	p.seen[symbol] = v
	return v, nil
}
