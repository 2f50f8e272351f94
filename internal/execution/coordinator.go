// Package execution turns trading signals into correctly-sized entry orders
// across every eligible active-trading account.
package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradedesk/internal/credhealth"
	"tradedesk/internal/gateway"
	"tradedesk/pkg/db"
	"tradedesk/pkg/exchanges/common"
)

// Config tunes sizing and guard behavior.
type Config struct {
	SizePct        float64       // share of the quote balance per entry
	SlippageBuffer float64       // sizing reduction to absorb slippage
	SignalMaxAge   time.Duration // reject signals older than this
	DustThreshold  float64       // USD value below which a holding is dust
	QuoteAsset     string        // e.g. USDT
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SizePct:        0.25,
		SlippageBuffer: 0.01,
		SignalMaxAge:   5 * time.Minute,
		DustThreshold:  1.0,
		QuoteAsset:     "USDT",
	}
}

// resolver is the credential-resolution surface of the gateway pool.
type resolver interface {
	Resolve(ctx context.Context, userID, exchange string) (gateway.Resolution, error)
	RecordFailure(credentialID string)
	RecordSuccess(credentialID string)
}

// Coordinator fans signals out with all-settled semantics.
type Coordinator struct {
	cfg      Config
	database *db.Database
	pool     resolver
	health   *credhealth.Tracker
	market   common.MarketData
	now      func() time.Time
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(cfg Config, database *db.Database, pool *gateway.Manager, health *credhealth.Tracker, market common.MarketData) *Coordinator {
	return newCoordinator(cfg, database, pool, health, market)
}

func newCoordinator(cfg Config, database *db.Database, pool resolver, health *credhealth.Tracker, market common.MarketData) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		database: database,
		pool:     pool,
		health:   health,
		market:   market,
		now:      time.Now,
	}
}

// PlaceForAllUsers ranks active-trading credentials by health and places
// for the healthy ones; if none are healthy it falls back to attempting
// all in ranked order, in case the quarantine is stale. Placements run in
// parallel and every result is collected.
func (c *Coordinator) PlaceForAllUsers(ctx context.Context, sig Signal) ([]Result, error) {
	creds, err := c.database.ListActiveTradingCredentials(ctx, sig.Exchange)
	if err != nil {
		return nil, fmt.Errorf("list active credentials: %w", err)
	}
	if len(creds) == 0 {
		return nil, nil
	}

	byUser := make(map[string]db.Credential, len(creds))
	candidates := make([]credhealth.Candidate, 0, len(creds))
	for _, cred := range creds {
		byUser[cred.UserID] = cred
		candidates = append(candidates, credhealth.Candidate{UserID: cred.UserID, Exchange: cred.Exchange})
	}

	ranked := c.health.SortByHealth(candidates)
	eligible := make([]db.Credential, 0, len(ranked))
	for _, r := range ranked {
		if c.health.IsHealthy(r.UserID, r.Exchange) {
			eligible = append(eligible, byUser[r.UserID])
		}
	}
	if len(eligible) == 0 {
		log.Warn().Str("symbol", sig.Symbol).Msg("all credentials quarantined; attempting all")
		for _, r := range ranked {
			eligible = append(eligible, byUser[r.UserID])
		}
	}

	results := make([]Result, len(eligible))
	var wg sync.WaitGroup
	for i := range eligible {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.placeForUser(ctx, sig, eligible[i])
		}(i)
	}
	wg.Wait()
	return results, nil
}

// placeForUser runs the full per-user placement pipeline. Guards reject
// with structured reasons; exchange errors fail the one user only.
func (c *Coordinator) placeForUser(ctx context.Context, sig Signal, cred db.Credential) Result {
	res := Result{UserID: cred.UserID}

	if strings.EqualFold(sig.Side, "SELL") {
		res.Outcome = OutcomeRejected
		res.Reason = ReasonSellDisabled
		return res
	}
	if age := c.now().Sub(sig.Timestamp); age > c.cfg.SignalMaxAge {
		res.Outcome = OutcomeRejected
		res.Reason = ReasonStaleSignal
		return res
	}

	resolution, err := c.pool.Resolve(ctx, cred.UserID, cred.Exchange)
	if err != nil || resolution.Kind == gateway.ResolvedNone {
		res.Outcome = OutcomeNoCredential
		if err != nil {
			res.Reason = err.Error()
		}
		return res
	}
	gw := resolution.Gateway
	res.Fallback = resolution.Kind == gateway.ResolvedEnvFallback

	price := sig.Price
	if price <= 0 {
		price, err = c.market.Price(ctx, sig.Symbol)
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Reason = fmt.Sprintf("price lookup: %v", err)
			return res
		}
	}

	// Duplicate-buy guard: any error during the check is treated as an
	// existing position.
	if c.hasOpenPosition(ctx, gw, cred.UserID, cred.Exchange, sig.Symbol, price) {
		res.Outcome = OutcomeRejected
		res.Reason = ReasonOpenPosition
		return res
	}

	qty, err := c.sizeOrder(ctx, gw, sig, price)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = err.Error()
		return res
	}

	rules, err := gw.SymbolRules(ctx, sig.Symbol)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = fmt.Sprintf("symbol rules: %v", err)
		return res
	}
	decimals := decimalPlaces(rules.StepSize)
	qty = truncate(qty, decimals)

	if reason := validateAgainstRules(qty, price, rules); reason != "" {
		res.Outcome = OutcomeRejected
		res.Reason = reason
		return res
	}

	clientID := uuid.NewString()
	order, err := gw.PlaceOrder(ctx, common.OrderRequest{
		Symbol:      sig.Symbol,
		Side:        common.SideBuy,
		Type:        common.OrderTypeMarket,
		Qty:         qty,
		ClientID:    clientID,
		QtyDecimals: decimals,
	})
	if err != nil {
		c.health.RecordFailure(cred.UserID, cred.Exchange, err.Error())
		if resolution.Credential != nil {
			c.pool.RecordFailure(resolution.Credential.ID)
		}
		res.Outcome = OutcomeFailed
		res.Reason = fmt.Sprintf("place order: %v", err)
		return res
	}
	c.health.RecordSuccess(cred.UserID, cred.Exchange)
	if resolution.Credential != nil {
		c.pool.RecordSuccess(resolution.Credential.ID)
	}

	groupID := uuid.NewString()
	res.Outcome = OutcomePlaced
	res.ClientOrderID = clientID
	res.GroupID = groupID
	res.Qty = qty
	res.Price = price

	// The exchange order is live; a persistence failure is logged but
	// never fails the placement.
	persistErr := c.database.CreateOrder(ctx, db.Order{
		ClientOrderID:   clientID,
		ExchangeOrderID: order.ExchangeOrderID,
		Exchange:        cred.Exchange,
		Symbol:          sig.Symbol,
		Side:            "BUY",
		Type:            string(common.OrderTypeMarket),
		Qty:             qty,
		Price:           price,
		ExecutedQty:     order.ExecutedQty,
		Status:          string(order.Status),
		OrderTime:       c.now(),
		OrderGroupID:    groupID,
		OrderRole:       db.RoleEntry,
		UserID:          cred.UserID,
		SignalID:        sig.ID,
	})
	if persistErr != nil {
		log.Error().Err(persistErr).
			Str("user", cred.UserID).
			Str("order", clientID).
			Msg("order placed but ledger write failed")
	}

	log.Info().
		Str("user", cred.UserID).
		Str("symbol", sig.Symbol).
		Float64("qty", qty).
		Float64("price", price).
		Msg("entry order placed")
	return res
}

// hasOpenPosition reports whether the user already holds the symbol: a
// FILLED entry with no FILLED exit in the ledger, or, for users with no
// ledger history at all, a live base-asset balance above the dust
// threshold. That second check prevents duplicate buys after a ledger
// reset while the asset is still held.
func (c *Coordinator) hasOpenPosition(ctx context.Context, gw common.Gateway, userID, exchange, symbol string, price float64) bool {
	open, err := c.database.CountOpenEntries(ctx, userID, symbol, exchange)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("open-position check failed; failing closed")
		return true
	}
	if open > 0 {
		return true
	}

	total, err := c.database.CountOrders(ctx, userID, symbol, exchange)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("ledger history check failed; failing closed")
		return true
	}
	if total > 0 {
		return false
	}

	balances, err := gw.Balances(ctx)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("balance check failed; failing closed")
		return true
	}
	base := strings.TrimSuffix(symbol, c.cfg.QuoteAsset)
	for _, b := range balances {
		if b.Asset == base && (b.Free+b.Locked)*price > c.cfg.DustThreshold {
			return true
		}
	}
	return false
}

// sizeOrder computes the entry quantity: a fixed notional when the signal
// carries one, else a percentage of the quote balance reduced by the
// slippage buffer.
func (c *Coordinator) sizeOrder(ctx context.Context, gw common.Gateway, sig Signal, price float64) (float64, error) {
	if sig.SizeUSD > 0 {
		return sig.SizeUSD / price, nil
	}

	balances, err := gw.Balances(ctx)
	if err != nil {
		return 0, fmt.Errorf("quote balance: %w", err)
	}
	quote := common.FreeBalance(balances, c.cfg.QuoteAsset)
	return quote * c.cfg.SizePct * (1 - c.cfg.SlippageBuffer) / price, nil
}

func validateAgainstRules(qty, price float64, rules common.SymbolRules) string {
	if qty <= 0 {
		return ReasonZeroQuantity
	}
	if rules.MinQty > 0 && qty < rules.MinQty {
		return fmt.Sprintf("%s (%.8f < %.8f)", ReasonBelowMinQty, qty, rules.MinQty)
	}
	if rules.MaxQty > 0 && qty > rules.MaxQty {
		return fmt.Sprintf("%s (%.8f > %.8f)", ReasonAboveMaxQty, qty, rules.MaxQty)
	}
	if rules.MinNotional > 0 && qty*price < rules.MinNotional {
		return fmt.Sprintf("%s (%.2f < %.2f)", ReasonBelowNotional, qty*price, rules.MinNotional)
	}
	return ""
}
