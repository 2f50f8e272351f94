package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"tradedesk/internal/credhealth"
	"tradedesk/internal/execution"
	"tradedesk/internal/reconcile"
	"tradedesk/pkg/db"
	"tradedesk/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// entryVWAPTradeLimit bounds how much trade history one VWAP lookup pulls.
const entryVWAPTradeLimit = 500

// getSystemStatus reports runtime configuration and pool state.
func (s *Server) getSystemStatus(c *gin.Context) {
	out := gin.H{
		"exchange": s.Meta.Exchange,
		"testnet":  s.Meta.Testnet,
		"version":  s.Meta.Version,
	}
	if s.Pool != nil {
		out["gateway_pool"] = s.Pool.Stats()
	}
	c.JSON(http.StatusOK, out)
}

// --- Signal ingestion ---

// signalAuth accepts either the shared webhook token or a valid JWT.
func (s *Server) signalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.SignalToken != "" && c.GetHeader("X-Signal-Token") == s.SignalToken {
			c.Next()
			return
		}
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if userID, err := parseToken(parts[1], s.JWTSecret); err == nil {
				c.Set(userContextKey, userID)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":  "INVALID_TOKEN",
			"error": "signal token or bearer token required",
		})
	}
}

type signalRequest struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Symbol    string    `json:"symbol" binding:"required"`
	Side      string    `json:"side" binding:"required"`
	Price     float64   `json:"price"`
	SizeUSD   float64   `json:"size_usd"`
	Timestamp time.Time `json:"timestamp"`
}

// postSignal fans one trading signal out to every active-trading user.
func (s *Server) postSignal(c *gin.Context) {
	if s.Coordinator == nil {
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", "execution coordinator not running")
		return
	}

	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid signal payload")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	// Alert services that batch or retry deliveries send their emission
	// time; without one the signal is treated as fresh.
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	sig := execution.Signal{
		ID:        req.ID,
		Source:    req.Source,
		Exchange:  s.Meta.Exchange,
		Symbol:    strings.ToUpper(req.Symbol),
		Side:      strings.ToUpper(req.Side),
		Price:     req.Price,
		SizeUSD:   req.SizeUSD,
		Timestamp: req.Timestamp,
	}

	results, err := s.Coordinator.PlaceForAllUsers(c.Request.Context(), sig)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "EXECUTION_ERROR", err.Error())
		return
	}

	placed := 0
	for _, r := range results {
		if r.Outcome == execution.OutcomePlaced {
			placed++
		}
	}
	log.Info().Str("signal", sig.ID).Str("symbol", sig.Symbol).
		Int("users", len(results)).Int("placed", placed).Msg("signal processed")

	c.JSON(http.StatusOK, gin.H{
		"signal_id": sig.ID,
		"placed":    placed,
		"total":     len(results),
		"results":   results,
	})
}

// --- Trades and positions ---

// getTrades returns the caller's reconciled trades with P&L.
func (s *Server) getTrades(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}
	summary, err := s.Reconciler.Summarize(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

// getEntryVWAP recovers an entry price from raw exchange trade history for
// holdings the ledger never recorded, such as manual buys made outside the
// platform. The query runs against the caller's healthiest credential.
func (s *Server) getEntryVWAP(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}
	symbol := strings.ToUpper(c.Query("symbol"))
	if symbol == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "missing symbol")
		return
	}
	if s.Pool == nil {
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", "gateway pool not running")
		return
	}

	creds, err := s.DB.ListCredentialsByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	byExchange := make(map[string]db.Credential)
	var candidates []credhealth.Candidate
	for _, cred := range creds { // newest first
		if !cred.IsActive {
			continue
		}
		if _, ok := byExchange[cred.Exchange]; ok {
			continue
		}
		byExchange[cred.Exchange] = cred
		candidates = append(candidates, credhealth.Candidate{UserID: cred.UserID, Exchange: cred.Exchange})
	}
	pick := s.Health.SelectHealthy(candidates, userID)
	if pick == nil {
		respondError(c, http.StatusServiceUnavailable, "NO_HEALTHY_CREDENTIAL", "no healthy credential available")
		return
	}

	cred := byExchange[pick.Exchange]
	gw, err := s.Pool.ForCredential(c.Request.Context(), &cred)
	if err != nil {
		respondError(c, http.StatusBadGateway, "GATEWAY_ERROR", err.Error())
		return
	}
	vwap, err := reconcile.EntryVWAP(c.Request.Context(), gw, symbol, entryVWAPTradeLimit)
	if err != nil {
		respondError(c, http.StatusBadGateway, "EXCHANGE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":     symbol,
		"exchange":   pick.Exchange,
		"entry_vwap": vwap,
	})
}

// getOpenPositions lists ledger groups whose entry has no terminal exit.
func (s *Server) getOpenPositions(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}
	open, err := s.Reconciler.OpenLedgerGroups(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	var out []gin.H
	for _, o := range open {
		if o.UserID != userID {
			continue
		}
		out = append(out, gin.H{
			"group_id":     o.OrderGroupID,
			"symbol":       o.Symbol,
			"executed_qty": o.ExecutedQty,
			"entry_price":  o.Price,
			"order_time":   o.OrderTime,
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

type forceCloseRequest struct {
	Note string `json:"note"`
}

// forceClosePosition writes a synthetic exit for a stale ledger group.
func (s *Server) forceClosePosition(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}
	groupID := c.Param("groupID")
	if groupID == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "missing group id")
		return
	}

	var req forceCloseRequest
	_ = c.ShouldBindJSON(&req) // note is optional

	// Only the owner may close their group.
	orders, err := s.DB.ListOrdersByGroup(c.Request.Context(), groupID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if len(orders) == 0 {
		respondError(c, http.StatusNotFound, "GROUP_NOT_FOUND", "ledger group not found")
		return
	}
	if orders[0].UserID != userID {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "ledger group does not belong to current user")
		return
	}

	// Best effort: revoke whatever exit orders are still resting on the
	// exchange so they cannot fill after the group is closed. A cancel
	// failure does not block the ledger close.
	if s.Pool != nil {
		resolution, err := s.Pool.Resolve(c.Request.Context(), userID, orders[0].Exchange)
		if err == nil && resolution.Gateway != nil {
			cancelOpenExits(c.Request.Context(), resolution.Gateway, orders)
		}
	}

	if err := s.Reconciler.ForceClose(c.Request.Context(), groupID, req.Note); err != nil {
		respondError(c, http.StatusInternalServerError, "RECONCILE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed", "group_id": groupID})
}

// cancelOpenExits revokes every non-terminal exit order in a ledger group,
// targeting each by exchange order id and sweeping the symbol's open orders
// when a targeted cancel is not possible.
func cancelOpenExits(ctx context.Context, gw common.Gateway, orders []db.Order) {
	sweep := false
	for _, o := range orders {
		if o.OrderRole == db.RoleEntry || db.IsTerminalStatus(o.Status) {
			continue
		}
		if o.ExchangeOrderID == "" {
			sweep = true
			continue
		}
		if err := gw.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID); err != nil {
			log.Warn().Err(err).Str("order", o.ClientOrderID).Msg("exit cancel failed")
			sweep = true
		}
	}
	if sweep && len(orders) > 0 {
		if err := gw.CancelOpenOrders(ctx, orders[0].Symbol); err != nil {
			log.Warn().Err(err).Str("symbol", orders[0].Symbol).Msg("open-order sweep failed")
		}
	}
}

// --- Credentials ---

type createCredentialRequest struct {
	Exchange  string `json:"exchange" binding:"required"`
	Label     string `json:"label"`
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// listCredentials returns the caller's credentials without key material.
func (s *Server) listCredentials(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	creds, err := s.DB.ListCredentialsByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(creds))
	for _, cred := range creds {
		out = append(out, gin.H{
			"id":         cred.ID,
			"exchange":   cred.Exchange,
			"label":      cred.Label,
			"is_active":  cred.IsActive,
			"created_at": cred.CreatedAt,
			"updated_at": cred.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// createCredential stores an API key pair, encrypted at rest when a cipher
// is configured, and opens a private stream for the user.
func (s *Server) createCredential(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	var req createCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	cred := db.Credential{
		ID:        uuid.NewString(),
		UserID:    userID,
		Exchange:  strings.ToLower(req.Exchange),
		Label:     req.Label,
		APIKey:    req.APIKey,
		APISecret: req.APISecret,
		IsActive:  true,
	}

	encrypted := false
	if s.Cipher != nil {
		encKey, err := s.Cipher.Encrypt(req.APIKey)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt api_key")
			return
		}
		encSecret, err := s.Cipher.Encrypt(req.APISecret)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt api_secret")
			return
		}
		cred.APIKey = encKey
		cred.APISecret = encSecret
		encrypted = true
	}

	// Registering a key replaces any prior one for the exchange so one
	// signal never fans out into duplicate orders for the same user.
	if err := s.DB.DeactivateCredentialsForExchange(c.Request.Context(), userID, cred.Exchange); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if err := s.DB.CreateCredential(c.Request.Context(), cred); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	log.Info().Str("user", userID).Str("exchange", cred.Exchange).Bool("encrypted", encrypted).
		Msg("credential created")

	// New key material invalidates any cached gateway for this user.
	if s.Pool != nil {
		s.Pool.RemoveByUser(userID)
	}
	if s.Streams != nil {
		if err := s.Streams.StartUser(c.Request.Context(), &cred); err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("private stream not started for new credential")
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":        cred.ID,
		"exchange":  cred.Exchange,
		"label":     cred.Label,
		"is_active": cred.IsActive,
		"encrypted": encrypted,
	})
}

// deactivateCredential soft-deletes a credential and tears down its
// gateway and private stream.
func (s *Server) deactivateCredential(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	id := c.Param("id")
	if id == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "missing credential id")
		return
	}

	if err := s.DB.DeactivateCredential(c.Request.Context(), id, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusForbidden, "FORBIDDEN", "credential does not belong to current user")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	if s.Pool != nil {
		s.Pool.Remove(id)
	}
	if s.Streams != nil {
		s.Streams.StopUser(userID)
	}

	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// getCredentialHealth exposes the failure tracker and gateway pool state.
func (s *Server) getCredentialHealth(c *gin.Context) {
	out := gin.H{}
	if s.Health != nil {
		out["credentials"] = s.Health.Snapshot()
	}
	if s.Pool != nil {
		out["gateway_pool"] = s.Pool.Stats()
	}
	c.JSON(http.StatusOK, out)
}

// getStreamSessions lists live private-stream sessions.
func (s *Server) getStreamSessions(c *gin.Context) {
	if s.Streams == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": s.Streams.Sessions()})
}
