// Package gateway manages per-credential exchange gateway instances for the
// multi-user order flow: LRU-bounded caching, idle cleanup, and a single
// explicit credential-resolution step.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradedesk/pkg/crypto"
	"tradedesk/pkg/db"
	"tradedesk/pkg/exchanges"
	"tradedesk/pkg/exchanges/common"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrGatewayUnhealthy   = errors.New("gateway is unhealthy")
	ErrPoolFull           = errors.New("gateway pool is full")
)

// ResolutionKind tags the outcome of credential resolution.
type ResolutionKind string

const (
	ResolvedUserCredential ResolutionKind = "user_credential"
	ResolvedEnvFallback    ResolutionKind = "environment_fallback"
	ResolvedNone           ResolutionKind = "no_credential"
)

// Resolution is the typed result of resolving a (user, exchange) pair to a
// usable gateway. Every order path consumes this instead of probing for
// fallbacks on its own.
type Resolution struct {
	Kind       ResolutionKind
	Credential *db.Credential
	Gateway    common.Gateway
}

// factoryFunc builds a gateway from decrypted key material.
type factoryFunc func(exchange string, creds exchanges.Credentials) (common.Gateway, error)

type cachedGateway struct {
	gateway      common.Gateway
	credentialID string
	userID       string
	exchange     string
	createdAt    time.Time
	lastUsed     time.Time
	healthyAt    time.Time
	failures     int
}

// Config tunes the pool.
type Config struct {
	MaxSize          int           // LRU eviction bound
	IdleTimeout      time.Duration // idle gateways are dropped past this
	FailureThreshold int           // failures before the circuit opens
	CircuitTimeout   time.Duration // how long an open circuit blocks reuse
	Testnet          bool
	EnvAPIKey        string // environment fallback key material
	EnvAPISecret     string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager is the gateway pool. Safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	gateways map[string]*cachedGateway // credential id -> gateway
	lruOrder []string                  // oldest first
	envGws   map[string]common.Gateway // exchange -> env-fallback gateway

	cfg      Config
	database *db.Database
	cipher   *crypto.Cipher
	factory  factoryFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a Manager. cipher may be nil for plaintext credential
// storage.
func NewManager(database *db.Database, cipher *crypto.Cipher, cfg Config) *Manager {
	return &Manager{
		gateways: make(map[string]*cachedGateway),
		envGws:   make(map[string]common.Gateway),
		cfg:      cfg,
		database: database,
		cipher:   cipher,
		factory: func(exchange string, creds exchanges.Credentials) (common.Gateway, error) {
			return exchanges.NewGateway(exchange, creds, cfg.Testnet)
		},
		stopCh: make(chan struct{}),
	}
}

// Start launches the idle-cleanup goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()
}

// Stop shuts down background work and drops all cached gateways.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways = make(map[string]*cachedGateway)
	m.lruOrder = nil
	m.envGws = make(map[string]common.Gateway)
}

// Resolve maps a (user, exchange) pair to a gateway. Order of preference:
// the user's own active credential, then the environment fallback keys,
// then ResolvedNone.
func (m *Manager) Resolve(ctx context.Context, userID, exchange string) (Resolution, error) {
	cred, err := m.database.GetCredential(ctx, userID, exchange)
	if err != nil && !errors.Is(err, db.ErrUserIDRequired) {
		return Resolution{Kind: ResolvedNone}, fmt.Errorf("lookup credential: %w", err)
	}
	if cred != nil && cred.IsActive {
		gw, err := m.getOrCreate(ctx, cred)
		if err != nil {
			return Resolution{Kind: ResolvedNone}, err
		}
		return Resolution{Kind: ResolvedUserCredential, Credential: cred, Gateway: gw}, nil
	}

	if m.cfg.EnvAPIKey != "" && m.cfg.EnvAPISecret != "" {
		gw, err := m.envGateway(exchange)
		if err != nil {
			return Resolution{Kind: ResolvedNone}, err
		}
		return Resolution{Kind: ResolvedEnvFallback, Gateway: gw}, nil
	}
	return Resolution{Kind: ResolvedNone}, nil
}

// ForCredential returns the cached gateway for a known credential row,
// creating it on demand.
func (m *Manager) ForCredential(ctx context.Context, cred *db.Credential) (common.Gateway, error) {
	return m.getOrCreate(ctx, cred)
}

func (m *Manager) envGateway(exchange string) (common.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gw, ok := m.envGws[exchange]; ok {
		return gw, nil
	}
	gw, err := m.factory(exchange, exchanges.Credentials{
		APIKey:    m.cfg.EnvAPIKey,
		APISecret: m.cfg.EnvAPISecret,
	})
	if err != nil {
		return nil, fmt.Errorf("create fallback gateway: %w", err)
	}
	m.envGws[exchange] = gw
	return gw, nil
}

func (m *Manager) getOrCreate(ctx context.Context, cred *db.Credential) (common.Gateway, error) {
	m.mu.RLock()
	if cached, ok := m.gateways[cred.ID]; ok {
		if cached.userID != cred.UserID {
			m.mu.RUnlock()
			return nil, ErrCredentialNotFound
		}
		if cached.failures >= m.cfg.FailureThreshold &&
			time.Since(cached.healthyAt) < m.cfg.CircuitTimeout {
			m.mu.RUnlock()
			return nil, ErrGatewayUnhealthy
		}
		m.mu.RUnlock()
		m.touchLRU(cred.ID)
		return cached.gateway, nil
	}
	m.mu.RUnlock()

	return m.createGateway(ctx, cred)
}

func (m *Manager) createGateway(_ context.Context, cred *db.Credential) (common.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[cred.ID]; ok {
		m.touchLRULocked(cred.ID)
		return cached.gateway, nil
	}

	if len(m.gateways) >= m.cfg.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	apiKey, apiSecret, err := m.decrypt(cred)
	if err != nil {
		return nil, err
	}

	gw, err := m.factory(cred.Exchange, exchanges.Credentials{APIKey: apiKey, APISecret: apiSecret})
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	now := time.Now()
	m.gateways[cred.ID] = &cachedGateway{
		gateway:      gw,
		credentialID: cred.ID,
		userID:       cred.UserID,
		exchange:     cred.Exchange,
		createdAt:    now,
		lastUsed:     now,
		healthyAt:    now,
	}
	m.lruOrder = append(m.lruOrder, cred.ID)
	return gw, nil
}

// decrypt returns usable key material; rows written before encryption was
// enabled carry plaintext keys.
func (m *Manager) decrypt(cred *db.Credential) (string, string, error) {
	if m.cipher == nil || !crypto.IsEncrypted(cred.APIKey) {
		return cred.APIKey, cred.APISecret, nil
	}
	apiKey, err := m.cipher.Decrypt(cred.APIKey)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := m.cipher.Decrypt(cred.APISecret)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api secret: %w", err)
	}
	return apiKey, apiSecret, nil
}

// Remove drops one credential's gateway, e.g. after key rotation.
func (m *Manager) Remove(credentialID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gateways[credentialID]; ok {
		delete(m.gateways, credentialID)
		m.removeLRULocked(credentialID)
	}
}

// RemoveByUser drops every gateway belonging to a user.
func (m *Manager) RemoveByUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.gateways {
		if cached.userID == userID {
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

// RecordFailure bumps the circuit-breaker count for a credential's gateway.
func (m *Manager) RecordFailure(credentialID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[credentialID]; ok {
		cached.failures++
	}
}

// RecordSuccess closes the circuit.
func (m *Manager) RecordSuccess(credentialID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[credentialID]; ok {
		cached.failures = 0
		cached.healthyAt = time.Now()
	}
}

// PoolStats summarizes the pool for the health endpoint.
type PoolStats struct {
	TotalGateways  int            `json:"totalGateways"`
	MaxSize        int            `json:"maxSize"`
	ByExchange     map[string]int `json:"byExchange"`
	UnhealthyCount int            `json:"unhealthyCount"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalGateways: len(m.gateways),
		MaxSize:       m.cfg.MaxSize,
		ByExchange:    make(map[string]int),
	}
	for _, cached := range m.gateways {
		stats.ByExchange[cached.exchange]++
		if cached.failures >= m.cfg.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// --- Internal helpers ---

func (m *Manager) touchLRU(credentialID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(credentialID)
}

func (m *Manager) touchLRULocked(credentialID string) {
	if cached, ok := m.gateways[credentialID]; ok {
		cached.lastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == credentialID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, credentialID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(credentialID string) {
	for i, id := range m.lruOrder {
		if id == credentialID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldestID := m.lruOrder[0]
	delete(m.gateways, oldestID)
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, cached := range m.gateways {
		if now.Sub(cached.lastUsed) > m.cfg.IdleTimeout {
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}
