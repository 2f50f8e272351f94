// Package credhealth tracks per-(user, exchange) credential health so the
// order flow can route around keys that keep failing. State is
// process-lifetime only; a restart clears quarantines and a genuinely bad
// key re-quarantines within a few attempts.
package credhealth

import (
	"sort"
	"sync"
	"time"
)

// DefaultQuarantineThreshold is the consecutive-failure count that
// quarantines a credential.
const DefaultQuarantineThreshold = 5

type key struct {
	userID   string
	exchange string
}

// Health is the snapshot of one credential's track record.
type Health struct {
	UserID              string     `json:"userId"`
	Exchange            string     `json:"exchange"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	TotalSuccesses      int64      `json:"totalSuccesses"`
	TotalFailures       int64      `json:"totalFailures"`
	IsQuarantined       bool       `json:"isQuarantined"`
	QuarantineReason    string     `json:"quarantineReason,omitempty"`
	QuarantinedAt       *time.Time `json:"quarantinedAt,omitempty"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastFailure         *time.Time `json:"lastFailure,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
}

// Tracker is the in-memory health ledger. Safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	threshold int
	entries   map[key]*Health
	now       func() time.Time
}

// New builds a Tracker. A threshold <= 0 uses DefaultQuarantineThreshold.
func New(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultQuarantineThreshold
	}
	return &Tracker{
		threshold: threshold,
		entries:   make(map[key]*Health),
		now:       time.Now,
	}
}

func (t *Tracker) entry(userID string, exchange string) *Health {
	k := key{userID, exchange}
	h, ok := t.entries[k]
	if !ok {
		h = &Health{UserID: userID, Exchange: exchange}
		t.entries[k] = h
	}
	return h
}

// RecordSuccess resets the failure streak and lifts any quarantine.
func (t *Tracker) RecordSuccess(userID string, exchange string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.entry(userID, exchange)
	now := t.now()
	h.ConsecutiveFailures = 0
	h.TotalSuccesses++
	h.IsQuarantined = false
	h.QuarantineReason = ""
	h.QuarantinedAt = nil
	h.LastSuccess = &now
}

// RecordFailure extends the failure streak; crossing the threshold
// quarantines the credential with the triggering error as reason.
func (t *Tracker) RecordFailure(userID string, exchange, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.entry(userID, exchange)
	now := t.now()
	h.ConsecutiveFailures++
	h.TotalFailures++
	h.LastFailure = &now
	h.LastError = errMsg
	if !h.IsQuarantined && h.ConsecutiveFailures >= t.threshold {
		h.IsQuarantined = true
		h.QuarantineReason = errMsg
		h.QuarantinedAt = &now
	}
}

// IsHealthy reports whether the credential is usable for new placements.
// Unknown credentials are healthy.
func (t *Tracker) IsHealthy(userID string, exchange string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.entries[key{userID, exchange}]
	return !ok || !h.IsQuarantined
}

// Reset clears all failure state, e.g. after a user rotates API keys.
func (t *Tracker) Reset(userID string, exchange string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key{userID, exchange})
}

// Candidate pairs a user with the exchange of the credential under
// consideration.
type Candidate struct {
	UserID   string
	Exchange string
}

// SelectHealthy returns the preferred candidate if it is healthy, else
// the first healthy candidate in order, else nil.
func (t *Tracker) SelectHealthy(candidates []Candidate, preferredUserID string) *Candidate {
	for i := range candidates {
		if candidates[i].UserID == preferredUserID && t.IsHealthy(candidates[i].UserID, candidates[i].Exchange) {
			return &candidates[i]
		}
	}
	for i := range candidates {
		if t.IsHealthy(candidates[i].UserID, candidates[i].Exchange) {
			return &candidates[i]
		}
	}
	return nil
}

// Ranked is a candidate annotated with a health priority; lower is
// healthier.
type Ranked struct {
	Candidate
	Priority int
}

// SortByHealth orders candidates healthy-first, quarantined-last, keeping
// the input order within each band. Priority is the consecutive-failure
// count, with quarantined credentials pushed past any streak value.
func (t *Tracker) SortByHealth(candidates []Candidate) []Ranked {
	t.mu.RLock()
	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		p := 0
		if h, ok := t.entries[key{c.UserID, c.Exchange}]; ok {
			p = h.ConsecutiveFailures
			if h.IsQuarantined {
				p += 1 << 20
			}
		}
		ranked[i] = Ranked{Candidate: c, Priority: p}
	}
	t.mu.RUnlock()

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Priority < ranked[j].Priority
	})
	return ranked
}

// Snapshot returns a copy of every tracked credential's health, ordered
// by user then exchange.
func (t *Tracker) Snapshot() []Health {
	t.mu.RLock()
	out := make([]Health, 0, len(t.entries))
	for _, h := range t.entries {
		out = append(out, *h)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Exchange < out[j].Exchange
	})
	return out
}
