package budget

// Package budget tracks token usage and cost for the sessions of one
// investigation run.
//
// Cost Calculation:
//   - Cost = (input_tokens * input_cost) + (output_tokens * output_cost)
//   - Provider-specific pricing per 1K tokens
//   - Unknown providers are priced as "custom"
//
// Limits:
//   - PerSessionTokenLimit caps the tokens one hypothesis session may spend.
//     The agent stops the session early when the cap is hit and the session
//     is concluded like an exhausted one.
//   - RunCostLimitUSD caps the run total. 0 means unlimited for both.

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrBudgetExceeded is returned by Check when a limit has been reached.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// ─── Pricing ─────────────────────────────────────────────────────────────────

// providerPricing maps provider names to (input, output) cost per 1K tokens in USD.
var providerPricing = map[string][2]float64{
	"anthropic": {0.003, 0.015},  // claude sonnet
	"openai":    {0.0025, 0.010}, // gpt-4o
	"custom":    {0.001, 0.002},  // fallback
}

// CalculateCost returns the USD cost of one call.
func CalculateCost(provider string, inputTokens, outputTokens int) float64 {
	pricing, ok := providerPricing[strings.ToLower(provider)]
	if !ok {
		pricing = providerPricing["custom"]
	}
	return (float64(inputTokens)/1000.0)*pricing[0] + (float64(outputTokens)/1000.0)*pricing[1]
}

// ─── Types ────────────────────────────────────────────────────────────────────

// UsageEntry tracks token consumption for a single LLM turn.
type UsageEntry struct {
	Provider     string
	SessionID    string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
}

// SessionUsage aggregates usage for one hypothesis session.
type SessionUsage struct {
	SessionID    string  `json:"session_id"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Calls        int     `json:"calls"`
}

// Summary aggregates usage for the whole run.
type Summary struct {
	TotalTokens  int            `json:"total_tokens"`
	TotalCostUSD float64        `json:"total_cost_usd"`
	ByProvider   map[string]int `json:"by_provider"`
	Sessions     []SessionUsage `json:"sessions"`
}

// Config sets the run limits.
type Config struct {
	// PerSessionTokenLimit caps tokens for a single session. 0 = unlimited.
	PerSessionTokenLimit int
	// RunCostLimitUSD caps total run spending. 0 = unlimited.
	RunCostLimitUSD float64
}

// ─── Tracker ──────────────────────────────────────────────────────────────────

// Tracker is an in-memory usage ledger, safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	cfg     Config
	entries []UsageEntry
	now     func() time.Time
}

// NewTracker creates a tracker with the given limits.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, now: time.Now}
}

// Record stores usage for one call and returns its cost.
func (t *Tracker) Record(sessionID, provider string, inputTokens, outputTokens int) float64 {
	cost := CalculateCost(provider, inputTokens, outputTokens)
	t.mu.Lock()
	t.entries = append(t.entries, UsageEntry{
		Provider:     provider,
		SessionID:    sessionID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		Timestamp:    t.now(),
	})
	t.mu.Unlock()
	return cost
}

// Session returns aggregated usage for one session.
func (t *Tracker) Session(sessionID string) SessionUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionLocked(sessionID)
}

func (t *Tracker) sessionLocked(sessionID string) SessionUsage {
	su := SessionUsage{SessionID: sessionID}
	for _, e := range t.entries {
		if e.SessionID != sessionID {
			continue
		}
		su.InputTokens += e.InputTokens
		su.OutputTokens += e.OutputTokens
		su.CostUSD += e.CostUSD
		su.Calls++
	}
	su.TotalTokens = su.InputTokens + su.OutputTokens
	return su
}

// Check reports ErrBudgetExceeded when the session or run limit is reached.
func (t *Tracker) Check(sessionID string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit := t.cfg.PerSessionTokenLimit; limit > 0 {
		if used := t.sessionLocked(sessionID).TotalTokens; used >= limit {
			return fmt.Errorf("%w: session %s used %d of %d tokens", ErrBudgetExceeded, sessionID, used, limit)
		}
	}
	if limit := t.cfg.RunCostLimitUSD; limit > 0 {
		total := 0.0
		for _, e := range t.entries {
			total += e.CostUSD
		}
		if total >= limit {
			return fmt.Errorf("%w: run spent $%.4f of $%.4f", ErrBudgetExceeded, total, limit)
		}
	}
	return nil
}

// Summary returns run totals with sessions ordered by first use.
func (t *Tracker) Summary() *Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := &Summary{ByProvider: make(map[string]int)}
	first := map[string]int{}
	for i, e := range t.entries {
		s.TotalTokens += e.InputTokens + e.OutputTokens
		s.TotalCostUSD += e.CostUSD
		s.ByProvider[e.Provider] += e.InputTokens + e.OutputTokens
		if _, ok := first[e.SessionID]; !ok {
			first[e.SessionID] = i
		}
	}
	ids := make([]string, 0, len(first))
	for id := range first {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return first[ids[i]] < first[ids[j]] })
	for _, id := range ids {
		s.Sessions = append(s.Sessions, t.sessionLocked(id))
	}
	return s
}
