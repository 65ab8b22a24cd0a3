package streaming

import (
	"sync"
	"time"
)

// FinalCostSnapshot is what the desktop client retrieves after a stream
// ends: the settled cost, or the finalization error if billing could
// not settle.
type FinalCostSnapshot struct {
	RequestID    string    `json:"request_id"`
	FinalCost    float64   `json:"final_cost"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Err          string    `json:"error,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// FinalCostCache holds final-cost snapshots keyed by request_id for a
// bounded retention window. One process-wide instance serves all
// pipelines.
type FinalCostCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]FinalCostSnapshot
}

func NewFinalCostCache(ttl time.Duration) *FinalCostCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &FinalCostCache{ttl: ttl, entries: make(map[string]FinalCostSnapshot)}
}

func (c *FinalCostCache) Put(snap FinalCostSnapshot) {
	if snap.CompletedAt.IsZero() {
		snap.CompletedAt = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	c.entries[snap.RequestID] = snap
}

func (c *FinalCostCache) Get(requestID string) (FinalCostSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.entries[requestID]
	if !ok {
		return FinalCostSnapshot{}, false
	}
	if time.Since(snap.CompletedAt) > c.ttl {
		delete(c.entries, requestID)
		return FinalCostSnapshot{}, false
	}
	return snap, true
}

// prune drops expired snapshots. Called with the lock held.
func (c *FinalCostCache) prune() {
	cutoff := time.Now().Add(-c.ttl)
	for k, v := range c.entries {
		if v.CompletedAt.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}
