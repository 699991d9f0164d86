// Package pool holds the in-memory set of upstream provider credentials and
// mediates selection, per-key concurrency, and process-local usage tallies.
package pool

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	gateway "github.com/Dolores18/api-manager/internal"
)

// TokenUsage is the process-local tally for one api_key. It is discarded on
// every rebuild; only persisted balances survive restarts.
type TokenUsage struct {
	LastUsed     time.Time
	TotalTokens  int64
	RequestCount int64
}

// Permit is one concurrency token against a provider key. Release returns
// it; releasing twice is a no-op.
type Permit struct {
	sem  *semaphore.Weighted
	once sync.Once
}

// Release returns the permit to its semaphore.
func (p *Permit) Release() {
	p.once.Do(func() { p.sem.Release(1) })
}

// Pool is the in-memory provider registry. One mutex guards the list, the
// round-robin cursor, the usage tallies, and the semaphore map; it is never
// held across upstream I/O -- callers receive a clone of the chosen record.
type Pool struct {
	mu         sync.Mutex
	providers  []gateway.Provider
	cursor     int
	usage      map[string]*TokenUsage
	semaphores map[string]*semaphore.Weighted
}

// New builds a pool from the given provider records.
func New(providers []gateway.Provider) *Pool {
	p := &Pool{}
	p.install(providers)
	return p
}

// install replaces the pool state. Caller must hold mu (or own p exclusively).
func (p *Pool) install(providers []gateway.Provider) {
	p.providers = providers
	p.cursor = 0
	p.usage = make(map[string]*TokenUsage, len(providers))
	p.semaphores = make(map[string]*semaphore.Weighted, len(providers))
	for i := range providers {
		n := int64(providers[i].RateLimit)
		if n < 1 {
			n = 1
		}
		p.semaphores[providers[i].APIKey] = semaphore.NewWeighted(n)
	}
}

// Select returns a clone of an available provider serving model, chosen by
// strategy, or nil when none matches.
//
// Under RoundRobin the index is taken modulo the filtered sublist, but the
// cursor then advances by 1 modulo the full list. For a heterogeneous pool
// this rotation is deliberately not uniform across models; it matches the
// accounting the selection tallies are calibrated against.
func (p *Pool) Select(model string, strategy gateway.Strategy) *gateway.Provider {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := make([]*gateway.Provider, 0, len(p.providers))
	for i := range p.providers {
		if p.providers[i].Available() && p.providers[i].ModelName == model {
			available = append(available, &p.providers[i])
		}
	}
	if len(available) == 0 {
		return nil
	}

	var chosen *gateway.Provider
	switch strategy {
	case gateway.RoundRobin:
		chosen = available[p.cursor%len(available)]
		if len(p.providers) > 0 {
			p.cursor = (p.cursor + 1) % len(p.providers)
		}
	case gateway.LeastConnections:
		chosen = p.minBy(available, func(u *TokenUsage) int64 { return u.RequestCount })
	case gateway.LeastTokens:
		chosen = p.minBy(available, func(u *TokenUsage) int64 { return u.TotalTokens })
	default:
		chosen = available[0]
	}

	clone := *chosen
	return &clone
}

// minBy picks the available provider minimizing the given tally field, with
// ties broken by list order. Keys without a tally count as zero.
func (p *Pool) minBy(available []*gateway.Provider, field func(*TokenUsage) int64) *gateway.Provider {
	best := available[0]
	bestVal := p.tallyOf(best.APIKey, field)
	for _, cand := range available[1:] {
		if v := p.tallyOf(cand.APIKey, field); v < bestVal {
			best, bestVal = cand, v
		}
	}
	return best
}

func (p *Pool) tallyOf(apiKey string, field func(*TokenUsage) int64) int64 {
	if u, ok := p.usage[apiKey]; ok {
		return field(u)
	}
	return 0
}

// GetPermit acquires one concurrency permit for the key without waiting.
// It returns nil when the key is unknown or all permits are in use.
func (p *Pool) GetPermit(apiKey string) *Permit {
	p.mu.Lock()
	sem, ok := p.semaphores[apiKey]
	p.mu.Unlock()
	if !ok || !sem.TryAcquire(1) {
		return nil
	}
	return &Permit{sem: sem}
}

// UpdateUsage adds totalTokens to the key's tally and bumps its request
// count and last-used time.
func (p *Pool) UpdateUsage(apiKey string, totalTokens int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.usage[apiKey]
	if !ok {
		u = &TokenUsage{}
		p.usage[apiKey] = u
	}
	u.LastUsed = time.Now()
	u.TotalTokens += int64(totalTokens)
	u.RequestCount++
}

// Usage returns a snapshot of the key's tally.
func (p *Pool) Usage(apiKey string) (TokenUsage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.usage[apiKey]; ok {
		return *u, true
	}
	return TokenUsage{}, false
}

// RemoveProvider drops the record, its semaphore, and its tally. Permits
// already handed out stay valid until released; new acquisitions fail.
// Idempotent.
func (p *Pool) RemoveProvider(apiKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.providers {
		if p.providers[i].APIKey == apiKey {
			p.providers = append(p.providers[:i], p.providers[i+1:]...)
			break
		}
	}
	delete(p.semaphores, apiKey)
	delete(p.usage, apiKey)
	if len(p.providers) > 0 {
		p.cursor %= len(p.providers)
	} else {
		p.cursor = 0
	}
}

// Rebuild atomically replaces the pool contents with a fresh provider list.
// Tallies and semaphores are recomputed from scratch.
func (p *Pool) Rebuild(providers []gateway.Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.install(providers)
}

// Len returns the number of pooled providers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.providers)
}
