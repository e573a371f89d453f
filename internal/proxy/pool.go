// Package proxy implements the outbound proxy pool: a cached active set
// with random rotation, HTTP client construction through SOCKS5 or HTTP
// proxies, and an independent periodic health prober.
//
// Per-call upstream failures never mutate proxy state; upstreams return
// plenty of transient errors that are not proxy faults and attributing
// them would starve the pool. Only the health prober writes.
package proxy

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/persistence"
)

const cacheTTL = 60 * time.Second

// Pool holds the cached active proxy set and hands one out per request.
type Pool struct {
	repo persistence.ProxyRepo

	mu          sync.RWMutex
	active      []model.ProxyEntry
	refreshedAt time.Time
}

// NewPool creates a pool backed by repo. Call Prime before serving.
func NewPool(repo persistence.ProxyRepo) *Pool {
	return &Pool{repo: repo}
}

// Prime forces a reload of the active set from the store.
func (p *Pool) Prime(ctx context.Context) error {
	proxies, err := p.repo.ListActive(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.active = proxies
	p.refreshedAt = time.Now()
	p.mu.Unlock()

	log.Info().Int("active", len(proxies)).Msg("Proxy cache refreshed")
	return nil
}

// Invalidate marks the cache stale so the next Pick reloads.
func (p *Pool) Invalidate() {
	p.mu.Lock()
	p.refreshedAt = time.Time{}
	p.mu.Unlock()
}

// Pick returns a uniformly random active proxy, or nil when the pool is
// empty. The store is only touched when the cache is older than 60 s.
func (p *Pool) Pick(ctx context.Context) *model.ProxyEntry {
	p.mu.RLock()
	stale := time.Since(p.refreshedAt) > cacheTTL
	p.mu.RUnlock()

	if stale {
		if err := p.Prime(ctx); err != nil {
			log.Warn().Err(err).Msg("Proxy cache refresh failed, using previous set")
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.active) == 0 {
		return nil
	}
	entry := p.active[rand.Intn(len(p.active))]
	return &entry
}

// ActiveCount returns the size of the cached active set.
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}
