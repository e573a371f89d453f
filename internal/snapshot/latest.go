// Package snapshot holds the latest observation per token, serving
// initial state to newly-subscribed clients. Single writer (the
// scheduler), many readers.
package snapshot

import (
	"sync"

	"github.com/spreadwatch/spreadwatch/internal/model"
)

// Map is a concurrency-safe token → latest-observation map. Bounded by
// the active token set; no eviction.
type Map struct {
	mu     sync.RWMutex
	latest map[string]model.Observation
}

// New creates an empty snapshot map.
func New() *Map {
	return &Map{latest: make(map[string]model.Observation)}
}

// Put replaces the stored observation for a token.
func (m *Map) Put(token string, obs model.Observation) {
	m.mu.Lock()
	m.latest[token] = obs
	m.mu.Unlock()
}

// Get returns the latest observation for a token.
func (m *Map) Get(token string) (model.Observation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obs, ok := m.latest[token]
	return obs, ok
}

// All returns a copy of the full map.
func (m *Map) All() map[string]model.Observation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.Observation, len(m.latest))
	for k, v := range m.latest {
		out[k] = v
	}
	return out
}

// Filtered returns the observations for the named tokens only.
func (m *Map) Filtered(tokens []string) map[string]model.Observation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.Observation, len(tokens))
	for _, name := range tokens {
		if obs, ok := m.latest[name]; ok {
			out[name] = obs
		}
	}
	return out
}

// Len returns the number of tokens with a stored observation.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.latest)
}
