// Package persistence defines the repository contracts the engine needs
// from the relational store. Implementations live in subpackages.
package persistence

import (
	"context"
	"time"

	"github.com/spreadwatch/spreadwatch/internal/model"
)

// TokenRepo reads tracked-pair configuration. The engine never writes
// tokens; mutation belongs to the admin surface.
type TokenRepo interface {
	// ListActive returns every token with the active flag set.
	ListActive(ctx context.Context) ([]model.TokenConfig, error)

	// ResolveIDs maps token names to ids in one query. Names absent from
	// the store are omitted from the result.
	ResolveIDs(ctx context.Context, names []string) (map[string]int64, error)
}

// ProxyRepo reads and updates the outbound proxy pool. Only the health
// prober writes; per-call failures never reach the store.
type ProxyRepo interface {
	// ListActive returns proxies currently eligible for rotation.
	ListActive(ctx context.Context) ([]model.ProxyEntry, error)

	// ListAll returns every proxy regardless of active state, for probing.
	ListAll(ctx context.Context) ([]model.ProxyEntry, error)

	// UpdateHealth commits one probe outcome: on success fail_count is
	// reset, the proxy reactivated and last_used stamped; on failure
	// fail_count is incremented and the proxy deactivated once the count
	// reaches threshold.
	UpdateHealth(ctx context.Context, id int64, ok bool, threshold int, now time.Time) error
}

// HistoryRepo persists and prunes spread history rows.
type HistoryRepo interface {
	// InsertBatch writes all rows in a single transaction.
	InsertBatch(ctx context.Context, rows []model.HistoryRow) error

	// Prune deletes rows with timestamp older than cutoff (unix seconds)
	// and returns the number removed.
	Prune(ctx context.Context, cutoff float64) (int64, error)
}

// SettingsRepo reads key/value server settings.
type SettingsRepo interface {
	// Get returns the value for key, or "" when unset.
	Get(ctx context.Context, key string) (string, error)
}
