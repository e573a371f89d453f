package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/persistence"
)

// proxiesRepo implements ProxyRepo for PostgreSQL.
type proxiesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewProxiesRepo creates a new PostgreSQL proxies repository.
func NewProxiesRepo(db *sqlx.DB) persistence.ProxyRepo {
	return &proxiesRepo{db: db, timeout: defaultQueryTimeout}
}

const proxyColumns = `id, proxy_string, protocol, is_active, fail_count, last_used`

func (r *proxiesRepo) ListActive(ctx context.Context) ([]model.ProxyEntry, error) {
	query := `SELECT ` + proxyColumns + ` FROM proxies WHERE is_active = TRUE ORDER BY id`
	return r.list(ctx, query)
}

func (r *proxiesRepo) ListAll(ctx context.Context) ([]model.ProxyEntry, error) {
	query := `SELECT ` + proxyColumns + ` FROM proxies ORDER BY id`
	return r.list(ctx, query)
}

func (r *proxiesRepo) list(ctx context.Context, query string) ([]model.ProxyEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var proxies []model.ProxyEntry
	if err := r.db.SelectContext(ctx, &proxies, query); err != nil {
		return nil, fmt.Errorf("failed to query proxies: %w", err)
	}
	return proxies, nil
}

// UpdateHealth commits a single probe outcome. Success resets fail_count
// and reactivates; failure increments and deactivates at threshold.
func (r *proxiesRepo) UpdateHealth(ctx context.Context, id int64, ok bool, threshold int, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var query string
	var err error
	if ok {
		query = `
			UPDATE proxies
			SET fail_count = 0, is_active = TRUE, last_used = $2
			WHERE id = $1`
		_, err = r.db.ExecContext(ctx, query, id, now)
	} else {
		query = `
			UPDATE proxies
			SET fail_count = fail_count + 1,
			    is_active = (fail_count + 1 < $2)
			WHERE id = $1`
		_, err = r.db.ExecContext(ctx, query, id, threshold)
	}
	if err != nil {
		return fmt.Errorf("failed to update proxy %d health: %w", id, err)
	}
	return nil
}
