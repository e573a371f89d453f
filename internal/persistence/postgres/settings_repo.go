package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spreadwatch/spreadwatch/internal/persistence"
)

// settingsRepo implements SettingsRepo for PostgreSQL.
type settingsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSettingsRepo creates a new PostgreSQL server-settings repository.
func NewSettingsRepo(db *sqlx.DB) persistence.SettingsRepo {
	return &settingsRepo{db: db, timeout: defaultQueryTimeout}
}

// Get returns the stored value for key, or "" when unset.
func (r *settingsRepo) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var value sql.NullString
	err := r.db.QueryRowxContext(ctx,
		`SELECT value FROM server_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value.String, nil
}
