package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/persistence"
)

// historyRepo implements HistoryRepo for PostgreSQL.
type historyRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewHistoryRepo creates a new PostgreSQL spread-history repository.
func NewHistoryRepo(db *sqlx.DB) persistence.HistoryRepo {
	return &historyRepo{db: db, timeout: defaultQueryTimeout}
}

// InsertBatch writes all rows atomically. Sized for a few hundred rows
// per flush window; the timeout scales with batch size.
func (r *historyRepo) InsertBatch(ctx context.Context, rows []model.HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(rows)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO spread_history
			(token_id, dex_name, timestamp, direct_spread, reverse_spread, dex_price, cex_bid, cex_ask)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err = stmt.ExecContext(ctx,
			row.TokenID, row.DEXName, row.Timestamp,
			row.DirectSpread, row.ReverseSpread,
			row.DEXPrice, row.CEXBid, row.CEXAsk)
		if err != nil {
			return fmt.Errorf("failed to insert history row in batch: %w", err)
		}
	}

	return tx.Commit()
}

// Prune deletes rows older than cutoff and returns the count removed.
func (r *historyRepo) Prune(ctx context.Context, cutoff float64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM spread_history WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune count: %w", err)
	}
	return n, nil
}
