package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/persistence"
)

// tokensRepo implements TokenRepo for PostgreSQL.
type tokensRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTokensRepo creates a new PostgreSQL tokens repository.
func NewTokensRepo(db *sqlx.DB) persistence.TokenRepo {
	return &tokensRepo{db: db, timeout: defaultQueryTimeout}
}

// ListActive returns every active token with its DEX routing decoded.
func (r *tokensRepo) ListActive(ctx context.Context) ([]model.TokenConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, name, base, quote, dexes,
		       jupiter_mint, jupiter_decimals, bsc_address,
		       matcha_address, matcha_decimals,
		       mexc_symbol, mexc_price_scale, is_active
		FROM tokens
		WHERE is_active = TRUE
		ORDER BY name`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active tokens: %w", err)
	}
	defer rows.Close()

	var tokens []model.TokenConfig
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tokens: %w", err)
	}

	return tokens, nil
}

// ResolveIDs maps token names to ids in a single query.
func (r *tokensRepo) ResolveIDs(ctx context.Context, names []string) (map[string]int64, error) {
	if len(names) == 0 {
		return map[string]int64{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT id, name FROM tokens WHERE name = ANY($1)`

	rows, err := r.db.QueryxContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]int64, len(names))
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan token id: %w", err)
		}
		ids[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating token ids: %w", err)
	}

	return ids, nil
}

func scanToken(rows *sqlx.Rows) (*model.TokenConfig, error) {
	var (
		tok             model.TokenConfig
		dexesJSON       []byte
		jupiterMint     *string
		jupiterDecimals *int
		bscAddress      *string
		matchaAddress   *string
		matchaDecimals  *int
		mexcSymbol      *string
		mexcPriceScale  *int
	)

	err := rows.Scan(
		&tok.ID, &tok.Name, &tok.Base, &tok.Quote, &dexesJSON,
		&jupiterMint, &jupiterDecimals, &bscAddress,
		&matchaAddress, &matchaDecimals,
		&mexcSymbol, &mexcPriceScale, &tok.Active)
	if err != nil {
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}

	if len(dexesJSON) > 0 {
		var dexes []model.DEX
		if err := json.Unmarshal(dexesJSON, &dexes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dexes for %s: %w", tok.Name, err)
		}
		tok.DEXes = dexes
	}
	if jupiterMint != nil {
		tok.JupiterMint = *jupiterMint
	}
	tok.JupiterDecimals = jupiterDecimals
	if bscAddress != nil {
		tok.BSCAddress = *bscAddress
	}
	if matchaAddress != nil {
		tok.MatchaAddress = *matchaAddress
	}
	tok.MatchaDecimals = matchaDecimals
	if mexcSymbol != nil {
		tok.MEXCSymbol = *mexcSymbol
	}
	tok.MEXCPriceScale = mexcPriceScale

	return &tok, nil
}
