// Package model holds the core data types shared across the engine:
// token configuration, proxy entries, per-cycle observations and history rows.
package model

import (
	"fmt"
	"strings"
	"time"
)

// DEX identifies one of the three decentralized price sources.
type DEX string

const (
	DEXJupiter DEX = "jupiter" // Solana token router
	DEXPancake DEX = "pancake" // BSC aggregator (via DexScreener)
	DEXMatcha  DEX = "matcha"  // Base gasless router
)

// AllDEXes lists every supported DEX identifier.
var AllDEXes = []DEX{DEXJupiter, DEXPancake, DEXMatcha}

// TokenConfig is one tracked pair as stored in the tokens table.
// Name is the canonical "BASE-QUOTE" identifier.
type TokenConfig struct {
	ID    int64  `db:"id"`
	Name  string `db:"name"`
	Base  string `db:"base"`
	Quote string `db:"quote"`

	// Per-DEX routing. A missing field disables that DEX for the token
	// regardless of the allow list.
	DEXes           []DEX  `db:"-"`
	JupiterMint     string `db:"jupiter_mint"`
	JupiterDecimals *int   `db:"jupiter_decimals"`
	BSCAddress      string `db:"bsc_address"`
	MatchaAddress   string `db:"matcha_address"`
	MatchaDecimals  *int   `db:"matcha_decimals"`

	MEXCSymbol     string `db:"mexc_symbol"`
	MEXCPriceScale *int   `db:"mexc_price_scale"`

	Active bool `db:"is_active"`
}

// Allows reports whether dex is both on the allow list and routable.
func (t *TokenConfig) Allows(dex DEX) bool {
	listed := false
	for _, d := range t.DEXes {
		if d == dex {
			listed = true
			break
		}
	}
	if !listed {
		return false
	}
	switch dex {
	case DEXJupiter:
		return t.JupiterMint != "" && t.JupiterDecimals != nil
	case DEXPancake:
		return t.BSCAddress != ""
	case DEXMatcha:
		return t.MatchaAddress != ""
	}
	return false
}

// NormalizeName canonicalizes a token name: upper-case, whitespace stripped.
func NormalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// ProxyEntry is one outbound proxy as stored in the proxies table.
type ProxyEntry struct {
	ID          int64      `db:"id"`
	ProxyString string     `db:"proxy_string"` // login:pass@host:port
	Protocol    string     `db:"protocol"`     // "socks5" or "http"
	Active      bool       `db:"is_active"`
	FailCount   int        `db:"fail_count"`
	LastUsed    *time.Time `db:"last_used"`
}

// URL returns the proxy endpoint as a dialable URL, deriving the scheme
// from Protocol when the stored string carries none.
func (p *ProxyEntry) URL() string {
	if strings.Contains(p.ProxyString, "://") {
		return p.ProxyString
	}
	scheme := "http"
	if strings.HasPrefix(strings.ToLower(p.Protocol), "socks") {
		scheme = "socks5"
	}
	return fmt.Sprintf("%s://%s", scheme, p.ProxyString)
}

// SafeHost returns host:port without credentials, for logging.
func (p *ProxyEntry) SafeHost() string {
	s := p.ProxyString
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// DEXQuote is the per-DEX block of an observation.
// Direct/Reverse are nil when the corresponding CEX side is missing.
type DEXQuote struct {
	Direct   *float64 `json:"direct"`
	Reverse  *float64 `json:"reverse"`
	DEXPrice float64  `json:"dex_price"`
	CEXBid   *float64 `json:"cex_bid"`
	CEXAsk   *float64 `json:"cex_ask"`
}

// Observation is one cycle's snapshot for one token across all sources.
// The JSON shape is the wire format delivered to subscribers.
type Observation struct {
	TokenName string           `json:"token_name"`
	MEXCPrice [2]*float64      `json:"mexc_price"` // [bid, ask]
	MEXCLimit *float64         `json:"mexc_limit"` // min order notional in quote units
	Spreads   map[DEX]DEXQuote `json:"spreads"`
	Timestamp float64          `json:"timestamp"` // unix seconds
}

// HistoryRow is one (token, dex, timestamp) sample extracted from an
// observation for the spread_history table.
type HistoryRow struct {
	TokenID       int64    `db:"token_id"`
	DEXName       DEX      `db:"dex_name"`
	Timestamp     float64  `db:"timestamp"`
	DirectSpread  *float64 `db:"direct_spread"`
	ReverseSpread *float64 `db:"reverse_spread"`
	DEXPrice      *float64 `db:"dex_price"`
	CEXBid        *float64 `db:"cex_bid"`
	CEXAsk        *float64 `db:"cex_ask"`
}

// Rows expands an observation into history rows, one per DEX block.
func (o *Observation) Rows(tokenID int64) []HistoryRow {
	rows := make([]HistoryRow, 0, len(o.Spreads))
	for dex, q := range o.Spreads {
		price := q.DEXPrice
		rows = append(rows, HistoryRow{
			TokenID:       tokenID,
			DEXName:       dex,
			Timestamp:     o.Timestamp,
			DirectSpread:  q.Direct,
			ReverseSpread: q.Reverse,
			DEXPrice:      &price,
			CEXBid:        q.CEXBid,
			CEXAsk:        q.CEXAsk,
		})
	}
	return rows
}

// Float is a convenience for building optional numeric fields.
func Float(v float64) *float64 { return &v }

// Int is a convenience for building optional integer fields.
func Int(v int) *int { return &v }
