package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/proxy"
	"github.com/spreadwatch/spreadwatch/internal/quotecache"
)

const (
	mexcDefaultBase = "https://contract.mexc.com"

	tickerTTL   = 1 * time.Second
	contractTTL = 60 * time.Second
)

// Characters MEXC strips from listing names; "$PEPE" trades as PEPE_USDT.
const symbolSpecials = "$#@!%^&*()-+=/\\|<>?~`"

// Ticker is one symbol's top-of-book from the batched futures feed.
type Ticker struct {
	Bid float64
	Ask float64
}

type contractMeta struct {
	ContractSize float64
	MinVol       float64
	MaxVol       float64
}

// MEXCClient wraps the two batched MEXC futures endpoints: the full
// ticker snapshot and the per-contract lot metadata. One RefreshTickers
// call per cycle populates every token's CEX side.
type MEXCClient struct {
	caller    *caller
	baseURL   string
	tickers   *quotecache.Snapshot[map[string]Ticker]
	contracts *quotecache.Snapshot[map[string]contractMeta]
}

// NewMEXC creates the batched CEX client. baseURL is overridable for tests.
func NewMEXC(pool *proxy.Pool, baseURL string) *MEXCClient {
	if baseURL == "" {
		baseURL = mexcDefaultBase
	}
	return &MEXCClient{
		caller:    newCaller("mexc", pool),
		baseURL:   baseURL,
		tickers:   quotecache.NewSnapshot[map[string]Ticker](tickerTTL),
		contracts: quotecache.NewSnapshot[map[string]contractMeta](contractTTL),
	}
}

type mexcEnvelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
}

// RefreshTickers fetches the full futures ticker in one request, unless
// the 1 s snapshot is still fresh.
func (m *MEXCClient) RefreshTickers(ctx context.Context) error {
	if _, ok := m.tickers.Get(); ok {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, body, err := m.caller.get(ctx, jsonTimeout, m.baseURL+"/api/v1/contract/ticker", nil, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if status != http.StatusOK {
			lastErr = Ef(KindStatus, "mexc", "ticker batch: HTTP %d", status)
			log.Warn().Int("status", status).Int("attempt", attempt+1).Msg("MEXC ticker batch failed, switching proxy")
			continue
		}

		var env mexcEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return E(KindSchema, "mexc", err)
		}
		if !env.Success || env.Code != 0 || len(env.Data) == 0 {
			return Ef(KindSchema, "mexc", "ticker batch: unsuccessful response code=%d", env.Code)
		}

		var items []struct {
			Symbol string   `json:"symbol"`
			Bid1   *float64 `json:"bid1"`
			Ask1   *float64 `json:"ask1"`
		}
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return E(KindSchema, "mexc", err)
		}

		tickers := make(map[string]Ticker, len(items))
		for _, it := range items {
			if it.Symbol == "" || it.Bid1 == nil || it.Ask1 == nil {
				continue
			}
			tickers[it.Symbol] = Ticker{Bid: *it.Bid1, Ask: *it.Ask1}
		}
		m.tickers.Set(tickers)
		log.Debug().Int("symbols", len(tickers)).Msg("MEXC ticker batch refreshed")
		return nil
	}

	return lastErr
}

// TickerFor reads the token's bid/ask from the primed snapshot, applying
// the optional price scale. Both sides are nil when the symbol is absent.
func (m *MEXCClient) TickerFor(tok *model.TokenConfig) (bid, ask *float64) {
	tickers, ok := m.tickers.Last()
	if !ok {
		return nil, nil
	}

	t, ok := tickers[m.ResolveSymbol(tok)]
	if !ok {
		return nil, nil
	}

	b, a := t.Bid, t.Ask
	if tok.MEXCPriceScale != nil && *tok.MEXCPriceScale >= 0 {
		b = roundTo(b, *tok.MEXCPriceScale)
		a = roundTo(a, *tok.MEXCPriceScale)
	}
	return &b, &a
}

// MinNotional derives the token's minimum order size in quote units as
// minVol * contractSize * price. Returns nil when metadata or price is
// unavailable.
func (m *MEXCClient) MinNotional(ctx context.Context, tok *model.TokenConfig, price *float64) *float64 {
	contracts, err := m.ensureContracts(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("MEXC contract metadata unavailable")
		return nil
	}

	symbol := m.ResolveSymbol(tok)
	meta, ok := contracts[symbol]
	if !ok {
		return nil
	}

	p := 0.0
	if price != nil {
		p = *price
	} else if tickers, ok := m.tickers.Last(); ok {
		if t, ok := tickers[symbol]; ok {
			switch {
			case t.Bid > 0 && t.Ask > 0:
				p = (t.Bid + t.Ask) / 2
			case t.Bid > 0:
				p = t.Bid
			default:
				p = t.Ask
			}
		}
	}
	if p <= 0 {
		return nil
	}

	min := roundTo(meta.MinVol*meta.ContractSize*p, 2)
	return &min
}

// ResolveSymbol maps a token to its MEXC futures symbol: the configured
// override, or BASE_QUOTE with special characters stripped from base.
func (m *MEXCClient) ResolveSymbol(tok *model.TokenConfig) string {
	base := tok.Base
	if tok.MEXCSymbol != "" {
		base = tok.MEXCSymbol
	}
	clean := strings.Map(func(r rune) rune {
		if strings.ContainsRune(symbolSpecials, r) {
			return -1
		}
		return r
	}, base)
	clean = strings.TrimSpace(clean)
	return fmt.Sprintf("%s_%s", strings.ToUpper(clean), strings.ToUpper(tok.Quote))
}

func (m *MEXCClient) ensureContracts(ctx context.Context) (map[string]contractMeta, error) {
	if cached, ok := m.contracts.Get(); ok {
		return cached, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, body, err := m.caller.get(ctx, jsonTimeout, m.baseURL+"/api/v1/contract/detail", nil, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if status != http.StatusOK {
			lastErr = Ef(KindStatus, "mexc", "contract detail: HTTP %d", status)
			continue
		}

		var env mexcEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, E(KindSchema, "mexc", err)
		}
		if !env.Success || env.Code != 0 || len(env.Data) == 0 {
			return nil, Ef(KindSchema, "mexc", "contract detail: unsuccessful response code=%d", env.Code)
		}

		type detail struct {
			Symbol       string   `json:"symbol"`
			ContractSize *float64 `json:"contractSize"`
			MinVol       *float64 `json:"minVol"`
			MaxVol       *float64 `json:"maxVol"`
		}

		// The endpoint returns a single object when queried with a symbol
		// parameter and a list otherwise.
		var details []detail
		if err := json.Unmarshal(env.Data, &details); err != nil {
			var one detail
			if err := json.Unmarshal(env.Data, &one); err != nil {
				return nil, E(KindSchema, "mexc", err)
			}
			details = []detail{one}
		}

		contracts := make(map[string]contractMeta, len(details))
		for _, d := range details {
			if d.Symbol == "" {
				continue
			}
			meta := contractMeta{ContractSize: 1, MinVol: 1, MaxVol: 1000000}
			if d.ContractSize != nil {
				meta.ContractSize = *d.ContractSize
			}
			if d.MinVol != nil {
				meta.MinVol = *d.MinVol
			}
			if d.MaxVol != nil {
				meta.MaxVol = *d.MaxVol
			}
			contracts[d.Symbol] = meta
		}
		m.contracts.Set(contracts)
		log.Debug().Int("contracts", len(contracts)).Msg("MEXC contract metadata refreshed")
		return contracts, nil
	}

	return nil, lastErr
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
