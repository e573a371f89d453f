package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/proxy"
)

const (
	dexscreenerDefaultBase = "https://api.dexscreener.com"

	// Prices above this are aggregator junk, not markets.
	pancakePriceCeiling = 1e6
)

// PancakeClient quotes BSC tokens through the DexScreener aggregator:
// list the token's markets, keep pairs with real USD liquidity and a
// plausible price, and prefer PancakeSwap pairs over other venues.
type PancakeClient struct {
	caller  *caller
	baseURL string
}

// NewPancake creates the DEX-B client. baseURL is overridable for tests.
func NewPancake(pool *proxy.Pool, baseURL string) *PancakeClient {
	if baseURL == "" {
		baseURL = dexscreenerDefaultBase
	}
	return &PancakeClient{caller: newCaller("pancake", pool), baseURL: baseURL}
}

// Name implements Client.
func (p *PancakeClient) Name() model.DEX { return model.DEXPancake }

type dexscreenerPair struct {
	DexID     string `json:"dexId"`
	PriceUSD  string `json:"priceUsd"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
}

// Fetch implements Client.
func (p *PancakeClient) Fetch(ctx context.Context, tok *model.TokenConfig) (float64, error) {
	addr := strings.TrimSpace(tok.BSCAddress)
	if addr == "" {
		return 0, Ef(KindSchema, "pancake", "token %s has no BSC address", tok.Name)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, body, err := p.caller.get(ctx, jsonTimeout, p.baseURL+"/latest/dex/tokens/"+addr, nil, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if status != http.StatusOK {
			lastErr = Ef(KindStatus, "pancake", "HTTP %d for %s", status, addr)
			log.Warn().Int("status", status).Str("addr", addr).Int("attempt", attempt+1).Msg("DexScreener request failed, switching proxy")
			continue
		}

		var payload struct {
			Pairs []dexscreenerPair `json:"pairs"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return 0, E(KindSchema, "pancake", err)
		}
		if len(payload.Pairs) == 0 {
			return 0, Ef(KindSchema, "pancake", "no markets for token %s", addr)
		}

		price, ok := pickPair(payload.Pairs)
		if !ok {
			return 0, Ef(KindAnomaly, "pancake", "no plausible pair for token %s", addr)
		}
		return price, nil
	}

	return 0, lastErr
}

// pickPair selects the highest-liquidity PancakeSwap pair, falling back
// to the highest-liquidity pair on any venue.
func pickPair(pairs []dexscreenerPair) (float64, bool) {
	var (
		bestPancake    float64
		bestPancakeLiq float64
		bestAny        float64
		bestAnyLiq     float64
		found          bool
	)

	for _, pair := range pairs {
		if pair.PriceUSD == "" {
			continue
		}
		price, err := strconv.ParseFloat(pair.PriceUSD, 64)
		if err != nil {
			continue
		}
		if price <= 0 || price > pancakePriceCeiling {
			continue
		}
		liq := pair.Liquidity.USD
		if liq <= 0 {
			continue
		}

		found = true
		if strings.Contains(strings.ToLower(pair.DexID), "pancake") && liq > bestPancakeLiq {
			bestPancake, bestPancakeLiq = price, liq
		}
		if liq > bestAnyLiq {
			bestAny, bestAnyLiq = price, liq
		}
	}

	if !found {
		return 0, false
	}
	if bestPancakeLiq > 0 {
		return bestPancake, true
	}
	return bestAny, true
}
