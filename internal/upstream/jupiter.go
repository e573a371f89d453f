package upstream

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/proxy"
	"github.com/spreadwatch/spreadwatch/internal/quotecache"
)

const (
	jupiterDefaultBase = "https://ultra-api.jup.ag"

	jupiterUSDTMint     = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
	jupiterUSDTDecimals = 6
	jupiterUSDTAmount   = 100.0

	jupiterCacheTTL = 1 * time.Second

	// Prices below this are liquidity artifacts, not quotes.
	jupiterPriceFloor = 1e-7

	// Cross-validation band: reject quotes further than this fraction
	// from the CEX mid-price.
	jupiterCrossBand = 0.5
)

// JupiterClient quotes Solana tokens through the Jupiter router: sell
// 100 USDT for the token's mint, ExactIn, and invert the out-amount.
//
// The per-mint cache holds the last price that survived validation; it
// doubles as a 1 s speed cache and as the fallback when a fresh quote is
// rejected as anomalous.
type JupiterClient struct {
	caller  *caller
	baseURL string
	cache   *quotecache.Keyed[float64]
}

// NewJupiter creates the DEX-A client. baseURL is overridable for tests.
func NewJupiter(pool *proxy.Pool, baseURL string) *JupiterClient {
	if baseURL == "" {
		baseURL = jupiterDefaultBase
	}
	return &JupiterClient{
		caller:  newCaller("jupiter", pool),
		baseURL: baseURL,
		cache:   quotecache.NewKeyed[float64](jupiterCacheTTL),
	}
}

// Name implements Client.
func (j *JupiterClient) Name() model.DEX { return model.DEXJupiter }

// Fetch implements Client. The returned price has passed the absolute
// plausibility checks but not yet the CEX cross-validation; that runs in
// Validate once the CEX sides are known.
func (j *JupiterClient) Fetch(ctx context.Context, tok *model.TokenConfig) (float64, error) {
	if tok.JupiterMint == "" || tok.JupiterDecimals == nil {
		return 0, Ef(KindSchema, "jupiter", "token %s has no mint routing", tok.Name)
	}
	mint := tok.JupiterMint

	if cached, ok := j.cache.Get(mint); ok {
		return cached, nil
	}

	amountRaw := int64(jupiterUSDTAmount * math.Pow10(jupiterUSDTDecimals))
	params := url.Values{
		"inputMint":  {jupiterUSDTMint},
		"outputMint": {mint},
		"amount":     {strconv.FormatInt(amountRaw, 10)},
		"swapMode":   {"ExactIn"},
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, body, err := j.caller.get(ctx, jsonTimeout, j.baseURL+"/order", params, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if status != http.StatusOK {
			lastErr = Ef(KindStatus, "jupiter", "HTTP %d for mint %s", status, mint)
			log.Warn().Int("status", status).Str("mint", mint).Int("attempt", attempt+1).Msg("Jupiter quote failed, switching proxy")
			continue
		}

		var quote struct {
			OutAmount   string    `json:"outAmount"`
			PriceImpact flexFloat `json:"priceImpact"`
		}
		if err := json.Unmarshal(body, &quote); err != nil {
			return 0, E(KindSchema, "jupiter", err)
		}
		if quote.OutAmount == "" {
			return 0, Ef(KindSchema, "jupiter", "no outAmount for mint %s", mint)
		}

		// priceImpact above 100% means the route drained its liquidity.
		if float64(quote.PriceImpact) > 100 {
			log.Warn().Str("mint", mint).Float64("price_impact", float64(quote.PriceImpact)).Msg("Jupiter anomaly: price impact, using cached")
			return j.fallback(mint, "priceImpact %.1f%% > 100%%", float64(quote.PriceImpact))
		}

		// Raw amounts for high-decimal mints overflow int64.
		outRaw, err := strconv.ParseFloat(quote.OutAmount, 64)
		if err != nil {
			return 0, E(KindSchema, "jupiter", err)
		}
		if outRaw <= 0 {
			return 0, Ef(KindSchema, "jupiter", "non-positive outAmount for mint %s", mint)
		}

		tokenAmount := outRaw / math.Pow10(*tok.JupiterDecimals)
		if tokenAmount <= 0 {
			return 0, Ef(KindSchema, "jupiter", "zero token amount for mint %s", mint)
		}
		price := jupiterUSDTAmount / tokenAmount

		if price < jupiterPriceFloor {
			log.Warn().Str("mint", mint).Float64("price", price).Msg("Jupiter anomaly: price below floor, using cached")
			return j.fallback(mint, "price %.12f below floor", price)
		}

		log.Debug().Str("mint", mint).Int("decimals", *tok.JupiterDecimals).Float64("price", price).Msg("Jupiter price")
		return price, nil
	}

	return 0, lastErr
}

// fallback serves the last accepted quote when a fresh one is rejected.
func (j *JupiterClient) fallback(mint, format string, args ...any) (float64, error) {
	if cached, ok := j.cache.GetStale(mint); ok && cached > jupiterPriceFloor {
		return cached, nil
	}
	return 0, Ef(KindAnomaly, "jupiter", format, args...)
}

// Validate cross-checks a fetched quote against the CEX mid-price and
// returns the price to use plus whether to keep the DEX block at all.
// Accepted prices are committed to the cache here, so the cache always
// holds the previous cycle's accepted value during validation.
func (j *JupiterClient) Validate(tok *model.TokenConfig, price float64, bid, ask *float64) (float64, bool) {
	mint := tok.JupiterMint

	if bid == nil || ask == nil || *bid <= 0 || *ask <= 0 {
		j.cache.Set(mint, price)
		return price, true
	}

	mid := (*bid + *ask) / 2
	delta := math.Abs(price-mid) / mid
	if delta <= jupiterCrossBand {
		j.cache.Set(mint, price)
		return price, true
	}

	if prev, ok := j.cache.GetStale(mint); ok {
		prevDelta := math.Abs(prev-mid) / mid
		if prevDelta < delta {
			log.Warn().
				Str("token", tok.Name).
				Float64("price", price).
				Float64("mid", mid).
				Float64("delta", delta).
				Float64("cached", prev).
				Msg("Jupiter anomaly: cross-validation, substituting cached")
			return prev, true
		}
		if prevDelta > delta {
			// New quote is closer to the CEX than the cache: a real move.
			log.Info().
				Str("token", tok.Name).
				Float64("price", price).
				Float64("mid", mid).
				Msg("Jupiter price change confirmed against CEX mid")
			j.cache.Set(mint, price)
			return price, true
		}
	}

	log.Warn().
		Str("token", tok.Name).
		Float64("price", price).
		Float64("mid", mid).
		Float64("delta", delta).
		Msg("Jupiter anomaly: cross-validation, dropping quote")
	return 0, false
}

// flexFloat decodes JSON numbers that arrive as either numbers or strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
