// Package spread combines CEX bid/ask with DEX prices into per-cycle
// observations: direct and reverse spread per DEX, plus the CEX minimum
// order notional.
package spread

import (
	"context"
	"time"

	"github.com/spreadwatch/spreadwatch/internal/model"
)

// Validator is a per-DEX plausibility rule. It returns the price to use
// and whether to keep the DEX block. Anomaly filtering is declared by
// the DEX client that understands its own quote source, not here.
type Validator interface {
	Validate(tok *model.TokenConfig, price float64, bid, ask *float64) (float64, bool)
}

// Prices at or above this are upstream glitches, whatever the source.
const priceCeiling = 1e6

// NotionalSource derives a token's minimum order size in quote units.
type NotionalSource interface {
	MinNotional(ctx context.Context, tok *model.TokenConfig, price *float64) *float64
}

// Engine builds observations. One instance is shared by all scheduler
// tasks; it holds no per-token state.
type Engine struct {
	validators map[model.DEX]Validator
	notional   NotionalSource
}

// NewEngine creates an engine over the given notional source.
func NewEngine(notional NotionalSource) *Engine {
	return &Engine{
		validators: make(map[model.DEX]Validator),
		notional:   notional,
	}
}

// RegisterValidator attaches a plausibility rule to one DEX.
func (e *Engine) RegisterValidator(dex model.DEX, v Validator) {
	e.validators[dex] = v
}

// Build assembles the observation for one token from the CEX sides and
// whatever DEX prices the cycle produced.
func (e *Engine) Build(ctx context.Context, tok *model.TokenConfig, bid, ask *float64, prices map[model.DEX]float64) model.Observation {
	spreads := make(map[model.DEX]model.DEXQuote, len(prices))

	for dex, price := range prices {
		if price <= 0 {
			continue
		}
		if v, ok := e.validators[dex]; ok {
			adjusted, keep := v.Validate(tok, price, bid, ask)
			if !keep {
				continue
			}
			price = adjusted
		}
		if price >= priceCeiling {
			continue
		}

		direct, reverse := Calc(bid, ask, price)
		spreads[dex] = model.DEXQuote{
			Direct:   direct,
			Reverse:  reverse,
			DEXPrice: price,
			CEXBid:   copyFloat(bid),
			CEXAsk:   copyFloat(ask),
		}
	}

	var mid *float64
	switch {
	case positive(bid) && positive(ask):
		mid = model.Float((*bid + *ask) / 2)
	case positive(bid):
		mid = copyFloat(bid)
	case positive(ask):
		mid = copyFloat(ask)
	}

	var limit *float64
	if e.notional != nil {
		limit = e.notional.MinNotional(ctx, tok, mid)
	}

	return model.Observation{
		TokenName: tok.Name,
		MEXCPrice: [2]*float64{copyFloat(bid), copyFloat(ask)},
		MEXCLimit: limit,
		Spreads:   spreads,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// Calc computes direct and reverse spread percentages. Either side is
// nil when its CEX side is missing; both are nil when price <= 0.
func Calc(bid, ask *float64, price float64) (direct, reverse *float64) {
	if price <= 0 {
		return nil, nil
	}
	if positive(bid) {
		direct = model.Float((*bid - price) / price * 100)
	}
	if positive(ask) {
		reverse = model.Float((price - *ask) / *ask * 100)
	}
	return direct, reverse
}

func positive(v *float64) bool { return v != nil && *v > 0 }

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
