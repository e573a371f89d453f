package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadwatch/spreadwatch/internal/model"
)

func jupiterToken() *model.TokenConfig {
	return &model.TokenConfig{
		Name:            "PEPE-USDT",
		JupiterMint:     "PepeMint1111111111111111111111111111111111",
		JupiterDecimals: model.Int(6),
	}
}

func jupiterServer(t *testing.T, outAmount string, priceImpact string) (*JupiterClient, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		require.Equal(t, "/order", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, jupiterUSDTMint, q.Get("inputMint"))
		assert.Equal(t, "100000000", q.Get("amount"))
		assert.Equal(t, "ExactIn", q.Get("swapMode"))
		fmt.Fprintf(w, `{"outAmount":%q,"priceImpact":%s}`, outAmount, priceImpact)
	}))
	t.Cleanup(srv.Close)
	return NewJupiter(directPool(), srv.URL), &hits
}

func TestJupiterFetch(t *testing.T) {
	// 200 tokens out for 100 USDT in.
	j, _ := jupiterServer(t, "200000000", `"0.01"`)

	price, err := j.Fetch(context.Background(), jupiterToken())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, price, 1e-9)
}

func TestJupiterFetchHighDecimalMint(t *testing.T) {
	// 250 tokens at 18 decimals: the raw out-amount is far above int64.
	j, _ := jupiterServer(t, "250000000000000000000", "0")
	tok := jupiterToken()
	tok.JupiterDecimals = model.Int(18)

	price, err := j.Fetch(context.Background(), tok)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, price, 1e-9)
}

func TestJupiterFetchServesCacheWithinTTL(t *testing.T) {
	j, hits := jupiterServer(t, "200000000", "0")
	tok := jupiterToken()

	price, err := j.Fetch(context.Background(), tok)
	require.NoError(t, err)
	j.Validate(tok, price, nil, nil) // accept commits to the cache

	price, err = j.Fetch(context.Background(), tok)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, price, 1e-9)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits), "second fetch inside the TTL is served from cache")
}

func TestJupiterFetchNoRouting(t *testing.T) {
	j, _ := jupiterServer(t, "1", "0")

	_, err := j.Fetch(context.Background(), &model.TokenConfig{Name: "X-USDT"})
	require.Error(t, err)
	assert.Equal(t, KindSchema, KindOf(err))
}

func TestJupiterPriceImpactAnomaly(t *testing.T) {
	j, _ := jupiterServer(t, "200000000", "150.0")
	tok := jupiterToken()

	// No cached quote yet: the anomaly surfaces.
	_, err := j.Fetch(context.Background(), tok)
	require.Error(t, err)
	assert.Equal(t, KindAnomaly, KindOf(err))

	// With a previously accepted quote the anomaly falls back to it.
	j.cache.Set(tok.JupiterMint, 0.48)
	price, err := j.Fetch(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, 0.48, price)
}

func TestJupiterPriceFloorAnomaly(t *testing.T) {
	// 100 USDT buys 1e12 tokens: price 1e-10, far below the floor.
	j, _ := jupiterServer(t, "1000000000000000000", "0")
	tok := jupiterToken()

	_, err := j.Fetch(context.Background(), tok)
	require.Error(t, err)
	assert.Equal(t, KindAnomaly, KindOf(err))
}

func TestJupiterValidateAcceptsWithinBand(t *testing.T) {
	j := NewJupiter(directPool(), "http://unused.example")
	tok := jupiterToken()

	price, keep := j.Validate(tok, 1.00, model.Float(0.99), model.Float(1.01))
	assert.True(t, keep)
	assert.Equal(t, 1.00, price)

	cached, ok := j.cache.GetStale(tok.JupiterMint)
	require.True(t, ok, "accepted prices are committed to the cache")
	assert.Equal(t, 1.00, cached)
}

func TestJupiterValidateNoCEXSides(t *testing.T) {
	j := NewJupiter(directPool(), "http://unused.example")
	tok := jupiterToken()

	price, keep := j.Validate(tok, 2.00, nil, model.Float(1.02))
	assert.True(t, keep, "without both CEX sides there is nothing to validate against")
	assert.Equal(t, 2.00, price)
}

func TestJupiterValidateDropsWithoutCache(t *testing.T) {
	j := NewJupiter(directPool(), "http://unused.example")
	tok := jupiterToken()

	// Price 2.00 against mid 1.01 is ~98% off; no cached quote to fall
	// back on, so the block is dropped.
	_, keep := j.Validate(tok, 2.00, model.Float(1.00), model.Float(1.02))
	assert.False(t, keep)

	_, ok := j.cache.GetStale(tok.JupiterMint)
	assert.False(t, ok, "rejected prices never reach the cache")
}

func TestJupiterValidateSubstitutesCached(t *testing.T) {
	j := NewJupiter(directPool(), "http://unused.example")
	tok := jupiterToken()
	j.cache.Set(tok.JupiterMint, 1.015)

	price, keep := j.Validate(tok, 2.00, model.Float(1.00), model.Float(1.02))
	require.True(t, keep)
	assert.Equal(t, 1.015, price, "cached plausible quote substitutes the outlier")

	cached, _ := j.cache.GetStale(tok.JupiterMint)
	assert.Equal(t, 1.015, cached, "substitution does not overwrite the cache")
}

func TestJupiterValidateConfirmsRealMove(t *testing.T) {
	j := NewJupiter(directPool(), "http://unused.example")
	tok := jupiterToken()
	// The cached quote is even further from the CEX than the new one:
	// the market moved and the new quote wins.
	j.cache.Set(tok.JupiterMint, 5.00)

	price, keep := j.Validate(tok, 2.00, model.Float(1.00), model.Float(1.02))
	require.True(t, keep)
	assert.Equal(t, 2.00, price)

	cached, _ := j.cache.GetStale(tok.JupiterMint)
	assert.Equal(t, 2.00, cached)
}

func TestFlexFloat(t *testing.T) {
	var payload struct {
		A flexFloat `json:"a"`
		B flexFloat `json:"b"`
		C flexFloat `json:"c"`
		D flexFloat `json:"d"`
	}
	err := json.Unmarshal([]byte(`{"a":1.5,"b":"2.25","c":null,"d":""}`), &payload)
	require.NoError(t, err)
	assert.Equal(t, flexFloat(1.5), payload.A)
	assert.Equal(t, flexFloat(2.25), payload.B)
	assert.Equal(t, flexFloat(0), payload.C)
	assert.Equal(t, flexFloat(0), payload.D)
}
