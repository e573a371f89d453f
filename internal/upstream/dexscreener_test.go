package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadwatch/spreadwatch/internal/model"
)

func TestPickPair(t *testing.T) {
	tests := []struct {
		name  string
		pairs []dexscreenerPair
		want  float64
		ok    bool
	}{
		{
			name: "prefers pancake over larger venue",
			pairs: []dexscreenerPair{
				pair("uniswap", "1.10", 900000),
				pair("pancakeswap", "1.00", 50000),
			},
			want: 1.00,
			ok:   true,
		},
		{
			name: "largest pancake pool wins",
			pairs: []dexscreenerPair{
				pair("pancakeswap-v2", "1.00", 50000),
				pair("pancakeswap-v3", "1.02", 80000),
			},
			want: 1.02,
			ok:   true,
		},
		{
			name: "falls back to best other venue",
			pairs: []dexscreenerPair{
				pair("uniswap", "1.10", 10000),
				pair("biswap", "1.05", 90000),
			},
			want: 1.05,
			ok:   true,
		},
		{
			name: "zero liquidity filtered",
			pairs: []dexscreenerPair{
				pair("pancakeswap", "1.00", 0),
			},
			ok: false,
		},
		{
			name: "implausible price filtered",
			pairs: []dexscreenerPair{
				pair("pancakeswap", "2000000", 50000),
				pair("pancakeswap", "0", 50000),
			},
			ok: false,
		},
		{
			name: "unparseable price skipped",
			pairs: []dexscreenerPair{
				pair("pancakeswap", "", 50000),
				pair("biswap", "abc", 50000),
				pair("biswap", "0.5", 1000),
			},
			want: 0.5,
			ok:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pickPair(tt.pairs)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func pair(dexID, price string, liq float64) dexscreenerPair {
	p := dexscreenerPair{DexID: dexID, PriceUSD: price}
	p.Liquidity.USD = liq
	return p
}

func TestPancakeFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/latest/dex/tokens/0xabc", r.URL.Path)
		w.Write([]byte(`{"pairs":[
			{"dexId":"pancakeswap","priceUsd":"0.42","liquidity":{"usd":120000}},
			{"dexId":"uniswap","priceUsd":"0.43","liquidity":{"usd":500000}}
		]}`))
	}))
	defer srv.Close()

	p := NewPancake(directPool(), srv.URL)
	price, err := p.Fetch(context.Background(), &model.TokenConfig{Name: "X-USDT", BSCAddress: "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, 0.42, price)
}

func TestPancakeFetchNoMarkets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"pairs":[]}`))
	}))
	defer srv.Close()

	p := NewPancake(directPool(), srv.URL)
	_, err := p.Fetch(context.Background(), &model.TokenConfig{Name: "X-USDT", BSCAddress: "0xabc"})
	require.Error(t, err)
	assert.Equal(t, KindSchema, KindOf(err))
}

func TestPancakeFetchNoAddress(t *testing.T) {
	p := NewPancake(directPool(), "http://unused.example")
	_, err := p.Fetch(context.Background(), &model.TokenConfig{Name: "X-USDT"})
	require.Error(t, err)
	assert.Equal(t, KindSchema, KindOf(err))
}

func TestPancakeFetchRetriesOnStatus(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"pairs":[{"dexId":"pancakeswap","priceUsd":"0.42","liquidity":{"usd":1000}}]}`))
	}))
	defer srv.Close()

	p := NewPancake(directPool(), srv.URL)
	price, err := p.Fetch(context.Background(), &model.TokenConfig{Name: "X-USDT", BSCAddress: "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, 0.42, price)
	assert.Equal(t, 2, hits)
}
