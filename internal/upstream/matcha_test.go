package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadwatch/spreadwatch/internal/model"
)

func matchaToken() *model.TokenConfig {
	return &model.TokenConfig{
		Name:           "PEPE-USDT",
		MatchaAddress:  "0x1234567890abcdef1234567890abcdef12345678",
		MatchaDecimals: model.Int(18),
	}
}

type matchaServer struct {
	srv        *httptest.Server
	jwtHits    int32
	priceHits  int32
	jwtDelay   time.Duration
	rejectJWTs sync.Map // token -> struct{}
	buyAmount  string
}

func newMatchaServer(t *testing.T, buyAmount string) *matchaServer {
	t.Helper()
	ms := &matchaServer{buyAmount: buyAmount}
	ms.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/jwt":
			n := atomic.AddInt32(&ms.jwtHits, 1)
			if ms.jwtDelay > 0 {
				time.Sleep(ms.jwtDelay)
			}
			fmt.Fprintf(w, `{"token":"jwt-%d","exp":%d}`, n, time.Now().Add(time.Hour).Unix())
		case "/api/gasless/price":
			atomic.AddInt32(&ms.priceHits, 1)
			token := r.Header.Get("X-Matcha-Jwt")
			if _, bad := ms.rejectJWTs.Load(token); bad || token == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			assert.Equal(t, "8453", r.URL.Query().Get("chainId"))
			assert.Equal(t, matchaUSDT, r.URL.Query().Get("sellToken"))
			assert.Equal(t, "100000000", r.URL.Query().Get("sellAmount"))
			fmt.Fprintf(w, `{"buyAmount":%q}`, ms.buyAmount)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ms.srv.Close)
	return ms
}

func newMatchaClient(ms *matchaServer) *MatchaClient {
	return NewMatcha(NewBrowserChallengeClient(directPool()), ms.srv.URL)
}

func TestMatchaFetch(t *testing.T) {
	// 100 USDT buys 250 tokens (18 decimals): price 0.40.
	ms := newMatchaServer(t, "250000000000000000000")
	m := newMatchaClient(ms)

	price, err := m.Fetch(context.Background(), matchaToken())
	require.NoError(t, err)
	assert.InDelta(t, 0.40, price, 1e-9)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ms.jwtHits))
}

func TestMatchaFetchDefaultDecimals(t *testing.T) {
	ms := newMatchaServer(t, "250000000000000000000")
	m := newMatchaClient(ms)

	tok := matchaToken()
	tok.MatchaDecimals = nil // sell decimals default to 18
	price, err := m.Fetch(context.Background(), tok)
	require.NoError(t, err)
	assert.InDelta(t, 0.40, price, 1e-9)
}

func TestMatchaFetchCheapToken(t *testing.T) {
	// 100 USDT buys 50000 tokens at 18 decimals: a raw buyAmount of
	// 5e22, far above int64, the normal case for cheap meme tokens.
	ms := newMatchaServer(t, "50000000000000000000000")
	m := newMatchaClient(ms)

	price, err := m.Fetch(context.Background(), matchaToken())
	require.NoError(t, err)
	assert.InDelta(t, 0.002, price, 1e-9)
}

func TestMatchaFetchNoAddress(t *testing.T) {
	ms := newMatchaServer(t, "1")
	m := newMatchaClient(ms)

	_, err := m.Fetch(context.Background(), &model.TokenConfig{Name: "X-USDT"})
	require.Error(t, err)
	assert.Equal(t, KindSchema, KindOf(err))
}

func TestMatchaCredentialReuse(t *testing.T) {
	ms := newMatchaServer(t, "250000000000000000000")
	m := newMatchaClient(ms)
	tok := matchaToken()

	for i := 0; i < 3; i++ {
		_, err := m.Fetch(context.Background(), tok)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&ms.jwtHits), "valid credential is reused across calls")
	assert.Equal(t, int32(3), atomic.LoadInt32(&ms.priceHits))
}

func TestMatchaCredentialSingleFlight(t *testing.T) {
	ms := newMatchaServer(t, "250000000000000000000")
	ms.jwtDelay = 50 * time.Millisecond
	m := newMatchaClient(ms)
	tok := matchaToken()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Fetch(context.Background(), tok)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&ms.jwtHits), "concurrent callers share one refresh")
}

func TestMatchaRejectedCredentialRefreshes(t *testing.T) {
	ms := newMatchaServer(t, "250000000000000000000")
	ms.rejectJWTs.Store("jwt-1", struct{}{})
	m := newMatchaClient(ms)

	price, err := m.Fetch(context.Background(), matchaToken())
	require.NoError(t, err, "401 invalidates the credential and the retry succeeds")
	assert.InDelta(t, 0.40, price, 1e-9)
	assert.Equal(t, int32(2), atomic.LoadInt32(&ms.jwtHits))
}

func TestMatchaExpiredCredentialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/jwt" {
			fmt.Fprintf(w, `{"token":"stale","exp":%d}`, time.Now().Add(-time.Minute).Unix())
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := NewMatcha(NewBrowserChallengeClient(directPool()), srv.URL)
	_, err := m.Fetch(context.Background(), matchaToken())
	require.Error(t, err)
	assert.Equal(t, KindSchema, KindOf(err))
}
