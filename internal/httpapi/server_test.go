package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadwatch/spreadwatch/internal/fanout"
	"github.com/spreadwatch/spreadwatch/internal/metrics"
	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/proxy"
	"github.com/spreadwatch/spreadwatch/internal/snapshot"
)

type emptyProxyRepo struct{}

func (emptyProxyRepo) ListActive(context.Context) ([]model.ProxyEntry, error) { return nil, nil }
func (emptyProxyRepo) ListAll(context.Context) ([]model.ProxyEntry, error)    { return nil, nil }
func (emptyProxyRepo) UpdateHealth(context.Context, int64, bool, int, time.Time) error {
	return nil
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	pool := proxy.NewPool(emptyProxyRepo{})
	prober := proxy.NewProber(emptyProxyRepo{}, pool, "http://check.example/", 5, 0, time.Minute, m)
	hub := fanout.NewHub(snapshot.New(), m)

	srv := httptest.NewServer(New(hub, prober, pool, registry).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatus(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		UptimeSeconds    float64  `json:"uptime_seconds"`
		Subscribers      int      `json:"subscribers"`
		SubscribedTokens []string `json:"subscribed_tokens"`
		ActiveProxies    int      `json:"active_proxies"`
		ProxyCheckedAt   *string  `json:"proxy_checked_at"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.GreaterOrEqual(t, body.UptimeSeconds, 0.0)
	assert.Equal(t, 0, body.Subscribers)
	assert.Equal(t, 0, body.ActiveProxies)
	assert.Nil(t, body.ProxyCheckedAt, "no probe has run yet")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
