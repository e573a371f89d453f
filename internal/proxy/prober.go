package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spreadwatch/spreadwatch/internal/metrics"
	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/persistence"
)

const probeTimeout = 10 * time.Second

// Result is one proxy's probe outcome, exposed for inspection.
type Result struct {
	ID             int64   `json:"id"`
	Working        bool    `json:"working"`
	ResponseTimeMS *int64  `json:"response_time"`
	IP             *string `json:"ip"`
	Error          *string `json:"error"`
	CheckedAt      string  `json:"checked_at"`
}

// Prober periodically probes every proxy through an IP-echo endpoint and
// rewrites active/inactive state in the store.
type Prober struct {
	repo      persistence.ProxyRepo
	pool      *Pool
	checkURL  string
	threshold int
	delay     time.Duration
	interval  time.Duration
	metrics   *metrics.Metrics

	mu          sync.Mutex
	running     bool
	lastResults []Result
	lastProbe   time.Time
}

// NewProber creates a prober over the same repo as pool.
func NewProber(repo persistence.ProxyRepo, pool *Pool, checkURL string, threshold int, delay, interval time.Duration, m *metrics.Metrics) *Prober {
	return &Prober{
		repo:      repo,
		pool:      pool,
		checkURL:  checkURL,
		threshold: threshold,
		delay:     delay,
		interval:  interval,
		metrics:   m,
	}
}

// Run probes all proxies every interval, starting delay after launch.
// Blocks until ctx is cancelled; exclusive with itself.
func (pr *Prober) Run(ctx context.Context) {
	pr.mu.Lock()
	if pr.running {
		pr.mu.Unlock()
		return
	}
	pr.running = true
	pr.mu.Unlock()
	defer func() {
		pr.mu.Lock()
		pr.running = false
		pr.mu.Unlock()
	}()

	log.Info().
		Dur("delay", pr.delay).
		Dur("interval", pr.interval).
		Msg("Proxy health prober started")

	select {
	case <-ctx.Done():
		return
	case <-time.After(pr.delay):
	}

	ticker := time.NewTicker(pr.interval)
	defer ticker.Stop()

	for {
		if _, err := pr.ProbeAll(ctx); err != nil {
			log.Error().Err(err).Msg("Proxy health probe failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProbeAll probes every proxy regardless of active state, commits the
// outcomes and invalidates the pool cache.
func (pr *Prober) ProbeAll(ctx context.Context) ([]Result, error) {
	proxies, err := pr.repo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies for probe: %w", err)
	}

	results := make([]Result, 0, len(proxies))
	working := 0
	now := time.Now()

	for i := range proxies {
		res := pr.probeOne(ctx, &proxies[i])
		results = append(results, res)
		if res.Working {
			working++
		}
		if err := pr.repo.UpdateHealth(ctx, proxies[i].ID, res.Working, pr.threshold, now); err != nil {
			log.Error().Err(err).Int64("proxy_id", proxies[i].ID).Msg("Failed to commit probe outcome")
		}
	}

	pr.pool.Invalidate()
	pr.metrics.SetProxiesActive(working)

	pr.mu.Lock()
	pr.lastResults = results
	pr.lastProbe = now
	pr.mu.Unlock()

	log.Info().
		Int("working", working).
		Int("total", len(results)).
		Msg("Proxy health probe completed")
	return results, nil
}

func (pr *Prober) probeOne(ctx context.Context, entry *model.ProxyEntry) Result {
	res := Result{ID: entry.ID, CheckedAt: time.Now().UTC().Format(time.RFC3339)}

	client, err := NewHTTPClient(entry, probeTimeout)
	if err != nil {
		msg := err.Error()
		res.Error = &msg
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pr.checkURL, nil)
	if err != nil {
		msg := err.Error()
		res.Error = &msg
		return res
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		msg := truncate(err.Error(), 100)
		res.Error = &msg
		log.Warn().Int64("proxy_id", entry.ID).Str("host", entry.SafeHost()).Str("error", msg).Msg("Proxy probe failed")
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		res.Error = &msg
		log.Warn().Int64("proxy_id", entry.ID).Str("host", entry.SafeHost()).Str("error", msg).Msg("Proxy probe failed")
		return res
	}

	elapsed := time.Since(start).Milliseconds()
	res.Working = true
	res.ResponseTimeMS = &elapsed

	var echo struct {
		IP string `json:"ip"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(body, &echo) == nil && echo.IP != "" {
		res.IP = &echo.IP
	}

	log.Debug().
		Int64("proxy_id", entry.ID).
		Str("host", entry.SafeHost()).
		Int64("ms", elapsed).
		Msg("Proxy probe ok")
	return res
}

// LastResults returns the most recent probe outcomes and their time.
func (pr *Prober) LastResults() ([]Result, time.Time) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	out := make([]Result, len(pr.lastResults))
	copy(out, pr.lastResults)
	return out, pr.lastProbe
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
