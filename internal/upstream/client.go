// Package upstream implements the four price adapters: the batched MEXC
// futures feed and the three per-token DEX feeds (Jupiter, PancakeSwap
// via DexScreener, Matcha). Every call rotates through the proxy pool,
// runs behind a per-upstream circuit breaker and a per-upstream rate
// limiter, and retries once with a different proxy.
package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/proxy"
)

const (
	jsonTimeout       = 5 * time.Second
	gaslessTimeout    = 15 * time.Second
	credentialTimeout = 30 * time.Second

	maxAttempts  = 2
	maxBodyBytes = 10 << 20
)

// Client is the capability shared by the three DEX price adapters. The
// scheduler and the spread engine depend only on this.
type Client interface {
	// Name identifies the DEX this client quotes.
	Name() model.DEX

	// Fetch returns the token's USD(T) price, or an *Error.
	Fetch(ctx context.Context, tok *model.TokenConfig) (float64, error)
}

// caller is the shared HTTP plumbing under each upstream client.
type caller struct {
	name    string
	pool    *proxy.Pool
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func newCaller(name string, pool *proxy.Pool) *caller {
	settings := gobreaker.Settings{Name: name}
	settings.Interval = 60 * time.Second
	settings.Timeout = 60 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 10
	}
	return &caller{
		name:    name,
		pool:    pool,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(100), 200),
	}
}

// get performs one GET through a freshly picked proxy. Non-2xx statuses
// are returned as values so clients can apply their own retry policy;
// only transport-level failures count against the breaker.
func (c *caller) get(ctx context.Context, timeout time.Duration, rawurl string, params url.Values, headers http.Header) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, E(KindDeadline, c.name, err)
	}

	entry := c.pool.Pick(ctx)
	if entry == nil {
		log.Debug().Str("upstream", c.name).Msg("No proxy available, direct request")
	}

	// A malformed entry is a client construction failure, not an empty
	// pool; NoProxy is reserved for the latter.
	client, err := proxy.NewHTTPClient(entry, timeout)
	if err != nil {
		return 0, nil, E(KindTransport, c.name, err)
	}

	u := rawurl
	if len(params) > 0 {
		u = rawurl + "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, E(KindTransport, c.name, err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	}

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		return &httpResult{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, nil, E(KindTransport, c.name, err)
		}
		if ctx.Err() != nil {
			return 0, nil, E(KindDeadline, c.name, err)
		}
		return 0, nil, E(KindTransport, c.name, err)
	}

	res := result.(*httpResult)
	return res.status, res.body, nil
}

type httpResult struct {
	status int
	body   []byte
}
