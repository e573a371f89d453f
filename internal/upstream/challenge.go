package upstream

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/spreadwatch/spreadwatch/internal/proxy"
)

// ChallengeClient issues requests that can pass an anti-automation
// challenge in front of an endpoint. The default implementation sends a
// browser-consistent Chrome header set, which the credential endpoint
// currently accepts; a solver-backed implementation can be plugged in
// without touching the Matcha client.
type ChallengeClient interface {
	Get(ctx context.Context, timeout time.Duration, rawurl string, params url.Values, headers http.Header) (int, []byte, error)
}

// browserHeaders mirrors a desktop Chrome navigation request.
var browserHeaders = http.Header{
	"Accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
	"Accept-Language":           {"en-US,en;q=0.9"},
	"Cache-Control":             {"no-cache"},
	"Pragma":                    {"no-cache"},
	"Priority":                  {"u=0, i"},
	"Upgrade-Insecure-Requests": {"1"},
	"Sec-CH-UA":                 {`"Google Chrome";v="143", "Chromium";v="143", "Not:A-Brand";v="24"`},
	"Sec-CH-UA-Mobile":          {"?0"},
	"Sec-CH-UA-Platform":        {`"Windows"`},
	"Sec-Fetch-Dest":            {"document"},
	"Sec-Fetch-Mode":            {"navigate"},
	"Sec-Fetch-Site":            {"none"},
	"Sec-Fetch-User":            {"?1"},
	"User-Agent":                {"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36"},
}

type browserChallengeClient struct {
	c *caller
}

// NewBrowserChallengeClient builds the default header-fingerprint
// implementation on top of the shared proxy-rotating caller.
func NewBrowserChallengeClient(pool *proxy.Pool) ChallengeClient {
	return &browserChallengeClient{c: newCaller("matcha", pool)}
}

func (b *browserChallengeClient) Get(ctx context.Context, timeout time.Duration, rawurl string, params url.Values, headers http.Header) (int, []byte, error) {
	merged := make(http.Header, len(browserHeaders)+len(headers))
	for k, vs := range browserHeaders {
		merged[k] = vs
	}
	for k, vs := range headers {
		merged[k] = vs
	}
	return b.c.get(ctx, timeout, rawurl, params, merged)
}
