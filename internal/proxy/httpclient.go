package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/spreadwatch/spreadwatch/internal/model"
)

// NewHTTPClient builds an HTTP client routed through entry. A nil entry
// yields a direct client, used when the pool is empty and the network
// permits direct egress.
func NewHTTPClient(entry *model.ProxyEntry, timeout time.Duration) (*http.Client, error) {
	transport, err := transportFor(entry)
	if err != nil {
		return nil, err
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

func transportFor(entry *model.ProxyEntry) (*http.Transport, error) {
	base := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// One client per request for rotation; keep-alives buy nothing.
		DisableKeepAlives: true,
	}

	if entry == nil {
		return base, nil
	}

	u, err := url.Parse(entry.URL())
	if err != nil {
		return nil, fmt.Errorf("invalid proxy endpoint %s: %w", entry.SafeHost(), err)
	}

	if strings.HasPrefix(u.Scheme, "socks") {
		var auth *xproxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: pass}
		}
		dialer, err := xproxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: 10 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("failed to build socks5 dialer for %s: %w", entry.SafeHost(), err)
		}
		base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
		return base, nil
	}

	base.Proxy = http.ProxyURL(u)
	return base, nil
}
