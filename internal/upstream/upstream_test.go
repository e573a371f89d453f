package upstream

import (
	"context"
	"time"

	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/proxy"
)

// emptyProxyRepo backs a pool with no proxies, so every request in the
// tests goes direct to the httptest server.
type emptyProxyRepo struct{}

func (emptyProxyRepo) ListActive(context.Context) ([]model.ProxyEntry, error) { return nil, nil }
func (emptyProxyRepo) ListAll(context.Context) ([]model.ProxyEntry, error)    { return nil, nil }
func (emptyProxyRepo) UpdateHealth(context.Context, int64, bool, int, time.Time) error {
	return nil
}

func directPool() *proxy.Pool {
	p := proxy.NewPool(emptyProxyRepo{})
	p.Prime(context.Background())
	return p
}
