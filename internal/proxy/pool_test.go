package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadwatch/spreadwatch/internal/model"
)

type fakeProxyRepo struct {
	mu      sync.Mutex
	active  []model.ProxyEntry
	all     []model.ProxyEntry
	listErr error

	listCalls int
	updates   []healthUpdate
}

type healthUpdate struct {
	id        int64
	ok        bool
	threshold int
}

func (f *fakeProxyRepo) ListActive(context.Context) ([]model.ProxyEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.ProxyEntry(nil), f.active...), nil
}

func (f *fakeProxyRepo) ListAll(context.Context) ([]model.ProxyEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.ProxyEntry(nil), f.all...), nil
}

func (f *fakeProxyRepo) UpdateHealth(_ context.Context, id int64, ok bool, threshold int, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, healthUpdate{id: id, ok: ok, threshold: threshold})
	return nil
}

func TestPoolPickEmpty(t *testing.T) {
	repo := &fakeProxyRepo{}
	p := NewPool(repo)
	require.NoError(t, p.Prime(context.Background()))

	assert.Nil(t, p.Pick(context.Background()))
	assert.Equal(t, 0, p.ActiveCount())
}

func TestPoolPickUsesCache(t *testing.T) {
	repo := &fakeProxyRepo{active: []model.ProxyEntry{
		{ID: 1, ProxyString: "1.1.1.1:1080", Protocol: "socks5"},
		{ID: 2, ProxyString: "2.2.2.2:1080", Protocol: "socks5"},
	}}
	p := NewPool(repo)
	require.NoError(t, p.Prime(context.Background()))

	for i := 0; i < 20; i++ {
		entry := p.Pick(context.Background())
		require.NotNil(t, entry)
		assert.Contains(t, []int64{1, 2}, entry.ID)
	}

	repo.mu.Lock()
	calls := repo.listCalls
	repo.mu.Unlock()
	assert.Equal(t, 1, calls, "picks within the TTL never hit the store")
}

func TestPoolInvalidateForcesReload(t *testing.T) {
	repo := &fakeProxyRepo{active: []model.ProxyEntry{{ID: 1, ProxyString: "1.1.1.1:1080"}}}
	p := NewPool(repo)
	require.NoError(t, p.Prime(context.Background()))

	repo.mu.Lock()
	repo.active = []model.ProxyEntry{{ID: 9, ProxyString: "9.9.9.9:1080"}}
	repo.mu.Unlock()

	p.Invalidate()
	entry := p.Pick(context.Background())
	require.NotNil(t, entry)
	assert.Equal(t, int64(9), entry.ID)
}

func TestPoolRefreshFailureKeepsPreviousSet(t *testing.T) {
	repo := &fakeProxyRepo{active: []model.ProxyEntry{{ID: 1, ProxyString: "1.1.1.1:1080"}}}
	p := NewPool(repo)
	require.NoError(t, p.Prime(context.Background()))

	repo.mu.Lock()
	repo.listErr = errors.New("db down")
	repo.mu.Unlock()

	p.Invalidate()
	entry := p.Pick(context.Background())
	require.NotNil(t, entry, "a failed refresh serves the previous set")
	assert.Equal(t, int64(1), entry.ID)
}

func TestPoolReturnsCopy(t *testing.T) {
	repo := &fakeProxyRepo{active: []model.ProxyEntry{{ID: 1, ProxyString: "1.1.1.1:1080"}}}
	p := NewPool(repo)
	require.NoError(t, p.Prime(context.Background()))

	entry := p.Pick(context.Background())
	require.NotNil(t, entry)
	entry.ProxyString = "mutated"

	again := p.Pick(context.Background())
	require.NotNil(t, again)
	assert.Equal(t, "1.1.1.1:1080", again.ProxyString)
}
