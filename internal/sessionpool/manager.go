// internal/sessionpool/manager.go
package sessionpool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/arkadily/chatgate/api/schemas"
	"github.com/arkadily/chatgate/internal/config"
	"github.com/arkadily/chatgate/internal/fallback"
)

// Manager owns one Pool per provider and a global session index so the
// gateway surface can release or evict by session id alone.
type Manager struct {
	cfg     config.PoolConfig
	browser schemas.BrowserContext
	exec    *fallback.Executor
	logger  *zap.Logger

	mu    sync.Mutex
	pools map[string]*Pool
	index map[string]*Pool // session id -> owning pool
}

// NewManager builds the pool manager on top of a shared browser context.
func NewManager(cfg config.PoolConfig, browser schemas.BrowserContext, exec *fallback.Executor, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		browser: browser,
		exec:    exec,
		logger:  logger,
		pools:   make(map[string]*Pool),
		index:   make(map[string]*Pool),
	}
}

// poolFor lazily creates the provider's pool.
func (m *Manager) poolFor(providerID string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[providerID]; ok {
		return p
	}
	p := NewPool(providerID, m.cfg, m.browser, m.exec, m.logger)
	p.onEvict = func(sessionID string) {
		m.mu.Lock()
		delete(m.index, sessionID)
		m.mu.Unlock()
	}
	m.pools[providerID] = p
	return p
}

// Acquire checks a session out of the provider's pool.
func (m *Manager) Acquire(ctx context.Context, providerID string) (*Session, error) {
	pool := m.poolFor(providerID)
	sess, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.index[sess.ID] = pool
	m.mu.Unlock()
	return sess, nil
}

func (m *Manager) lookup(sessionID string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.index[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return pool, nil
}

// Release returns a session to its pool by id.
func (m *Manager) Release(ctx context.Context, sessionID string) error {
	pool, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return pool.Release(ctx, sessionID)
}

// Evict destroys a session by id.
func (m *Manager) Evict(ctx context.Context, sessionID string) error {
	pool, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return pool.Evict(ctx, sessionID)
}

// CleanupStale sweeps every pool. Run on the health-check interval.
func (m *Manager) CleanupStale(ctx context.Context) {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.CleanupStale(ctx)
	}
}

// ClosePool tears down one provider's pool, e.g. when the provider is
// disabled. The provider record itself is only soft-disabled upstream.
func (m *Manager) ClosePool(ctx context.Context, providerID string) {
	m.mu.Lock()
	pool, ok := m.pools[providerID]
	if ok {
		delete(m.pools, providerID)
	}
	m.mu.Unlock()
	if ok {
		pool.Close(ctx)
	}
}

// Close shuts down every pool.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close(ctx)
	}
}
