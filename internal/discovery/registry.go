// internal/discovery/registry.go
package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkadily/chatgate/api/schemas"
)

// Persister writes provider state through to durable storage. A nil
// persister keeps the registry memory-only.
type Persister interface {
	SaveProvider(ctx context.Context, p *schemas.Provider) error
}

// Registry is the authoritative in-memory view of every known provider.
// Providers are soft-disabled, never deleted, so live sessions keep a
// valid reference.
type Registry struct {
	mu           sync.RWMutex
	providers    map[string]*schemas.Provider
	failureLimit int
	persister    Persister
	logger       *zap.Logger
}

func NewRegistry(failureLimit int, persister Persister, logger *zap.Logger) *Registry {
	if failureLimit < 1 {
		failureLimit = 5
	}
	return &Registry{
		providers:    make(map[string]*schemas.Provider),
		failureLimit: failureLimit,
		persister:    persister,
		logger:       logger.Named("registry"),
	}
}

// Upsert registers or replaces a provider. New providers start active
// unless the seed says otherwise.
func (r *Registry) Upsert(ctx context.Context, p schemas.Provider) {
	if p.Status == "" {
		p.Status = schemas.ProviderActive
	}
	if p.StreamMethod == "" {
		p.StreamMethod = schemas.StreamUnknown
	}
	r.mu.Lock()
	r.providers[p.ID] = &p
	r.mu.Unlock()
	r.persist(ctx, p)
}

// Get returns a copy; mutations go through the Record/Set methods.
func (r *Registry) Get(id string) (schemas.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return schemas.Provider{}, false
	}
	return *p, true
}

func (r *Registry) List() []schemas.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schemas.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, *p)
	}
	return out
}

// RecordFailure bumps the provider's failure count and marks it
// unhealthy once the count reaches the limit. The count is consecutive;
// any success resets it.
func (r *Registry) RecordFailure(ctx context.Context, id string) {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.FailureCount++
	if p.FailureCount >= r.failureLimit && p.Status == schemas.ProviderActive {
		p.Status = schemas.ProviderUnhealthy
		r.logger.Warn("Provider marked unhealthy after repeated failures.",
			zap.String("provider_id", id),
			zap.Int("failures", p.FailureCount))
	}
	snapshot := *p
	r.mu.Unlock()
	r.persist(ctx, snapshot)
}

// RecordSuccess resets the failure streak and restores degraded
// providers to active. Disabled providers stay disabled.
func (r *Registry) RecordSuccess(ctx context.Context, id string) {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.FailureCount = 0
	p.LastValidated = time.Now().UTC()
	if p.Status != schemas.ProviderDisabled {
		p.Status = schemas.ProviderActive
	}
	snapshot := *p
	r.mu.Unlock()
	r.persist(ctx, snapshot)
}

// SetStatus forces a status, e.g. captcha_blocked or unreachable, which
// the failure counter alone cannot infer.
func (r *Registry) SetStatus(ctx context.Context, id string, status schemas.ProviderStatus) {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.Status = status
	snapshot := *p
	r.mu.Unlock()
	r.persist(ctx, snapshot)
}

// SetStreamMethod caches the detected stream method so later requests
// skip re-detection.
func (r *Registry) SetStreamMethod(ctx context.Context, id string, method schemas.StreamMethod) {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.StreamMethod = method
	snapshot := *p
	r.mu.Unlock()
	r.persist(ctx, snapshot)
}

func (r *Registry) persist(ctx context.Context, p schemas.Provider) {
	if r.persister == nil {
		return
	}
	if err := r.persister.SaveProvider(ctx, &p); err != nil {
		r.logger.Warn("Failed to persist provider; in-memory state is ahead of storage.",
			zap.String("provider_id", p.ID),
			zap.Error(err))
	}
}
