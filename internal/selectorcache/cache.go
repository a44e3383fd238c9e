// internal/selectorcache/cache.go
package selectorcache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkadily/chatgate/api/schemas"
	"github.com/arkadily/chatgate/internal/config"
)

// Persister is the optional write-through backing store. The cache calls
// it outside its locks; persistence failures are logged, never fatal.
type Persister interface {
	SaveSelectorSet(ctx context.Context, domain string, set schemas.SelectorSet, updated time.Time) error
}

// Entry is a point-in-time snapshot of one domain's selector state.
// Mutating it does not affect the cache.
type Entry struct {
	Domain          string
	Selectors       schemas.SelectorSet
	LastUpdated     time.Time
	ValidationCount int
	FailureCount    int
	StabilityScore  float64
	// Stale marks an entry past its TTL. Stale entries remain usable as a
	// last-resort fallback; TTL alone never deletes them.
	Stale bool
}

// domainEntry holds the live state for one domain behind its own lock so
// readers of one domain never wait on writers of another.
type domainEntry struct {
	mu                  sync.RWMutex
	selectors           schemas.SelectorSet
	lastUpdated         time.Time
	successCount        int
	failureCount        int
	consecutiveFailures int
}

// Cache is the per-domain store of named UI selectors with stability
// scoring and invalidation signaling. It is a pure data component: it
// never triggers discovery itself.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*domainEntry

	ttl       time.Duration
	threshold int
	persister Persister
	logger    *zap.Logger
	clock     func() time.Time
}

// New builds a cache. persister may be nil for memory-only operation.
func New(cfg config.CacheConfig, persister Persister, logger *zap.Logger) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	threshold := cfg.InvalidateThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &Cache{
		entries:   make(map[string]*domainEntry),
		ttl:       ttl,
		threshold: threshold,
		persister: persister,
		logger:    logger.Named("selector_cache"),
		clock:     time.Now,
	}
}

func (c *Cache) lookup(domain string) (*domainEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[domain]
	return e, ok
}

// Get is a pure lookup. It never triggers discovery and returns a
// snapshot the caller owns.
func (c *Cache) Get(domain string) (*Entry, bool) {
	e, ok := c.lookup(domain)
	if !ok {
		return nil, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.selectors == nil {
		// Registered but never populated by a discovery; treat as a miss.
		return nil, false
	}
	return c.snapshotLocked(domain, e), true
}

func (c *Cache) snapshotLocked(domain string, e *domainEntry) *Entry {
	total := e.successCount + e.failureCount
	score := 0.0
	if total > 0 {
		score = float64(e.successCount) / float64(total)
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
	}
	return &Entry{
		Domain:          domain,
		Selectors:       e.selectors.Clone(),
		LastUpdated:     e.lastUpdated,
		ValidationCount: total,
		FailureCount:    e.failureCount,
		StabilityScore:  score,
		Stale:           c.clock().Sub(e.lastUpdated) > c.ttl,
	}
}

func (c *Cache) getOrCreate(domain string) *domainEntry {
	if e, ok := c.lookup(domain); ok {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[domain]; ok {
		return e
	}
	e := &domainEntry{}
	c.entries[domain] = e
	return e
}

// Set replaces or merges selectors for a domain, resets the consecutive
// failure streak, and bumps lastUpdated. When a persister is configured
// the new set is written through after the in-memory update.
func (c *Cache) Set(ctx context.Context, domain string, selectors schemas.SelectorSet) {
	e := c.getOrCreate(domain)
	now := c.clock()

	e.mu.Lock()
	if e.selectors == nil {
		e.selectors = make(schemas.SelectorSet, len(selectors))
	}
	for role, sel := range selectors.Clone() {
		e.selectors[role] = sel
	}
	e.lastUpdated = now
	e.consecutiveFailures = 0
	snapshot := e.selectors.Clone()
	e.mu.Unlock()

	c.logger.Info("Selector set updated.",
		zap.String("domain", domain),
		zap.Int("selectors", len(snapshot)))

	if c.persister != nil {
		if err := c.persister.SaveSelectorSet(ctx, domain, snapshot, now); err != nil {
			c.logger.Warn("Failed to persist selector set.",
				zap.String("domain", domain), zap.Error(err))
		}
	}
}

// Seed loads a selector set without resetting counters or writing
// through; used to hydrate the cache from the store at startup.
func (c *Cache) Seed(domain string, selectors schemas.SelectorSet, updated time.Time) {
	e := c.getOrCreate(domain)
	e.mu.Lock()
	e.selectors = selectors.Clone()
	e.lastUpdated = updated
	e.mu.Unlock()
}

// RecordValidation updates the domain's and the named selector's counters
// atomically and recomputes the stability score. Unknown domains or roles
// are ignored: a validation can only follow a populated entry.
func (c *Cache) RecordValidation(domain string, role schemas.SelectorRole, success bool) {
	e, ok := c.lookup(domain)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selectors == nil {
		return
	}
	if success {
		e.successCount++
		e.consecutiveFailures = 0
	} else {
		e.failureCount++
		e.consecutiveFailures++
	}
	if sel, ok := e.selectors[role]; ok {
		if success {
			sel.SuccessCount++
		} else {
			sel.FailureCount++
		}
	}
}

// ShouldInvalidate reports whether the domain has accumulated enough
// consecutive validation failures (default 3) that the caller should
// trigger re-discovery. It resets to false after the next successful Set.
func (c *Cache) ShouldInvalidate(domain string) bool {
	e, ok := c.lookup(domain)
	if !ok {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.consecutiveFailures >= c.threshold
}

// Domains returns every domain currently known to the cache.
func (c *Cache) Domains() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for d := range c.entries {
		out = append(out, d)
	}
	return out
}
