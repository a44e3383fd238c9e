package engine

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/arkadily/chatgate/api/schemas"
	"github.com/arkadily/chatgate/internal/browser/cdp"
	"github.com/arkadily/chatgate/internal/captcha"
	"github.com/arkadily/chatgate/internal/config"
	"github.com/arkadily/chatgate/internal/detector"
	"github.com/arkadily/chatgate/internal/discovery"
	"github.com/arkadily/chatgate/internal/fallback"
	"github.com/arkadily/chatgate/internal/selectorcache"
	"github.com/arkadily/chatgate/internal/sessionpool"
	"github.com/arkadily/chatgate/internal/store"
	"github.com/arkadily/chatgate/internal/vision"
)

// Engine is the facade over selector resolution and session resilience:
// the selector cache, per-provider session pools, stream detection, and
// vision-backed discovery, optionally persisted to Postgres.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	browser     schemas.BrowserContext
	cache       *selectorcache.Cache
	pools       *sessionpool.Manager
	registry    *discovery.Registry
	detect      *detector.Detector
	coordinator *discovery.Coordinator
	store       *store.Store
	dbPool      *pgxpool.Pool

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
	closeOnce     sync.Once
}

type options struct {
	browser schemas.BrowserContext
	vision  schemas.VisionEngine
	captcha schemas.CaptchaSolver
	db      store.DBPool
}

// Option overrides a component, used by tests and embedders.
type Option func(*options)

func WithBrowser(b schemas.BrowserContext) Option { return func(o *options) { o.browser = b } }
func WithVision(v schemas.VisionEngine) Option    { return func(o *options) { o.vision = v } }
func WithCaptcha(c schemas.CaptchaSolver) Option  { return func(o *options) { o.captcha = c } }
func WithDBPool(db store.DBPool) Option           { return func(o *options) { o.db = db } }

// New wires the full engine. Components are initialized in dependency
// order; a failure mid-way tears down what was already built.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.Named("engine"),
	}

	var initErr error
	defer func() {
		if initErr != nil {
			e.logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initErr))
			e.teardown()
		}
	}()

	// 1. Persistence (optional). An empty DSN runs memory-only.
	db := o.db
	if db == nil && cfg.Store.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			initErr = fmt.Errorf("failed to create database connection pool: %w", err)
			return nil, initErr
		}
		e.dbPool = pool
		db = pool
	}
	if db != nil {
		st, err := store.New(ctx, db, logger)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize store: %w", err)
			return nil, initErr
		}
		if err := st.EnsureSchema(ctx); err != nil {
			initErr = err
			return nil, initErr
		}
		e.store = st
		e.logger.Debug("Store initialized.")
	}

	// Interface fields must stay nil, not hold a nil *Store.
	var cachePersister selectorcache.Persister
	var providerPersister discovery.Persister
	if e.store != nil {
		cachePersister = e.store
		providerPersister = e.store
	}

	// 2. Shared fallback executor.
	exec := fallback.NewExecutor(cfg.Fallback, logger)

	// 3. Browser.
	e.browser = o.browser
	if e.browser == nil {
		b, err := cdp.New(cfg.Browser, logger)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize browser: %w", err)
			return nil, initErr
		}
		e.browser = b
	}

	// 4. Core components.
	e.cache = selectorcache.New(cfg.Cache, cachePersister, logger)
	e.pools = sessionpool.NewManager(cfg.Pool, e.browser, exec, logger)
	e.registry = discovery.NewRegistry(cfg.Discovery.FailureLimit, providerPersister, logger)
	e.detect = detector.New(cfg.Detector, exec, logger)

	// 5. Vision and CAPTCHA collaborators.
	visionEngine := o.vision
	if visionEngine == nil && cfg.Vision.Endpoint != "" {
		v, err := vision.NewClient(cfg.Vision, logger)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize vision client: %w", err)
			return nil, initErr
		}
		visionEngine = v
	}
	captchaSolver := o.captcha
	if captchaSolver == nil && cfg.Discovery.CaptchaEnabled && cfg.Captcha.Endpoint != "" {
		c, err := captcha.NewSolver(cfg.Captcha, logger)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize captcha solver: %w", err)
			return nil, initErr
		}
		captchaSolver = c
	}

	e.coordinator = discovery.NewCoordinator(
		cfg.Discovery, e.cache, e.pools, e.registry, visionEngine, captchaSolver, exec, logger)

	// 6. Seed providers from config, then overlay persisted state.
	for _, seed := range cfg.Providers {
		if seed.ID == "" || seed.URL == "" {
			e.logger.Warn("Skipping provider seed without id or url.", zap.String("id", seed.ID))
			continue
		}
		e.registry.Upsert(ctx, schemas.Provider{ID: seed.ID, URL: seed.URL, Name: seed.Name})
	}
	if e.store != nil {
		if err := e.hydrate(ctx); err != nil {
			initErr = err
			return nil, initErr
		}
	}

	e.logger.Info("Engine initialized.",
		zap.Int("providers", len(e.registry.List())),
		zap.Bool("persistent", e.store != nil))
	return e, nil
}

// hydrate overlays persisted selector sets and provider state so a
// restart does not cost a re-discovery of every domain.
func (e *Engine) hydrate(ctx context.Context) error {
	sets, err := e.store.LoadSelectorSets(ctx)
	if err != nil {
		return fmt.Errorf("failed to load selector sets: %w", err)
	}
	for domain, seed := range sets {
		e.cache.Seed(domain, seed.Selectors, seed.UpdatedAt)
	}

	providers, err := e.store.LoadProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}
	for _, p := range providers {
		e.registry.Upsert(ctx, p)
	}

	e.logger.Info("Hydrated state from store.",
		zap.Int("selector_sets", len(sets)),
		zap.Int("providers", len(providers)))
	return nil
}

// Start launches the background stale-session sweep. It returns
// immediately; Close stops the sweep.
func (e *Engine) Start() {
	interval := e.cfg.Pool.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cleanupCancel = cancel
	e.cleanupDone = make(chan struct{})

	go func() {
		defer close(e.cleanupDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.pools.CleanupStale(ctx)
			}
		}
	}()
}

// ResolveSelectors serves the domain's selectors from cache when they
// are usable, and runs a discovery otherwise. A stale-but-present entry
// is still served; staleness alone never blocks a request.
func (e *Engine) ResolveSelectors(ctx context.Context, providerID string) (*selectorcache.Entry, error) {
	provider, ok := e.registry.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", schemas.ErrDiscoveryFailed, providerID)
	}
	domain, err := domainOf(provider.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad provider url %q: %v", schemas.ErrDiscoveryFailed, provider.URL, err)
	}

	if entry, ok := e.cache.Get(domain); ok && !e.cache.ShouldInvalidate(domain) {
		return entry, nil
	}
	return e.coordinator.Discover(ctx, providerID)
}

// Discover forces a fresh discovery regardless of cache state.
func (e *Engine) Discover(ctx context.Context, providerID string) (*selectorcache.Entry, error) {
	return e.coordinator.Discover(ctx, providerID)
}

// AcquireSession checks out an exclusive browser session for the
// provider, escalating through the pool's acquisition levels.
func (e *Engine) AcquireSession(ctx context.Context, providerID string) (*sessionpool.Session, error) {
	provider, ok := e.registry.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}
	if provider.Status == schemas.ProviderDisabled {
		return nil, fmt.Errorf("%w: %s", schemas.ErrProviderDisabled, providerID)
	}
	return e.pools.Acquire(ctx, providerID)
}

// ReleaseSession returns a session to its pool for reuse.
func (e *Engine) ReleaseSession(ctx context.Context, sessionID string) error {
	return e.pools.Release(ctx, sessionID)
}

// EvictSession destroys a session outright, e.g. after a page crash.
func (e *Engine) EvictSession(ctx context.Context, sessionID string) error {
	return e.pools.Evict(ctx, sessionID)
}

// ReadResponse captures the provider's reply on the given session. The
// stream method is detected once and cached on the provider; the
// response selector comes from the domain's resolved selectors.
func (e *Engine) ReadResponse(ctx context.Context, providerID string, sess *sessionpool.Session, resubmit func(ctx context.Context) error) (*detector.ReadResult, error) {
	provider, ok := e.registry.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}
	domain, err := domainOf(provider.URL)
	if err != nil {
		return nil, fmt.Errorf("bad provider url %q: %w", provider.URL, err)
	}

	method := provider.StreamMethod
	if method == schemas.StreamUnknown || method == "" {
		detected, err := e.detect.DetectMethod(ctx, sess.Page())
		if err != nil {
			return nil, fmt.Errorf("stream method detection: %w", err)
		}
		method = detected
		e.registry.SetStreamMethod(ctx, providerID, method)
	}

	target := detector.Target{}
	if entry, ok := e.cache.Get(domain); ok {
		if sel := entry.Selectors[schemas.RoleResponse]; sel != nil {
			target.ResponseCSS = sel.CSS
		}
	}

	res, err := e.detect.Read(ctx, detector.ReadRequest{
		Page:     sess.Page(),
		Method:   method,
		Target:   target,
		Resubmit: resubmit,
	})
	if err != nil {
		e.registry.RecordFailure(ctx, providerID)
		if target.ResponseCSS != "" {
			e.noteValidation(ctx, domain, schemas.RoleResponse, false, providerID)
		}
		return nil, err
	}

	e.registry.RecordSuccess(ctx, providerID)
	if target.ResponseCSS != "" {
		e.noteValidation(ctx, domain, schemas.RoleResponse, true, providerID)
	}
	return res, nil
}

// RecordValidation reports a selector outcome observed by the caller
// (e.g. the input box was not found while submitting a prompt).
func (e *Engine) RecordValidation(ctx context.Context, providerID string, role schemas.SelectorRole, success bool) {
	provider, ok := e.registry.Get(providerID)
	if !ok {
		return
	}
	domain, err := domainOf(provider.URL)
	if err != nil {
		return
	}
	e.noteValidation(ctx, domain, role, success, providerID)
}

// noteValidation updates the cache counters and kicks off a background
// rediscovery once the consecutive-failure threshold is crossed. The
// singleflight in the coordinator makes the kick idempotent.
func (e *Engine) noteValidation(ctx context.Context, domain string, role schemas.SelectorRole, success bool, providerID string) {
	e.cache.RecordValidation(domain, role, success)
	if success || !e.cache.ShouldInvalidate(domain) {
		return
	}
	e.logger.Info("Selector failure streak crossed the threshold; rediscovering.",
		zap.String("domain", domain))
	timeout := e.cfg.Discovery.WaitTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	go func() {
		rediscoverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if _, err := e.coordinator.Discover(rediscoverCtx, providerID); err != nil {
			e.logger.Warn("Background rediscovery failed.",
				zap.String("domain", domain), zap.Error(err))
		}
	}()
}

// Providers lists every known provider.
func (e *Engine) Providers() []schemas.Provider {
	return e.registry.List()
}

// Provider returns one provider by id.
func (e *Engine) Provider(id string) (schemas.Provider, bool) {
	return e.registry.Get(id)
}

// DisableProvider soft-disables a provider and drains its session pool.
// The provider record survives so existing references stay valid.
func (e *Engine) DisableProvider(ctx context.Context, providerID string) {
	e.registry.SetStatus(ctx, providerID, schemas.ProviderDisabled)
	e.pools.ClosePool(ctx, providerID)
}

// Close shuts everything down in reverse dependency order.
func (e *Engine) Close(ctx context.Context) {
	e.closeOnce.Do(func() {
		if e.cleanupCancel != nil {
			e.cleanupCancel()
			<-e.cleanupDone
		}
		e.teardown()
		e.logger.Info("Engine shut down.")
	})
}

func (e *Engine) teardown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if e.pools != nil {
		e.pools.Close(shutdownCtx)
	}
	if e.browser != nil {
		if err := e.browser.Close(shutdownCtx); err != nil {
			e.logger.Warn("Error during browser shutdown.", zap.Error(err))
		}
	}
	if e.dbPool != nil {
		e.dbPool.Close()
	}
}

func domainOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("no host in %q", raw)
	}
	return u.Hostname(), nil
}
