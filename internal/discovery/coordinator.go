// internal/discovery/coordinator.go
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/arkadily/chatgate/api/schemas"
	"github.com/arkadily/chatgate/internal/config"
	"github.com/arkadily/chatgate/internal/fallback"
	"github.com/arkadily/chatgate/internal/selectorcache"
	"github.com/arkadily/chatgate/internal/sessionpool"
)

var (
	errCaptchaBlocked = errors.New("captcha challenge blocking the page")
	errNoSolver       = errors.New("no captcha solver configured")
)

// requiredRoles is the minimum a chat page must expose before its
// selectors are worth caching.
var requiredRoles = []schemas.SelectorRole{
	schemas.RoleInput,
	schemas.RoleSubmit,
	schemas.RoleResponse,
}

// Coordinator runs selector discovery: navigate to the provider,
// screenshot it, ask the vision engine where the chat controls are, and
// write the result through the selector cache. Concurrent discoveries
// for the same domain are collapsed into one run; everyone shares its
// result.
type Coordinator struct {
	cfg      config.DiscoveryConfig
	cache    *selectorcache.Cache
	pools    *sessionpool.Manager
	registry *Registry
	vision   schemas.VisionEngine
	captcha  schemas.CaptchaSolver
	exec     *fallback.Executor
	logger   *zap.Logger
	group    singleflight.Group
}

func NewCoordinator(
	cfg config.DiscoveryConfig,
	cache *selectorcache.Cache,
	pools *sessionpool.Manager,
	registry *Registry,
	vision schemas.VisionEngine,
	captcha schemas.CaptchaSolver,
	exec *fallback.Executor,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		cache:    cache,
		pools:    pools,
		registry: registry,
		vision:   vision,
		captcha:  captcha,
		exec:     exec,
		logger:   logger.Named("discovery"),
	}
}

// Discover resolves selectors for the provider's domain, running a full
// discovery if the cache cannot serve it. Only one discovery per domain
// runs at a time; concurrent callers block on the in-flight run and share
// its result. A caller whose context expires while another run holds the
// flight gets ErrDiscoveryInFlight rather than triggering a second run.
func (c *Coordinator) Discover(ctx context.Context, providerID string) (*selectorcache.Entry, error) {
	provider, ok := c.registry.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", schemas.ErrDiscoveryFailed, providerID)
	}
	if provider.Status == schemas.ProviderDisabled {
		return nil, fmt.Errorf("%w: %s", schemas.ErrProviderDisabled, providerID)
	}

	domain, err := domainOf(provider.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad provider url %q: %v", schemas.ErrDiscoveryFailed, provider.URL, err)
	}

	ch := c.group.DoChan(domain, func() (any, error) {
		// The run outlives any single caller; it gets its own deadline so
		// the first caller hanging up cannot strand everyone else.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.waitTimeout())
		defer cancel()
		return c.discover(runCtx, provider, domain)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w for %s: %v", schemas.ErrDiscoveryInFlight, domain, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*selectorcache.Entry), nil
	}
}

func (c *Coordinator) waitTimeout() time.Duration {
	if c.cfg.WaitTimeout > 0 {
		return c.cfg.WaitTimeout
	}
	return 2 * time.Minute
}

func (c *Coordinator) navTimeout() time.Duration {
	if c.cfg.NavTimeout > 0 {
		return c.cfg.NavTimeout
	}
	return 45 * time.Second
}

// discover is the single-flight body: one full navigate → screenshot →
// vision → cache pass.
func (c *Coordinator) discover(ctx context.Context, provider schemas.Provider, domain string) (*selectorcache.Entry, error) {
	logger := c.logger.With(zap.String("provider_id", provider.ID), zap.String("domain", domain))
	logger.Info("Starting selector discovery.")

	sess, err := c.pools.Acquire(ctx, provider.ID)
	if err != nil {
		c.registry.RecordFailure(ctx, provider.ID)
		return nil, fmt.Errorf("%w: acquire session: %v", schemas.ErrDiscoveryFailed, err)
	}
	defer func() {
		if rerr := c.pools.Release(context.WithoutCancel(ctx), sess.ID); rerr != nil {
			logger.Warn("Failed to release discovery session.", zap.Error(rerr))
		}
	}()
	page := sess.Page()

	if err := c.navigate(ctx, page, provider.URL); err != nil {
		switch {
		case errors.Is(err, errCaptchaBlocked):
			c.registry.SetStatus(ctx, provider.ID, schemas.ProviderCaptchaBlocked)
		case errors.Is(err, schemas.ErrProviderUnreachable):
			c.registry.SetStatus(ctx, provider.ID, schemas.ProviderUnreachable)
		default:
			c.registry.RecordFailure(ctx, provider.ID)
		}
		return nil, fmt.Errorf("%w: %v", schemas.ErrDiscoveryFailed, err)
	}

	selectors, err := c.locateElements(ctx, page)
	if err != nil {
		c.registry.RecordFailure(ctx, provider.ID)
		return nil, fmt.Errorf("%w: %v", schemas.ErrDiscoveryFailed, err)
	}

	c.validateAgainstPage(ctx, page, domain, selectors)
	c.cache.Set(ctx, domain, selectors)
	c.registry.RecordSuccess(ctx, provider.ID)

	entry, ok := c.cache.Get(domain)
	if !ok {
		return nil, fmt.Errorf("%w: cache rejected discovered selectors", schemas.ErrDiscoveryFailed)
	}
	logger.Info("Selector discovery complete.", zap.Int("roles", len(entry.Selectors)))
	return entry, nil
}

// navigate loads the provider page, with CAPTCHA solving as the single
// fallback level when a challenge blocks it.
func (c *Coordinator) navigate(ctx context.Context, page schemas.Page, pageURL string) error {
	chain := fallback.Chain{
		Op: "discovery.navigate",
		Primary: fallback.Step{
			Name:    "navigate",
			Kind:    fallback.KindNavigation,
			Timeout: c.navTimeout(),
			Retries: 1,
			Run: func(ctx context.Context) (any, error) {
				if err := page.Goto(ctx, pageURL); err != nil {
					return nil, fmt.Errorf("%w: goto %s: %v", schemas.ErrProviderUnreachable, pageURL, err)
				}
				if info, blocked := c.captchaOnPage(ctx, page); blocked {
					// A visible challenge is not retryable by reloading.
					return nil, fallback.Permanent(fmt.Errorf("%w: %s", errCaptchaBlocked, info.Type))
				}
				return nil, nil
			},
		},
	}
	if c.cfg.CaptchaEnabled {
		chain.Fallback = append(chain.Fallback, fallback.Step{
			Name:    "captcha-solve",
			Kind:    fallback.KindCaptcha,
			Timeout: 2 * c.navTimeout(),
			Run: func(ctx context.Context) (any, error) {
				return nil, c.solveCaptcha(ctx, page, pageURL)
			},
		})
	}

	_, err := c.exec.Execute(ctx, chain)
	return err
}

var captchaProbes = []struct {
	selector string
	kind     string
}{
	{`iframe[src*="recaptcha"]`, "recaptcha_v2"},
	{`iframe[src*="hcaptcha"]`, "hcaptcha"},
	{`iframe[src*="turnstile"]`, "turnstile"},
	{`div.cf-turnstile`, "turnstile"},
}

const siteKeyJS = `(() => { const el = document.querySelector("[data-sitekey]"); return el ? el.getAttribute("data-sitekey") : ""; })()`

func (c *Coordinator) captchaOnPage(ctx context.Context, page schemas.Page) (schemas.CaptchaInfo, bool) {
	for _, probe := range captchaProbes {
		found, err := page.QuerySelector(ctx, probe.selector)
		if err != nil || !found {
			continue
		}
		info := schemas.CaptchaInfo{Type: probe.kind}
		var key string
		if err := page.Evaluate(ctx, siteKeyJS, &key); err == nil {
			info.SiteKey = key
		}
		return info, true
	}
	return schemas.CaptchaInfo{}, false
}

func (c *Coordinator) solveCaptcha(ctx context.Context, page schemas.Page, pageURL string) error {
	if c.captcha == nil {
		return fallback.Permanent(errNoSolver)
	}
	info, blocked := c.captchaOnPage(ctx, page)
	if !blocked {
		// The challenge cleared itself between levels.
		return nil
	}

	token, err := c.captcha.Solve(ctx, info, pageURL)
	if err != nil {
		return fmt.Errorf("captcha solve (%s): %w", info.Type, err)
	}

	injectJS := fmt.Sprintf(`(() => {
		for (const name of ["g-recaptcha-response", "h-captcha-response", "cf-turnstile-response"]) {
			const el = document.querySelector('[name="' + name + '"]');
			if (el) { el.value = %s; el.dispatchEvent(new Event("change", { bubbles: true })); }
		}
	})()`, strconv.Quote(token))
	if err := page.Evaluate(ctx, injectJS, nil); err != nil {
		return fmt.Errorf("captcha token injection: %w", err)
	}
	if err := page.Goto(ctx, pageURL); err != nil {
		return fmt.Errorf("%w: reload after captcha: %v", schemas.ErrProviderUnreachable, err)
	}
	if _, stillBlocked := c.captchaOnPage(ctx, page); stillBlocked {
		return fmt.Errorf("%w: challenge persists after solving", errCaptchaBlocked)
	}
	return nil
}

// locateElements screenshots the page and asks the vision engine for the
// chat controls. The screenshot and vision calls each get one retry; the
// remote model is flaky in exactly the way a second attempt fixes.
func (c *Coordinator) locateElements(ctx context.Context, page schemas.Page) (schemas.SelectorSet, error) {
	if c.vision == nil {
		return nil, fmt.Errorf("no vision engine configured")
	}
	chain := fallback.Chain{
		Op: "discovery.locate",
		Primary: fallback.Step{
			Name:    "vision-detect",
			Kind:    fallback.KindVision,
			Retries: 1,
			Run: func(ctx context.Context) (any, error) {
				shot, err := page.Screenshot(ctx)
				if err != nil {
					return nil, fmt.Errorf("screenshot: %w", err)
				}
				selectors, err := c.vision.DetectElements(ctx, shot, requiredRoles)
				if err != nil {
					return nil, fmt.Errorf("vision detect: %w", err)
				}
				for _, role := range requiredRoles {
					sel, ok := selectors[role]
					if !ok || sel == nil || sel.CSS == "" {
						return nil, fmt.Errorf("%w: vision found no %s element", schemas.ErrSelectorNotFound, role)
					}
				}
				return selectors, nil
			},
		},
	}

	res, err := c.exec.Execute(ctx, chain)
	if err != nil {
		return nil, err
	}
	return res.Value.(schemas.SelectorSet), nil
}

// validateAgainstPage probes each discovered selector on the live page
// so the cache starts with honest counters instead of zeros.
func (c *Coordinator) validateAgainstPage(ctx context.Context, page schemas.Page, domain string, selectors schemas.SelectorSet) {
	for role, sel := range selectors {
		found, err := page.QuerySelector(ctx, sel.CSS)
		if err != nil {
			continue
		}
		if found {
			sel.SuccessCount++
		} else {
			sel.FailureCount++
			c.logger.Debug("Discovered selector does not match the live page.",
				zap.String("domain", domain),
				zap.String("role", string(role)),
				zap.String("css", sel.CSS))
		}
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
