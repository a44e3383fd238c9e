// internal/browser/cdp/browser.go
package cdp

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/arkadily/chatgate/api/schemas"
	"github.com/arkadily/chatgate/internal/config"
)

// Browser implements schemas.BrowserContext on top of a single Chrome
// process. Each NewPage call opens an isolated chromedp context (its own
// tab), which is what the session pool hands out.
type Browser struct {
	cfg         config.BrowserConfig
	allocCtx    context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New launches the Chrome allocator. The browser process itself starts
// lazily with the first page.
func New(cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(viewport(cfg)),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	logger = logger.Named("browser")
	logger.Info("Browser allocator ready.",
		zap.Bool("headless", cfg.Headless),
		zap.String("proxy", cfg.ProxyURL))

	return &Browser{
		cfg:         cfg,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

func viewport(cfg config.BrowserConfig) (int, int) {
	w, h := cfg.ViewportWidth, cfg.ViewportHeight
	if w <= 0 {
		w = 1280
	}
	if h <= 0 {
		h = 800
	}
	return w, h
}

// NewPage opens a fresh tab with its own network tap attached.
func (b *Browser) NewPage(ctx context.Context) (schemas.Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			b.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	p := newPage(tabCtx, tabCancel, b.cfg, b.logger)
	if err := p.start(ctx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to start page: %w", err)
	}
	return p, nil
}

// Close tears down the Chrome process and every remaining tab.
func (b *Browser) Close(ctx context.Context) error {
	b.allocCancel()
	b.logger.Info("Browser closed.")
	return nil
}
