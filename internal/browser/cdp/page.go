// internal/browser/cdp/page.go
package cdp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/arkadily/chatgate/api/schemas"
	"github.com/arkadily/chatgate/internal/config"
)

// page is one live tab. The network tap runs on chromedp's event
// goroutine and must never block it, so the events channel is buffered
// and overflow is dropped with a log line rather than applying
// backpressure to the browser.
type page struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	events   chan schemas.NetworkEvent
	requests map[network.RequestID]*requestMeta
}

type requestMeta struct {
	url      string
	method   string
	mimeType string
	status   int
}

func newPage(tabCtx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger) *page {
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &page{
		ctx:      tabCtx,
		cancel:   cancel,
		cfg:      cfg,
		logger:   logger.Named("page"),
		events:   make(chan schemas.NetworkEvent, buffer),
		requests: make(map[network.RequestID]*requestMeta),
	}
}

// start enables the network domain and attaches the event tap.
func (p *page) start(ctx context.Context) error {
	chromedp.ListenTarget(p.ctx, p.handleEvent)
	if err := p.run(ctx, network.Enable()); err != nil {
		return fmt.Errorf("failed to enable network domain: %w", err)
	}
	go func() {
		<-p.ctx.Done()
		p.closeEvents()
	}()
	return nil
}

// run executes chromedp actions on this tab, bounded by both the tab's
// lifetime and the caller's context.
func (p *page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (p *page) Goto(ctx context.Context, url string) error {
	navTimeout := p.cfg.NavTimeout
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, navTimeout)
	defer cancel()

	return p.run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

const visibleJS = `(() => {
	const el = document.querySelector(%s);
	return !!el && (el.offsetParent !== null || el.tagName === "BODY");
})()`

func (p *page) QuerySelector(ctx context.Context, selector string) (bool, error) {
	var found bool
	expr := fmt.Sprintf(visibleJS, jsString(selector))
	if err := p.run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
		return false, fmt.Errorf("query %q: %w", selector, err)
	}
	return found, nil
}

func (p *page) Evaluate(ctx context.Context, expression string, out any) error {
	return p.run(ctx, chromedp.Evaluate(expression, out))
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

func (p *page) NetworkEvents() <-chan schemas.NetworkEvent {
	return p.events
}

// Reset blanks the tab so the session pool can hand it to another
// request. Request bookkeeping is dropped; the event channel stays open.
func (p *page) Reset(ctx context.Context) error {
	if err := p.run(ctx,
		chromedp.Navigate("about:blank"),
		network.ClearBrowserCookies(),
	); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	p.mu.Lock()
	p.requests = make(map[network.RequestID]*requestMeta)
	p.mu.Unlock()
	return nil
}

func (p *page) Close(ctx context.Context) error {
	p.cancel()
	p.closeEvents()
	return nil
}

func (p *page) closeEvents() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
}

// emit forwards one event without ever blocking chromedp's dispatcher.
func (p *page) emit(ev schemas.NetworkEvent) {
	ev.Timestamp = time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Debug("Network event buffer full; dropping event.",
			zap.String("kind", string(ev.Kind)),
			zap.String("url", ev.URL))
	}
}

func (p *page) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		p.mu.Lock()
		p.requests[e.RequestID] = &requestMeta{
			url:    e.Request.URL,
			method: e.Request.Method,
		}
		p.mu.Unlock()

	case *network.EventResponseReceived:
		p.mu.Lock()
		meta, ok := p.requests[e.RequestID]
		if !ok {
			meta = &requestMeta{url: e.Response.URL}
			p.requests[e.RequestID] = meta
		}
		meta.mimeType = e.Response.MimeType
		meta.status = int(e.Response.Status)
		method := meta.method
		p.mu.Unlock()

		p.emit(schemas.NetworkEvent{
			Kind:        schemas.EventResponse,
			RequestID:   string(e.RequestID),
			URL:         e.Response.URL,
			Method:      method,
			ContentType: e.Response.MimeType,
			Status:      int(e.Response.Status),
		})

	case *network.EventEventSourceMessageReceived:
		p.emit(schemas.NetworkEvent{
			Kind:      schemas.EventEventSourceMessage,
			RequestID: string(e.RequestID),
			Data:      e.Data,
		})

	case *network.EventWebSocketCreated:
		p.emit(schemas.NetworkEvent{
			Kind:      schemas.EventWebSocketCreated,
			RequestID: string(e.RequestID),
			URL:       e.URL,
		})

	case *network.EventWebSocketFrameReceived:
		p.emit(schemas.NetworkEvent{
			Kind:      schemas.EventWebSocketFrame,
			RequestID: string(e.RequestID),
			Data:      e.Response.PayloadData,
		})

	case *network.EventLoadingFinished:
		p.mu.Lock()
		meta, ok := p.requests[e.RequestID]
		var snapshot requestMeta
		if ok {
			snapshot = *meta
		}
		p.mu.Unlock()
		if !ok || !bodyWorthFetching(snapshot.mimeType) {
			return
		}
		// Body fetches hit the CDP target and must not run on the
		// dispatcher goroutine.
		go p.fetchBody(e.RequestID, snapshot)
	}
}

// bodyWorthFetching keeps the tap from hauling images and fonts around;
// only textual payloads matter to response capture.
func bodyWorthFetching(mimeType string) bool {
	switch {
	case strings.HasPrefix(mimeType, "application/json"),
		strings.HasPrefix(mimeType, "text/"):
		return true
	default:
		return false
	}
}

func (p *page) fetchBody(id network.RequestID, meta requestMeta) {
	execCtx := cdpruntime.WithExecutor(p.ctx, chromedp.FromContext(p.ctx).Target)
	body, err := network.GetResponseBody(id).Do(execCtx)
	if err != nil {
		// Bodies evaporate from the browser cache; this is routine.
		p.logger.Debug("Response body unavailable.",
			zap.String("request_id", string(id)),
			zap.Error(err))
		return
	}
	p.emit(schemas.NetworkEvent{
		Kind:        schemas.EventLoadingFinished,
		RequestID:   string(id),
		URL:         meta.url,
		Method:      meta.method,
		ContentType: meta.mimeType,
		Status:      meta.status,
		Data:        string(body),
	})
}

func jsString(s string) string {
	return fmt.Sprintf("%q", s)
}
