// internal/detector/detector.go
package detector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkadily/chatgate/api/schemas"
	"github.com/arkadily/chatgate/internal/config"
	"github.com/arkadily/chatgate/internal/fallback"
)

// Target tells the DOM-based readers where to look on the page.
type Target struct {
	// ResponseCSS locates the assistant's reply container.
	ResponseCSS string
	// TypingCSS locates the provider's typing indicator; empty falls back
	// to the configured default.
	TypingCSS string
}

// ReadRequest describes one response capture.
type ReadRequest struct {
	Page   schemas.Page
	Method schemas.StreamMethod
	Target Target
	// Resubmit re-sends the original chat message; used once as the
	// second-to-last fallback level. Optional.
	Resubmit func(ctx context.Context) error
}

// ReadResult is the captured response text plus how it was obtained.
type ReadResult struct {
	Text   string
	Method schemas.StreamMethod
	// Path lists every level attempted, in order, including the one that
	// succeeded.
	Path []string
}

// Detector classifies a provider's streaming channel and reads responses
// from it, escalating from network capture to DOM observation to visual
// polling. It is stateless; method caching lives on the Provider.
type Detector struct {
	cfg    config.DetectorConfig
	exec   *fallback.Executor
	logger *zap.Logger
}

func New(cfg config.DetectorConfig, exec *fallback.Executor, logger *zap.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		exec:   exec,
		logger: logger.Named("detector"),
	}
}

// DetectMethod observes the page's network traffic for a bounded window
// and classifies the provider's stream method in priority order: SSE,
// WebSocket, XHR polling, and finally DOM observation when nothing
// conclusive shows up. Callers cache the result on the Provider so later
// requests skip re-detection.
func (d *Detector) DetectMethod(ctx context.Context, page schemas.Page) (schemas.StreamMethod, error) {
	window := d.cfg.DetectWindow
	if window <= 0 {
		window = 5 * time.Second
	}
	timer := time.NewTimer(window)
	defer timer.Stop()

	events := page.NetworkEvents()
	wsSeen := false
	xhrHits := make(map[string]int)
	xhrSeen := false

	for {
		select {
		case <-ctx.Done():
			return schemas.StreamUnknown, ctx.Err()
		case <-timer.C:
			return d.classify(wsSeen, xhrSeen), nil
		case ev, ok := <-events:
			if !ok {
				return d.classify(wsSeen, xhrSeen), nil
			}
			switch {
			case ev.Kind == schemas.EventResponse && strings.Contains(ev.ContentType, "text/event-stream"):
				// Highest priority; nothing can outrank it.
				return schemas.StreamSSE, nil
			case ev.Kind == schemas.EventWebSocketCreated:
				wsSeen = true
			case ev.Kind == schemas.EventResponse:
				xhrHits[endpointKey(ev)]++
				if xhrHits[endpointKey(ev)] >= d.xhrThreshold() {
					xhrSeen = true
				}
			}
		}
	}
}

func (d *Detector) xhrThreshold() int {
	if d.cfg.XHRRepeatThreshold > 0 {
		return d.cfg.XHRRepeatThreshold
	}
	return 3
}

func (d *Detector) classify(wsSeen, xhrSeen bool) schemas.StreamMethod {
	switch {
	case wsSeen:
		return schemas.StreamWebSocket
	case xhrSeen:
		return schemas.StreamXHR
	default:
		return schemas.StreamDOM
	}
}

// endpointKey strips the query string so polling with cache-busters still
// counts as the same endpoint.
func endpointKey(ev schemas.NetworkEvent) string {
	url := ev.URL
	if i := strings.IndexByte(url, '?'); i >= 0 {
		url = url[:i]
	}
	return ev.Method + " " + url
}

// Read captures the provider's response text. The fallback chain is:
// the detected method with extending timeouts, then DOM observation,
// then visual polling, then a single re-submit of the original request.
// On total exhaustion the caller still receives whatever partial text was
// captured, attached to a ResponseIncompleteError.
func (d *Detector) Read(ctx context.Context, req ReadRequest) (*ReadResult, error) {
	if req.Page == nil {
		return nil, fmt.Errorf("read request has no page")
	}
	method := req.Method
	if method == schemas.StreamUnknown || method == "" {
		method = schemas.StreamDOM
	}
	if req.Target.TypingCSS == "" {
		req.Target.TypingCSS = d.cfg.TypingIndicator
	}

	base := d.cfg.ReadTimeout
	if base <= 0 {
		base = 30 * time.Second
	}

	capture := &captureBuffer{}
	methodByStep := map[string]schemas.StreamMethod{}

	readStep := func(name string, m schemas.StreamMethod, timeout time.Duration) fallback.Step {
		methodByStep[name] = m
		return fallback.Step{
			Name:    name,
			Kind:    fallback.KindCapture,
			Timeout: timeout,
			Run: func(ctx context.Context) (any, error) {
				return d.readVia(ctx, m, req, capture)
			},
		}
	}

	chain := fallback.Chain{
		Op:      "detector.read",
		Primary: readStep(fmt.Sprintf("%s@%s", method, base), method, base),
	}
	chain.Fallback = append(chain.Fallback,
		readStep(fmt.Sprintf("%s@%s", method, 2*base), method, 2*base),
		readStep(fmt.Sprintf("%s@%s", method, 4*base), method, 4*base),
	)
	if method != schemas.StreamDOM {
		chain.Fallback = append(chain.Fallback,
			readStep("dom-observe", schemas.StreamDOM, 4*base))
	}
	visual := fallback.Step{
		Name:    "visual-poll",
		Kind:    fallback.KindCapture,
		Timeout: time.Duration(d.visualPollMax()+1) * d.visualPollInterval(),
		Run: func(ctx context.Context) (any, error) {
			return d.visualPoll(ctx, req, capture)
		},
	}
	methodByStep["visual-poll"] = schemas.StreamDOM
	chain.Fallback = append(chain.Fallback, visual)

	if req.Resubmit != nil {
		name := fmt.Sprintf("resubmit+%s", method)
		methodByStep[name] = method
		chain.Fallback = append(chain.Fallback, fallback.Step{
			Name:    name,
			Kind:    fallback.KindNetwork,
			Timeout: base,
			Run: func(ctx context.Context) (any, error) {
				capture.Reset()
				if err := req.Resubmit(ctx); err != nil {
					return nil, fmt.Errorf("resubmit failed: %w", err)
				}
				return d.readVia(ctx, method, req, capture)
			},
		})
	}

	res, err := d.exec.Execute(ctx, chain)
	if err != nil {
		if ctx.Err() != nil && capture.Len() == 0 {
			return nil, err
		}
		path := pathOf(err, chain)
		d.logger.Warn("Response capture exhausted all levels.",
			zap.Strings("path", path),
			zap.Int("partial_bytes", capture.Len()))
		return nil, &schemas.ResponseIncompleteError{
			Partial: capture.String(),
			Path:    path,
			Cause:   err,
		}
	}

	text := res.Value.(string)
	return &ReadResult{
		Text:   text,
		Method: methodByStep[res.Step],
		Path:   res.Path,
	}, nil
}

func pathOf(err error, chain fallback.Chain) []string {
	if chainErr, ok := err.(*fallback.ChainError); ok {
		path := make([]string, 0, len(chainErr.Failures))
		for _, f := range chainErr.Failures {
			path = append(path, f.Step)
		}
		return path
	}
	return []string{chain.Primary.Name}
}

// readVia dispatches to the method-specific reader.
func (d *Detector) readVia(ctx context.Context, method schemas.StreamMethod, req ReadRequest, capture *captureBuffer) (string, error) {
	switch method {
	case schemas.StreamSSE:
		return d.readSSE(ctx, req.Page, capture)
	case schemas.StreamWebSocket:
		return d.readWebSocket(ctx, req.Page, capture)
	case schemas.StreamXHR:
		return d.readXHR(ctx, req.Page, capture)
	case schemas.StreamDOM:
		return d.readDOM(ctx, req, capture)
	default:
		return "", fmt.Errorf("no reader for stream method %q", method)
	}
}

func (d *Detector) quietPeriod() time.Duration {
	if d.cfg.QuietPeriod > 0 {
		return d.cfg.QuietPeriod
	}
	return 2 * time.Second
}

func (d *Detector) visualPollInterval() time.Duration {
	if d.cfg.VisualPollInterval > 0 {
		return d.cfg.VisualPollInterval
	}
	return 2 * time.Second
}

func (d *Detector) visualPollMax() int {
	if d.cfg.VisualPollMax > 0 {
		return d.cfg.VisualPollMax
	}
	return 30
}

// captureBuffer accumulates partial response text across fallback levels
// so an exhausted chain can still hand the caller what it saw.
type captureBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (c *captureBuffer) Append(s string) {
	c.mu.Lock()
	c.b.WriteString(s)
	c.mu.Unlock()
}

// Replace swaps the whole buffer; used by snapshot-style readers (DOM,
// visual) whose reads supersede earlier partial stream data.
func (c *captureBuffer) Replace(s string) {
	c.mu.Lock()
	c.b.Reset()
	c.b.WriteString(s)
	c.mu.Unlock()
}

func (c *captureBuffer) Reset() {
	c.mu.Lock()
	c.b.Reset()
	c.mu.Unlock()
}

func (c *captureBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.String()
}

func (c *captureBuffer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.Len()
}
