// api/schemas/interfaces.go
package schemas

import "context"

// BrowserContext abstracts the browser-automation layer. The engine only
// ever asks it for new pages; everything else happens on the Page.
type BrowserContext interface {
	// NewPage opens a fresh, isolated tab/context.
	NewPage(ctx context.Context) (Page, error)
	// Close tears down the browser process.
	Close(ctx context.Context) error
}

// Page is one live browser tab. Implementations must be safe for use by
// one goroutine at a time; the session pool guarantees exclusive checkout.
type Page interface {
	Goto(ctx context.Context, url string) error
	// QuerySelector reports whether the selector matches at least one
	// visible element.
	QuerySelector(ctx context.Context, selector string) (bool, error)
	// Evaluate runs a JavaScript expression and unmarshals the result
	// into out (pass nil to discard).
	Evaluate(ctx context.Context, expression string, out any) error
	Screenshot(ctx context.Context) ([]byte, error)
	// NetworkEvents exposes the page's network tap. The channel is closed
	// when the page closes.
	NetworkEvents() <-chan NetworkEvent
	// Reset returns the page to a blank state so it can be reused by a
	// later request (recycling).
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

// VisionEngine locates chat UI elements on a screenshot. It is a
// fallible, rate-limited remote call; callers wrap it in a fallback chain.
type VisionEngine interface {
	DetectElements(ctx context.Context, screenshot []byte, roles []SelectorRole) (SelectorSet, error)
}

// CaptchaInfo carries what a solver needs to attack a challenge.
type CaptchaInfo struct {
	Type    string // e.g. "recaptcha_v2", "turnstile"
	SiteKey string
}

// CaptchaSolver is the optional remote solving service. It is only ever
// invoked from a fallback level inside discovery navigation.
type CaptchaSolver interface {
	Solve(ctx context.Context, info CaptchaInfo, pageURL string) (token string, err error)
}
