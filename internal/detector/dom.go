// internal/detector/dom.go
package detector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/arkadily/chatgate/api/schemas"
)

var errTextNeverSettled = errors.New("page text never settled")

// responseTextJS returns the inner text of the response container, or ""
// when the selector matches nothing.
func responseTextJS(css string) string {
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? el.innerText : ""; })()`, strconv.Quote(css))
}

const bodyTextJS = `(() => document.body ? document.body.innerText : "")()`

// readDOM observes the response container's text until it has been
// stable for the quiet period with no typing indicator showing. The
// quiet-period heuristic is inherently approximate, so both thresholds
// are configuration, not constants.
func (d *Detector) readDOM(ctx context.Context, req ReadRequest, capture *captureBuffer) (string, error) {
	if req.Target.ResponseCSS == "" {
		return "", fmt.Errorf("%w: no response selector for DOM observation", schemas.ErrSelectorNotFound)
	}

	// Sample fast enough to notice growth well within one quiet period.
	interval := d.quietPeriod() / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	stableSince := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: dom observation: %v", schemas.ErrResponseTimeout, ctx.Err())
		case <-ticker.C:
		}

		var text string
		if err := req.Page.Evaluate(ctx, responseTextJS(req.Target.ResponseCSS), &text); err != nil {
			return "", fmt.Errorf("failed to read response text: %w", err)
		}

		now := time.Now()
		if text != last {
			last = text
			stableSince = now
			if text != "" {
				capture.Replace(text)
			}
			continue
		}
		if text == "" || now.Sub(stableSince) < d.quietPeriod() {
			continue
		}

		typing, err := d.typingIndicatorVisible(ctx, req)
		if err != nil || typing {
			continue
		}
		return text, nil
	}
}

// visualPoll is the last capture resort: diff the page's whole visible
// text on a slow cadence, bounded by a fixed iteration budget.
func (d *Detector) visualPoll(ctx context.Context, req ReadRequest, capture *captureBuffer) (string, error) {
	last := ""

	for i := 0; i < d.visualPollMax(); i++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: visual polling: %v", schemas.ErrResponseTimeout, ctx.Err())
		case <-time.After(d.visualPollInterval()):
		}

		var text string
		if err := req.Page.Evaluate(ctx, bodyTextJS, &text); err != nil {
			return "", fmt.Errorf("failed to read visible text: %w", err)
		}

		// One unchanged poll means the text survived a full interval.
		if text != last {
			last = text
			if text != "" {
				capture.Replace(text)
			}
			continue
		}
		if text == "" {
			continue
		}

		typing, err := d.typingIndicatorVisible(ctx, req)
		if err == nil && !typing {
			return text, nil
		}
	}
	return "", errTextNeverSettled
}

func (d *Detector) typingIndicatorVisible(ctx context.Context, req ReadRequest) (bool, error) {
	css := req.Target.TypingCSS
	if css == "" {
		return false, nil
	}
	return req.Page.QuerySelector(ctx, css)
}
