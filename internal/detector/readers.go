// internal/detector/readers.go
package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/arkadily/chatgate/api/schemas"
)

var errNoStreamData = errors.New("stream produced no data")

// doneMarker is the OpenAI-style explicit stream terminator most chat
// backends emit.
const doneMarker = "[DONE]"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// extractDelta pulls the text payload out of one stream message. Chat
// backends wrap deltas in a handful of common JSON shapes; anything
// unrecognized is passed through verbatim.
func extractDelta(data string) string {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" || trimmed[0] != '{' {
		return data
	}

	var envelope struct {
		Content string `json:"content"`
		Text    string `json:"text"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.UnmarshalFromString(trimmed, &envelope); err != nil {
		return data
	}
	switch {
	case len(envelope.Choices) > 0:
		return envelope.Choices[0].Delta.Content
	case envelope.Content != "":
		return envelope.Content
	case envelope.Text != "":
		return envelope.Text
	default:
		return ""
	}
}

// readSSE accumulates EventSource messages until an explicit terminator:
// a [DONE] marker or stream EOF. Timeouts come from the step budget.
func (d *Detector) readSSE(ctx context.Context, page schemas.Page, capture *captureBuffer) (string, error) {
	events := page.NetworkEvents()
	var sb strings.Builder

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: sse capture: %v", schemas.ErrResponseTimeout, ctx.Err())
		case ev, ok := <-events:
			if !ok {
				if sb.Len() > 0 {
					return sb.String(), nil
				}
				return "", errNoStreamData
			}
			switch ev.Kind {
			case schemas.EventEventSourceMessage:
				data := strings.TrimSpace(ev.Data)
				if data == doneMarker {
					return sb.String(), nil
				}
				delta := extractDelta(ev.Data)
				sb.WriteString(delta)
				capture.Append(delta)
			case schemas.EventLoadingFinished:
				// Stream EOF counts as an explicit terminator once data
				// has flowed.
				if sb.Len() > 0 {
					return sb.String(), nil
				}
			}
		}
	}
}

// readWebSocket accumulates frames forwarded by the page's network tap.
// If a socket was created but no frames arrive within a quiet period
// (some pages open the socket before the tap attaches), the reader dials
// the captured socket URL directly.
func (d *Detector) readWebSocket(ctx context.Context, page schemas.Page, capture *captureBuffer) (string, error) {
	events := page.NetworkEvents()
	var sb strings.Builder
	socketURL := ""

	grace := time.NewTimer(d.quietPeriod())
	defer grace.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: websocket capture: %v", schemas.ErrResponseTimeout, ctx.Err())
		case <-grace.C:
			if sb.Len() == 0 && socketURL != "" {
				d.logger.Debug("No tapped frames; dialing socket directly.",
					zap.String("url", socketURL))
				return d.readSocketDirect(ctx, socketURL, capture)
			}
		case ev, ok := <-events:
			if !ok {
				if sb.Len() > 0 {
					return sb.String(), nil
				}
				return "", errNoStreamData
			}
			switch ev.Kind {
			case schemas.EventWebSocketCreated:
				socketURL = ev.URL
			case schemas.EventWebSocketFrame:
				data := strings.TrimSpace(ev.Data)
				if data == doneMarker {
					return sb.String(), nil
				}
				delta := extractDelta(ev.Data)
				sb.WriteString(delta)
				capture.Append(delta)
			case schemas.EventLoadingFinished:
				// Socket closed.
				if sb.Len() > 0 {
					return sb.String(), nil
				}
			}
		}
	}
}

// readXHR watches repeated polling responses to the same endpoint and
// completes when the latest body has been stable for a quiet period.
func (d *Detector) readXHR(ctx context.Context, page schemas.Page, capture *captureBuffer) (string, error) {
	events := page.NetworkEvents()
	latest := make(map[string]string)
	best := ""

	quiet := time.NewTimer(d.quietPeriod())
	defer quiet.Stop()

	resetQuiet := func() {
		if !quiet.Stop() {
			select {
			case <-quiet.C:
			default:
			}
		}
		quiet.Reset(d.quietPeriod())
	}

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: xhr capture: %v", schemas.ErrResponseTimeout, ctx.Err())
		case <-quiet.C:
			if best != "" {
				return best, nil
			}
			resetQuiet()
		case ev, ok := <-events:
			if !ok {
				if best != "" {
					return best, nil
				}
				return "", errNoStreamData
			}
			if ev.Kind != schemas.EventResponse && ev.Kind != schemas.EventLoadingFinished {
				continue
			}
			if ev.Data == "" {
				continue
			}
			key := endpointKey(ev)
			if latest[key] != ev.Data {
				latest[key] = ev.Data
				text := extractDelta(ev.Data)
				if len(text) >= len(best) {
					best = text
					capture.Replace(text)
				}
				resetQuiet()
			}
		}
	}
}
