// internal/detector/ws_dial.go
package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"

	"github.com/arkadily/chatgate/api/schemas"
)

// readSocketDirect dials the provider's websocket endpoint itself and
// reads messages until the server closes or emits a terminator. Used
// when the page tap saw the socket being created but forwarded no
// frames.
func (d *Detector) readSocketDirect(ctx context.Context, url string, capture *captureBuffer) (string, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: dial %s: %v", schemas.ErrProviderUnreachable, url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var sb strings.Builder
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) && sb.Len() > 0 {
				// Server closed the stream; what we have is the response.
				return sb.String(), nil
			}
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: websocket read: %v", schemas.ErrResponseTimeout, ctx.Err())
			}
			if sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", fmt.Errorf("websocket read failed: %w", err)
		}

		msg := strings.TrimSpace(string(data))
		if msg == doneMarker {
			return sb.String(), nil
		}
		delta := extractDelta(string(data))
		sb.WriteString(delta)
		capture.Append(delta)
	}
}
