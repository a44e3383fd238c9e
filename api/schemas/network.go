// api/schemas/network.go
package schemas

import "time"

// NetworkEventKind classifies the traffic events a Page forwards from the
// underlying browser. The detector consumes these to classify and read a
// provider's response stream.
type NetworkEventKind string

const (
	EventRequest            NetworkEventKind = "request"
	EventResponse           NetworkEventKind = "response"
	EventWebSocketCreated   NetworkEventKind = "websocket_created"
	EventWebSocketFrame     NetworkEventKind = "websocket_frame"
	EventEventSourceMessage NetworkEventKind = "eventsource_message"
	EventLoadingFinished    NetworkEventKind = "loading_finished"
)

// NetworkEvent is one observation from the page's network tap. Data is
// only populated for frame/message/body events.
type NetworkEvent struct {
	Kind        NetworkEventKind
	RequestID   string
	URL         string
	Method      string
	ContentType string
	Status      int
	Data        string
	Timestamp   time.Time
}
