// api/schemas/provider.go
package schemas

import "time"

// ProviderStatus tracks the operational health of a chat provider.
// Using a custom type ensures that only predefined constants can be used
// where a status is expected.
type ProviderStatus string

const (
	ProviderActive         ProviderStatus = "active"
	ProviderUnhealthy      ProviderStatus = "unhealthy"
	ProviderCaptchaBlocked ProviderStatus = "captcha_blocked"
	ProviderUnreachable    ProviderStatus = "unreachable"
	ProviderDisabled       ProviderStatus = "disabled"
)

// StreamMethod identifies how a provider delivers its response stream.
type StreamMethod string

const (
	StreamSSE       StreamMethod = "sse"
	StreamWebSocket StreamMethod = "websocket"
	StreamXHR       StreamMethod = "xhr"
	StreamDOM       StreamMethod = "dom"
	StreamUnknown   StreamMethod = "unknown"
)

// Provider describes one target chat site. Providers are soft-disabled,
// never deleted, while sessions still reference them.
type Provider struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	Name          string         `json:"name"`
	Status        ProviderStatus `json:"status"`
	StreamMethod  StreamMethod   `json:"stream_method"`
	AuthMethod    string         `json:"auth_method,omitempty"`
	FailureCount  int            `json:"failure_count"`
	LastValidated time.Time      `json:"last_validated"`
}
