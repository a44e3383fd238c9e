// internal/vision/client.go
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arkadily/chatgate/api/schemas"
	"github.com/arkadily/chatgate/internal/config"
)

// Client implements schemas.VisionEngine against a remote vision-model
// HTTP API. Calls are rate limited and retried with exponential backoff;
// client errors (except 429) are never retried.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxElapsed time.Duration
	logger     *zap.Logger
}

// -- Vision API Request/Response Structures (Internal to this file) --

type detectRequestPayload struct {
	Image string   `json:"image"` // base64 PNG
	Roles []string `json:"roles"`
}

type detectedElement struct {
	Role       string   `json:"role"`
	CSS        string   `json:"css"`
	XPath      string   `json:"xpath,omitempty"`
	Fallbacks  []string `json:"fallbacks,omitempty"`
	Confidence float64  `json:"confidence"`
}

type detectResponsePayload struct {
	Elements []detectedElement `json:"elements"`
}

// NewClient initializes the client.
func NewClient(cfg config.VisionConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("vision endpoint is required")
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Limit(1)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	maxElapsed := cfg.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 2 * time.Minute
	}

	return &Client{
		apiKey:   cfg.APIKey,
		endpoint: cfg.Endpoint,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		limiter:    rate.NewLimiter(limit, burst),
		maxElapsed: maxElapsed,
		logger:     logger.Named("vision_client"),
	}, nil
}

// DetectElements sends the screenshot to the vision API and maps the
// detected elements into a SelectorSet, with retries.
func (c *Client) DetectElements(ctx context.Context, screenshot []byte, roles []schemas.SelectorRole) (schemas.SelectorSet, error) {
	if len(screenshot) == 0 {
		return nil, fmt.Errorf("empty screenshot")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	roleNames := make([]string, len(roles))
	for i, r := range roles {
		roleNames[i] = string(r)
	}
	body, err := json.Marshal(detectRequestPayload{
		Image: base64.StdEncoding.EncodeToString(screenshot),
		Roles: roleNames,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.maxElapsed
	b.MaxInterval = 30 * time.Second

	var responsePayload detectResponsePayload

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		startTime := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		duration := time.Since(startTime)

		if err != nil {
			c.logger.Warn("Network error during vision request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		responsePayload = detectResponsePayload{}
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}

		c.logger.Info("Vision detection complete",
			zap.Duration("duration", duration),
			zap.Int("elements", len(responsePayload.Elements)),
		)
		return nil
	}

	if err = backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}

	return c.buildSelectorSet(responsePayload.Elements), nil
}

func (c *Client) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Vision API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("vision API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient errors, retry.
	default:
		return backoff.Permanent(err) // Permanent errors.
	}
}

// buildSelectorSet keeps the highest-confidence element per role and
// drops anything without a usable CSS locator.
func (c *Client) buildSelectorSet(elements []detectedElement) schemas.SelectorSet {
	set := make(schemas.SelectorSet)
	confidence := make(map[schemas.SelectorRole]float64)

	for _, el := range elements {
		if el.CSS == "" {
			continue
		}
		role := schemas.SelectorRole(el.Role)
		switch role {
		case schemas.RoleInput, schemas.RoleSubmit, schemas.RoleResponse:
		default:
			c.logger.Debug("Dropping element with unknown role", zap.String("role", el.Role))
			continue
		}
		if existing, ok := confidence[role]; ok && existing >= el.Confidence {
			continue
		}
		confidence[role] = el.Confidence
		set[role] = &schemas.Selector{
			Role:      role,
			CSS:       el.CSS,
			XPath:     el.XPath,
			Fallbacks: append([]string(nil), el.Fallbacks...),
		}
	}
	return set
}
