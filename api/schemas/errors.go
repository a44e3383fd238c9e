// api/schemas/errors.go
package schemas

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the engine. Components wrap these with
// %w so callers can classify failures with errors.Is.
var (
	ErrSelectorNotFound    = errors.New("selector not found")
	ErrSessionCreateFailed = errors.New("session create failed")
	ErrResponseTimeout     = errors.New("response timeout")
	ErrDiscoveryFailed     = errors.New("discovery failed")
	ErrDiscoveryInFlight   = errors.New("discovery already in flight")
	ErrProviderUnreachable = errors.New("provider unreachable")
	ErrProviderDisabled    = errors.New("provider disabled")
)

// PoolExhaustedError is returned when every acquisition escalation level
// failed. RetryAfter hints when the caller should try again.
type PoolExhaustedError struct {
	ProviderID string
	RetryAfter time.Duration
	Cause      error
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("session pool exhausted for provider %s (retry after %s): %v", e.ProviderID, e.RetryAfter, e.Cause)
}

func (e *PoolExhaustedError) Unwrap() error { return e.Cause }

// ResponseIncompleteError carries whatever partial text was captured
// before the read chain gave up, plus the fallback path that was taken.
// Partial content is never discarded.
type ResponseIncompleteError struct {
	Partial string
	Path    []string
	Cause   error
}

func (e *ResponseIncompleteError) Error() string {
	return fmt.Sprintf("response incomplete after %v: %v", e.Path, e.Cause)
}

func (e *ResponseIncompleteError) Unwrap() error { return e.Cause }
