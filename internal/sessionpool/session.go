// internal/sessionpool/session.go
package sessionpool

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arkadily/chatgate/api/schemas"
)

// State is a session's lifecycle state. Only the transitions
// idle→active, active→idle, idle→expired and active→expired are legal.
type State int8

const (
	StateIdle State = iota
	StateActive
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int8(s))
	}
}

// Session is one live browser page bound to exactly one provider. All
// fields besides the immutable ones are guarded by the owning pool's
// mutex; a session never outlives its provider's pool.
type Session struct {
	ID         string
	ProviderID string
	CreatedAt  time.Time

	lastUsedAt time.Time
	state      State
	page       schemas.Page
}

func newSession(providerID string, page schemas.Page, now time.Time) *Session {
	return &Session{
		ID:         uuid.NewString(),
		ProviderID: providerID,
		CreatedAt:  now,
		lastUsedAt: now,
		state:      StateIdle,
		page:       page,
	}
}

// Page exposes the underlying browser page. Only valid while the session
// is checked out (active).
func (s *Session) Page() schemas.Page { return s.page }

// transition enforces the session state machine.
func (s *Session) transition(to State) error {
	legal := false
	switch s.state {
	case StateIdle:
		legal = to == StateActive || to == StateExpired
	case StateActive:
		legal = to == StateIdle || to == StateExpired
	}
	if !legal {
		return fmt.Errorf("illegal session transition %s -> %s (session %s)", s.state, to, s.ID)
	}
	s.state = to
	return nil
}

func (s *Session) idleTime(now time.Time) time.Duration { return now.Sub(s.lastUsedAt) }
func (s *Session) age(now time.Time) time.Duration     { return now.Sub(s.CreatedAt) }
