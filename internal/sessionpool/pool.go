// internal/sessionpool/pool.go
package sessionpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkadily/chatgate/api/schemas"
	"github.com/arkadily/chatgate/internal/config"
	"github.com/arkadily/chatgate/internal/fallback"
)

var (
	errNoIdleSession = errors.New("no idle session available")
	errPoolClosed    = errors.New("session pool closed")
	// ErrSessionNotFound is returned when a release or evict names an id
	// the pool no longer tracks.
	ErrSessionNotFound = errors.New("session not found in pool")
)

// Pool manages the bounded set of browser sessions for one provider.
// All state mutations are linearized under one mutex; no lock is ever
// held across a browser call.
type Pool struct {
	providerID string
	cfg        config.PoolConfig
	browser    schemas.BrowserContext
	exec       *fallback.Executor
	logger     *zap.Logger
	clock      func() time.Time

	// onEvict lets the owning manager drop its session index entry.
	onEvict func(sessionID string)

	mu        sync.Mutex
	available []*Session          // FIFO idle queue, oldest first
	active    map[string]*Session // checked-out sessions by id
	creating  int                 // slots reserved for in-flight creates
	waiters   []chan struct{}
	closed    bool
}

// NewPool builds the pool for one provider. Sessions are created lazily;
// CleanupStale pre-warms up to MinSessions.
func NewPool(providerID string, cfg config.PoolConfig, browser schemas.BrowserContext, exec *fallback.Executor, logger *zap.Logger) *Pool {
	return &Pool{
		providerID: providerID,
		cfg:        cfg,
		browser:    browser,
		exec:       exec,
		logger:     logger.Named("session_pool").With(zap.String("provider_id", providerID)),
		clock:      time.Now,
		active:     make(map[string]*Session),
	}
}

// size is the capacity accounting: idle + active + reserved create slots.
// Callers must hold p.mu.
func (p *Pool) sizeLocked() int {
	return len(p.available) + len(p.active) + p.creating
}

// Stats reports the current idle/active/total counts.
func (p *Pool) Stats() (idle, active, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available), len(p.active), p.sizeLocked()
}

// Acquire checks out a session, escalating through the acquisition chain:
// grab an idle session, wait for one, create a new one, recycle the
// longest-idle one, force-replace the oldest one, and finally fail with
// PoolExhausted carrying a retry-after hint.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	chain := fallback.Chain{
		Op: "pool.acquire/" + p.providerID,
		Primary: fallback.Step{
			Name: "grab-idle", Kind: fallback.KindPool,
			Run: func(ctx context.Context) (any, error) { return p.grabIdle() },
		},
		Fallback: []fallback.Step{
			{
				Name: "wait-idle", Kind: fallback.KindPool, Timeout: p.cfg.AcquireWait,
				Run: func(ctx context.Context) (any, error) { return p.waitIdle(ctx) },
			},
			{
				Name: "create", Kind: fallback.KindPool, Timeout: p.cfg.AcquireWait,
				Run: func(ctx context.Context) (any, error) { return p.createSession(ctx) },
			},
			{
				Name: "recycle-longest-idle", Kind: fallback.KindPool, Retries: 1,
				Run: func(ctx context.Context) (any, error) { return p.recycleLongestIdle(ctx) },
			},
			{
				Name: "evict-oldest-and-replace", Kind: fallback.KindPool,
				Run: func(ctx context.Context) (any, error) { return p.evictOldestAndCreate(ctx) },
			},
		},
	}

	res, err := p.exec.Execute(ctx, chain)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &schemas.PoolExhaustedError{
			ProviderID: p.providerID,
			RetryAfter: p.cfg.RetryAfterHint,
			Cause:      err,
		}
	}

	sess := res.Value.(*Session)
	p.logger.Debug("Session acquired.",
		zap.String("session_id", sess.ID),
		zap.String("via", res.Step))
	return sess, nil
}

// grabIdle takes the freshest idle session without waiting.
func (p *Pool) grabIdle() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fallback.Permanent(errPoolClosed)
	}
	return p.takeIdleLocked()
}

// takeIdleLocked pops the most recently used idle session and marks it
// active. Callers must hold p.mu.
func (p *Pool) takeIdleLocked() (*Session, error) {
	if len(p.available) == 0 {
		return nil, errNoIdleSession
	}
	// Last element is the most recently released: warmest page state.
	sess := p.available[len(p.available)-1]
	p.available = p.available[:len(p.available)-1]
	if err := sess.transition(StateActive); err != nil {
		return nil, err
	}
	sess.lastUsedAt = p.clock()
	p.active[sess.ID] = sess
	return sess, nil
}

// waitIdle blocks until a session is released or the step budget runs
// out. The lock is never held while blocked: interest is registered, and
// availability is re-checked under lock on every wake.
func (p *Pool) waitIdle(ctx context.Context) (*Session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fallback.Permanent(errPoolClosed)
		}
		if sess, err := p.takeIdleLocked(); err == nil {
			p.mu.Unlock()
			return sess, nil
		}
		wake := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wake)
		p.mu.Unlock()

		select {
		case <-wake:
			// Re-check under lock; another waiter may have won the race.
		case <-ctx.Done():
			p.dropWaiter(wake)
			return nil, ctx.Err()
		}
	}
}

// dropWaiter removes a cancelled waiter. A wake token that raced with
// the cancellation is handed to the next waiter instead of dropped, so
// the released session is claimed without waiting out a step budget.
func (p *Pool) dropWaiter(wake chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == wake {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	select {
	case <-wake:
		p.notifyLocked()
	default:
	}
}

// notifyLocked wakes one waiter. Callers must hold p.mu.
func (p *Pool) notifyLocked() {
	if len(p.waiters) == 0 {
		return
	}
	wake := p.waiters[0]
	p.waiters = p.waiters[1:]
	select {
	case wake <- struct{}{}:
	default:
	}
}

// createSession opens a new page if the pool has spare capacity. The
// capacity slot is reserved before the browser call so the pool-size
// invariant holds even while the create is in flight.
func (p *Pool) createSession(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fallback.Permanent(errPoolClosed)
	}
	if p.sizeLocked() >= p.cfg.MaxSessions {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool at capacity (%d)", p.cfg.MaxSessions)
	}
	p.creating++
	p.mu.Unlock()

	page, err := p.browser.NewPage(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.creating--
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrSessionCreateFailed, err)
	}
	if p.closed {
		go func() { _ = page.Close(context.Background()) }()
		return nil, fallback.Permanent(errPoolClosed)
	}

	sess := newSession(p.providerID, page, p.clock())
	if err := sess.transition(StateActive); err != nil {
		return nil, err
	}
	p.active[sess.ID] = sess
	p.logger.Info("Session created.", zap.String("session_id", sess.ID))
	return sess, nil
}

// recycleLongestIdle resets the page of the longest-idle session and
// hands it out. A failed reset evicts the session instead of returning a
// broken page.
func (p *Pool) recycleLongestIdle(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if len(p.available) == 0 {
		p.mu.Unlock()
		return nil, errNoIdleSession
	}
	// Head of the queue has been idle the longest.
	sess := p.available[0]
	p.available = p.available[1:]
	if err := sess.transition(StateActive); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.active[sess.ID] = sess
	p.mu.Unlock()

	if err := sess.page.Reset(ctx); err != nil {
		p.logger.Warn("Recycle reset failed; evicting session.",
			zap.String("session_id", sess.ID), zap.Error(err))
		_ = p.Evict(ctx, sess.ID)
		return nil, fmt.Errorf("failed to reset session %s: %w", sess.ID, err)
	}

	p.mu.Lock()
	sess.lastUsedAt = p.clock()
	p.mu.Unlock()
	return sess, nil
}

// evictOldestAndCreate force-closes the oldest session (idle preferred)
// to free a slot, then creates a replacement.
func (p *Pool) evictOldestAndCreate(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	victim := p.oldestLocked()
	p.mu.Unlock()
	if victim == nil {
		return nil, errNoIdleSession
	}

	p.logger.Warn("Force-closing oldest session to free capacity.",
		zap.String("session_id", victim.ID))
	if err := p.Evict(ctx, victim.ID); err != nil {
		return nil, err
	}
	return p.createSession(ctx)
}

// oldestLocked picks the oldest session by creation time, preferring idle
// ones so in-flight requests survive. Callers must hold p.mu.
func (p *Pool) oldestLocked() *Session {
	var oldest *Session
	for _, s := range p.available {
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest != nil {
		return oldest
	}
	for _, s := range p.active {
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	return oldest
}

// Release returns a checked-out session to the idle queue. A session
// whose release fails is never silently dropped: it is logged, marked
// expired, and removed from capacity accounting.
func (p *Pool) Release(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	sess, ok := p.active[sessionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(p.active, sessionID)

	if err := sess.transition(StateIdle); err != nil {
		sess.state = StateExpired
		p.mu.Unlock()
		p.logger.Error("Release failed; session expired and removed.",
			zap.String("session_id", sessionID), zap.Error(err))
		p.closePage(sess)
		if p.onEvict != nil {
			p.onEvict(sessionID)
		}
		return err
	}

	sess.lastUsedAt = p.clock()
	if p.closed {
		sess.state = StateExpired
		p.mu.Unlock()
		p.closePage(sess)
		return nil
	}
	p.available = append(p.available, sess)
	p.notifyLocked()
	p.mu.Unlock()

	p.logger.Debug("Session released.", zap.String("session_id", sessionID))
	return nil
}

// Evict destroys the session's page and removes it from both collections.
func (p *Pool) Evict(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	var sess *Session
	if s, ok := p.active[sessionID]; ok {
		sess = s
		delete(p.active, sessionID)
	} else {
		for i, s := range p.available {
			if s.ID == sessionID {
				sess = s
				p.available = append(p.available[:i], p.available[i+1:]...)
				break
			}
		}
	}
	if sess == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.state = StateExpired
	p.mu.Unlock()

	p.closePage(sess)
	if p.onEvict != nil {
		p.onEvict(sessionID)
	}
	p.logger.Info("Session evicted.", zap.String("session_id", sessionID))
	return nil
}

func (p *Pool) closePage(sess *Session) {
	if sess.page == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.page.Close(closeCtx); err != nil {
		p.logger.Warn("Failed to close session page.",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// CleanupStale evicts idle sessions past MaxIdle or MaxAge, then
// pre-warms the pool back up to MinSessions. Run periodically by the
// engine's health loop.
func (p *Pool) CleanupStale(ctx context.Context) {
	now := p.clock()

	p.mu.Lock()
	var victims []string
	for _, s := range p.available {
		if (p.cfg.MaxIdle > 0 && s.idleTime(now) > p.cfg.MaxIdle) ||
			(p.cfg.MaxAge > 0 && s.age(now) > p.cfg.MaxAge) {
			victims = append(victims, s.ID)
		}
	}
	p.mu.Unlock()

	for _, id := range victims {
		if err := p.Evict(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			p.logger.Warn("Stale session eviction failed.", zap.String("session_id", id), zap.Error(err))
		}
	}

	for {
		p.mu.Lock()
		need := p.cfg.MinSessions - p.sizeLocked()
		closed := p.closed
		p.mu.Unlock()
		if closed || need <= 0 {
			return
		}
		if err := p.prewarm(ctx); err != nil {
			p.logger.Warn("Pre-warm failed.", zap.Error(err))
			return
		}
	}
}

// prewarm creates one idle session without checking it out.
func (p *Pool) prewarm(ctx context.Context) error {
	p.mu.Lock()
	if p.closed || p.sizeLocked() >= p.cfg.MaxSessions {
		p.mu.Unlock()
		return nil
	}
	p.creating++
	p.mu.Unlock()

	page, err := p.browser.NewPage(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %v", schemas.ErrSessionCreateFailed, err)
	}
	if p.closed {
		p.mu.Unlock()
		go func() { _ = page.Close(context.Background()) }()
		return errPoolClosed
	}
	sess := newSession(p.providerID, page, p.clock())
	p.available = append(p.available, sess)
	p.notifyLocked()
	p.mu.Unlock()
	return nil
}

// Close evicts every session and permanently fails future acquisitions.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.available)+len(p.active))
	sessions = append(sessions, p.available...)
	for _, s := range p.active {
		sessions = append(sessions, s)
	}
	p.available = nil
	p.active = make(map[string]*Session)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, s := range sessions {
		s.state = StateExpired
		p.closePage(s)
		if p.onEvict != nil {
			p.onEvict(s.ID)
		}
	}
	p.logger.Info("Session pool closed.", zap.Int("sessions_closed", len(sessions)))
}
