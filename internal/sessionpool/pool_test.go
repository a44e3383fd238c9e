package sessionpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkadily/chatgate/api/schemas"
	"github.com/arkadily/chatgate/internal/config"
	"github.com/arkadily/chatgate/internal/fallback"
)

// fakePage is a scriptable schemas.Page for pool tests.
type fakePage struct {
	id       int
	resetErr error
	closed   atomic.Bool
	resets   atomic.Int32
	events   chan schemas.NetworkEvent
}

func (f *fakePage) Goto(ctx context.Context, url string) error { return nil }
func (f *fakePage) QuerySelector(ctx context.Context, sel string) (bool, error) {
	return true, nil
}
func (f *fakePage) Evaluate(ctx context.Context, expr string, out any) error { return nil }
func (f *fakePage) Screenshot(ctx context.Context) ([]byte, error)           { return []byte{0x89}, nil }
func (f *fakePage) NetworkEvents() <-chan schemas.NetworkEvent               { return f.events }
func (f *fakePage) Reset(ctx context.Context) error {
	f.resets.Add(1)
	return f.resetErr
}
func (f *fakePage) Close(ctx context.Context) error {
	f.closed.Store(true)
	return nil
}

// fakeBrowser hands out fakePages and can be made to fail.
type fakeBrowser struct {
	mu      sync.Mutex
	pages   []*fakePage
	created atomic.Int32
	failNew error
}

func (f *fakeBrowser) NewPage(ctx context.Context) (schemas.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew != nil {
		return nil, f.failNew
	}
	p := &fakePage{id: int(f.created.Add(1)), events: make(chan schemas.NetworkEvent)}
	f.pages = append(f.pages, p)
	return p, nil
}

func (f *fakeBrowser) Close(ctx context.Context) error { return nil }

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MaxSessions:     3,
		AcquireWait:     200 * time.Millisecond,
		MaxIdle:         10 * time.Minute,
		MaxAge:          time.Hour,
		CleanupInterval: time.Minute,
		RetryAfterHint:  5 * time.Second,
	}
}

func newTestPool(t *testing.T, cfg config.PoolConfig) (*Pool, *fakeBrowser) {
	t.Helper()
	browser := &fakeBrowser{}
	exec := fallback.NewExecutor(config.FallbackConfig{
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}, zap.NewNop())
	pool := NewPool("prov-1", cfg, browser, exec, zap.NewNop())
	t.Cleanup(func() { pool.Close(context.Background()) })
	return pool, browser
}

func TestAcquireCreatesWhenEmpty(t *testing.T) {
	pool, browser := newTestPool(t, testPoolConfig())

	sess, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "prov-1", sess.ProviderID)
	assert.Equal(t, int32(1), browser.created.Load())

	idle, active, total := pool.Stats()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, total)
}

func TestAcquireThenReleaseLeavesPoolSizeUnchanged(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig())
	ctx := context.Background()

	sess, err := pool.Acquire(ctx)
	require.NoError(t, err)
	_, _, before := pool.Stats()

	require.NoError(t, pool.Release(ctx, sess.ID))

	idle, active, after := pool.Stats()
	assert.Equal(t, before, after)
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, active)
	assert.Equal(t, StateIdle, sess.state)
}

func TestAcquireReusesReleasedSession(t *testing.T) {
	pool, browser := newTestPool(t, testPoolConfig())
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, first.ID))

	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), browser.created.Load(), "no new page for a warm pool")
}

func TestConcurrentAcquireBlocksUntilRelease(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxSessions = 1
	cfg.AcquireWait = 2 * time.Second
	pool, _ := newTestPool(t, cfg)
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan *Session, 1)
	errCh := make(chan error, 1)
	go func() {
		s, err := pool.Acquire(ctx)
		if err != nil {
			errCh <- err
			return
		}
		acquired <- s
	}()

	// The second acquire must be parked on the wait level, not failed.
	select {
	case s := <-acquired:
		t.Fatalf("second acquire returned %s before release", s.ID)
	case err := <-errCh:
		t.Fatalf("second acquire failed early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, pool.Release(ctx, first.ID))

	select {
	case s := <-acquired:
		assert.Equal(t, first.ID, s.ID, "released slot is reused")
	case err := <-errCh:
		t.Fatalf("second acquire failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never woke up")
	}

	_, _, total := pool.Stats()
	assert.Equal(t, 1, total, "pool size unchanged")
}

func TestDropWaiterHandsOffWakeToken(t *testing.T) {
	// A waiter that cancels right after being woken must pass its token
	// to the next waiter instead of stranding the released session.
	pool, _ := newTestPool(t, testPoolConfig())

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	pool.mu.Lock()
	pool.waiters = append(pool.waiters, first, second)
	pool.notifyLocked() // token lands in the first waiter
	pool.mu.Unlock()

	pool.dropWaiter(first) // cancelled before consuming it

	select {
	case <-second:
	default:
		t.Fatal("wake token was dropped instead of handed to the next waiter")
	}
	pool.mu.Lock()
	assert.Empty(t, pool.waiters)
	pool.mu.Unlock()
}

func TestPoolSizeInvariantUnderConcurrency(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxSessions = 3
	cfg.AcquireWait = 50 * time.Millisecond
	pool, _ := newTestPool(t, cfg)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Hammer acquire/release from several goroutines while sampling the
	// invariant.
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
				sess, err := pool.Acquire(ctx)
				if err == nil {
					time.Sleep(time.Millisecond)
					_ = pool.Release(context.Background(), sess.ID)
				}
				cancel()
			}
		}()
	}

	deadline := time.After(250 * time.Millisecond)
	for done := false; !done; {
		select {
		case <-deadline:
			done = true
		default:
			_, _, total := pool.Stats()
			require.LessOrEqual(t, total, cfg.MaxSessions, "len(active)+len(available) must never exceed maxSessions")
			time.Sleep(time.Millisecond)
		}
	}
	close(stop)
	wg.Wait()
}

func TestAcquireRecyclesAfterWaitTimeout(t *testing.T) {
	// One session at capacity and never released: the wait level times
	// out, create is at capacity, so the pool force-replaces the oldest.
	cfg := testPoolConfig()
	cfg.MaxSessions = 1
	cfg.AcquireWait = 30 * time.Millisecond
	pool, browser := newTestPool(t, cfg)
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)

	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "replacement is a fresh session")
	assert.Equal(t, int32(2), browser.created.Load())

	firstPage := first.page.(*fakePage)
	assert.True(t, firstPage.closed.Load(), "the hijacked session's page must be closed")

	_, _, total := pool.Stats()
	assert.Equal(t, 1, total)
}

func TestAcquireFailsWithPoolExhausted(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxSessions = 1
	cfg.AcquireWait = 20 * time.Millisecond
	pool, browser := newTestPool(t, cfg)
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	_ = first

	// Break session creation so the replacement level fails too.
	browser.mu.Lock()
	browser.failNew = errors.New("browser out of memory")
	browser.mu.Unlock()

	_, err = pool.Acquire(ctx)
	require.Error(t, err)

	var exhausted *schemas.PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "prov-1", exhausted.ProviderID)
	assert.Equal(t, 5*time.Second, exhausted.RetryAfter)
	assert.ErrorIs(t, err, schemas.ErrSessionCreateFailed)
}

func TestRecycleResetFailureEvicts(t *testing.T) {
	pool, browser := newTestPool(t, testPoolConfig())
	ctx := context.Background()

	sess, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, sess.ID))

	page := browser.pages[0]
	page.resetErr = errors.New("tab crashed")

	_, err = pool.recycleLongestIdle(ctx)
	require.Error(t, err)
	assert.True(t, page.closed.Load())

	_, _, total := pool.Stats()
	assert.Equal(t, 0, total, "broken session removed from accounting")
}

func TestCleanupStaleEvictsAndPrewarms(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinSessions = 1
	cfg.MaxIdle = time.Minute
	pool, browser := newTestPool(t, cfg)
	ctx := context.Background()

	sess, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, sess.ID))

	// Age the idle session past MaxIdle.
	now := time.Now()
	pool.clock = func() time.Time { return now.Add(2 * time.Minute) }

	pool.CleanupStale(ctx)

	assert.True(t, browser.pages[0].closed.Load(), "stale session evicted")
	idle, _, total := pool.Stats()
	assert.Equal(t, 1, idle, "pre-warmed back to min_sessions")
	assert.Equal(t, 1, total)
	assert.Equal(t, int32(2), browser.created.Load())
}

func TestReleaseUnknownSession(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig())
	err := pool.Release(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAcquireOnCancelledContext(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxSessions = 1
	pool, _ := newTestPool(t, cfg)
	ctx := context.Background()

	_, err := pool.Acquire(ctx)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = pool.Acquire(cancelled)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	var exhausted *schemas.PoolExhaustedError
	assert.False(t, errors.As(err, &exhausted), "cancellation is not an exhaustion")
}
