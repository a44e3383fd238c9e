// internal/engine/engine_test.go
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/arkadily/chatgate/api/schemas"
	"github.com/arkadily/chatgate/internal/config"
)

type fakePage struct {
	mu        sync.Mutex
	events    chan schemas.NetworkEvent
	selectors map[string]bool
}

func newFakePage() *fakePage {
	return &fakePage{
		events:    make(chan schemas.NetworkEvent, 64),
		selectors: map[string]bool{"#prompt": true, ".send": true, ".reply": true},
	}
}

func (p *fakePage) Goto(ctx context.Context, url string) error { return nil }
func (p *fakePage) QuerySelector(ctx context.Context, sel string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectors[sel], nil
}
func (p *fakePage) Evaluate(ctx context.Context, expr string, out any) error {
	if s, ok := out.(*string); ok {
		*s = ""
	}
	return nil
}
func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) { return []byte("png"), nil }
func (p *fakePage) NetworkEvents() <-chan schemas.NetworkEvent     { return p.events }
func (p *fakePage) Reset(ctx context.Context) error                { return nil }
func (p *fakePage) Close(ctx context.Context) error                { return nil }

type fakeBrowser struct {
	page *fakePage
}

func (b *fakeBrowser) NewPage(ctx context.Context) (schemas.Page, error) { return b.page, nil }
func (b *fakeBrowser) Close(ctx context.Context) error                   { return nil }

type fakeVision struct {
	calls int32
}

func (v *fakeVision) DetectElements(ctx context.Context, shot []byte, roles []schemas.SelectorRole) (schemas.SelectorSet, error) {
	atomic.AddInt32(&v.calls, 1)
	return schemas.SelectorSet{
		schemas.RoleInput:    {Role: schemas.RoleInput, CSS: "#prompt"},
		schemas.RoleSubmit:   {Role: schemas.RoleSubmit, CSS: ".send"},
		schemas.RoleResponse: {Role: schemas.RoleResponse, CSS: ".reply"},
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Pool: config.PoolConfig{
			MaxSessions:    2,
			AcquireWait:    time.Second,
			MaxIdle:        time.Hour,
			MaxAge:         time.Hour,
			RetryAfterHint: time.Second,
		},
		Cache: config.CacheConfig{TTL: time.Hour, InvalidateThreshold: 2},
		Detector: config.DetectorConfig{
			DetectWindow: 100 * time.Millisecond,
			ReadTimeout:  200 * time.Millisecond,
			QuietPeriod:  30 * time.Millisecond,
		},
		Discovery: config.DiscoveryConfig{FailureLimit: 5, WaitTimeout: 5 * time.Second},
		Fallback:  config.FallbackConfig{BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond},
		Providers: []config.ProviderSeed{
			{ID: "zai", URL: "https://chat.example.com/", Name: "Example Chat"},
		},
	}
}

func newTestEngine(t *testing.T, page *fakePage, v *fakeVision) *Engine {
	t.Helper()
	eng, err := New(context.Background(), testConfig(), zap.NewNop(),
		WithBrowser(&fakeBrowser{page: page}),
		WithVision(v),
	)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close(context.Background()) })
	return eng
}

func TestResolveSelectorsDiscoversOnMissThenServesFromCache(t *testing.T) {
	vision := &fakeVision{}
	eng := newTestEngine(t, newFakePage(), vision)
	ctx := context.Background()

	entry, err := eng.ResolveSelectors(ctx, "zai")
	require.NoError(t, err)
	assert.Equal(t, "#prompt", entry.Selectors[schemas.RoleInput].CSS)
	assert.EqualValues(t, 1, atomic.LoadInt32(&vision.calls))

	again, err := eng.ResolveSelectors(ctx, "zai")
	require.NoError(t, err)
	assert.Equal(t, entry.Selectors[schemas.RoleInput].CSS, again.Selectors[schemas.RoleInput].CSS)
	assert.EqualValues(t, 1, atomic.LoadInt32(&vision.calls), "cache hit must not re-run discovery")
}

func TestReadResponseDetectsAndCachesStreamMethod(t *testing.T) {
	page := newFakePage()
	eng := newTestEngine(t, page, &fakeVision{})
	ctx := context.Background()

	_, err := eng.ResolveSelectors(ctx, "zai")
	require.NoError(t, err)

	sess, err := eng.AcquireSession(ctx, "zai")
	require.NoError(t, err)
	defer eng.ReleaseSession(ctx, sess.ID)

	// The detection window sees an event-stream response, then the read
	// drains the deltas.
	page.events <- schemas.NetworkEvent{
		Kind:        schemas.EventResponse,
		URL:         "https://chat.example.com/api/stream",
		ContentType: "text/event-stream",
	}
	page.events <- schemas.NetworkEvent{Kind: schemas.EventEventSourceMessage, Data: `{"content":"Hello"}`}
	page.events <- schemas.NetworkEvent{Kind: schemas.EventEventSourceMessage, Data: "[DONE]"}

	res, err := eng.ReadResponse(ctx, "zai", sess, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, schemas.StreamSSE, res.Method)

	p, _ := eng.Provider("zai")
	assert.Equal(t, schemas.StreamSSE, p.StreamMethod, "detected method is cached on the provider")
	assert.Zero(t, p.FailureCount)
}

func TestValidationFailureStreakTriggersRediscovery(t *testing.T) {
	vision := &fakeVision{}
	eng := newTestEngine(t, newFakePage(), vision)
	ctx := context.Background()

	_, err := eng.ResolveSelectors(ctx, "zai")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&vision.calls))

	eng.RecordValidation(ctx, "zai", schemas.RoleInput, false)
	eng.RecordValidation(ctx, "zai", schemas.RoleInput, false)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&vision.calls) >= 2 && !eng.cache.ShouldInvalidate("chat.example.com")
	}, 3*time.Second, 10*time.Millisecond,
		"crossing the failure threshold must rediscover and reset the streak")
}

func TestRediscoveryRunsWithUnsetWaitTimeout(t *testing.T) {
	// A zero discovery wait timeout must fall back to a sane default, not
	// hand the background rediscovery an already-expired context. The run
	// itself is detached, so the symptom of a bad deadline is a spurious
	// failure warning rather than a missing vision call.
	cfg := testConfig()
	cfg.Discovery.WaitTimeout = 0
	core, logs := observer.New(zap.WarnLevel)
	vision := &fakeVision{}
	eng, err := New(context.Background(), cfg, zap.New(core),
		WithBrowser(&fakeBrowser{page: newFakePage()}),
		WithVision(vision),
	)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close(context.Background()) })
	ctx := context.Background()

	_, err = eng.ResolveSelectors(ctx, "zai")
	require.NoError(t, err)

	eng.RecordValidation(ctx, "zai", schemas.RoleInput, false)
	eng.RecordValidation(ctx, "zai", schemas.RoleInput, false)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&vision.calls) >= 2 && !eng.cache.ShouldInvalidate("chat.example.com")
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, logs.FilterMessage("Background rediscovery failed.").Len(),
		"rediscovery with a defaulted timeout must not report failure")
}

func TestAcquireSessionRejectsDisabledProvider(t *testing.T) {
	eng := newTestEngine(t, newFakePage(), &fakeVision{})
	ctx := context.Background()

	eng.DisableProvider(ctx, "zai")

	_, err := eng.AcquireSession(ctx, "zai")
	assert.ErrorIs(t, err, schemas.ErrProviderDisabled)
}

func TestSessionRoundTrip(t *testing.T) {
	eng := newTestEngine(t, newFakePage(), &fakeVision{})
	ctx := context.Background()

	sess, err := eng.AcquireSession(ctx, "zai")
	require.NoError(t, err)
	require.NoError(t, eng.ReleaseSession(ctx, sess.ID))

	again, err := eng.AcquireSession(ctx, "zai")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID, "released session is reused")
	require.NoError(t, eng.EvictSession(ctx, again.ID))
}

func TestResolveSelectorsUnknownProvider(t *testing.T) {
	eng := newTestEngine(t, newFakePage(), &fakeVision{})
	_, err := eng.ResolveSelectors(context.Background(), "nobody")
	assert.ErrorIs(t, err, schemas.ErrDiscoveryFailed)
}
