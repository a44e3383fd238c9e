package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkadily/chatgate/api/schemas"
	"github.com/arkadily/chatgate/internal/config"
)

// setupClient rigs up a Client pointed at a mock HTTP server.
func setupClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Log("Warning: Unexpected HTTP request in test.")
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(config.VisionConfig{
		Endpoint:   server.URL,
		APIKey:     "test-key",
		APITimeout: 5 * time.Second,
		RateLimit:  1000, // don't throttle tests
		RateBurst:  1000,
		MaxElapsed: 2 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err, "NewClient initialization failed")
	return client
}

func elementsResponse() detectResponsePayload {
	return detectResponsePayload{
		Elements: []detectedElement{
			{Role: "input", CSS: "#prompt", XPath: `//*[@id="prompt"]`, Confidence: 0.95},
			{Role: "submit", CSS: ".send", Fallbacks: []string{"button[type=submit]"}, Confidence: 0.9},
			{Role: "response", CSS: ".reply", Confidence: 0.85},
		},
	}
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	_, err := NewClient(config.VisionConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestDetectElementsSuccess(t *testing.T) {
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload detectRequestPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.NotEmpty(t, payload.Image)
		assert.ElementsMatch(t, []string{"input", "submit", "response"}, payload.Roles)

		json.NewEncoder(w).Encode(elementsResponse())
	})

	set, err := client.DetectElements(context.Background(), []byte("png"),
		[]schemas.SelectorRole{schemas.RoleInput, schemas.RoleSubmit, schemas.RoleResponse})
	require.NoError(t, err)
	require.Len(t, set, 3)
	assert.Equal(t, "#prompt", set[schemas.RoleInput].CSS)
	assert.Equal(t, `//*[@id="prompt"]`, set[schemas.RoleInput].XPath)
	assert.Equal(t, []string{"button[type=submit]"}, set[schemas.RoleSubmit].Fallbacks)
}

func TestDetectElementsRetriesTransientErrors(t *testing.T) {
	var calls int32
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(elementsResponse())
	})

	set, err := client.DetectElements(context.Background(), []byte("png"),
		[]schemas.SelectorRole{schemas.RoleInput})
	require.NoError(t, err)
	assert.Len(t, set, 3)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDetectElementsClientErrorIsPermanent(t *testing.T) {
	var calls int32
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.DetectElements(context.Background(), []byte("png"),
		[]schemas.SelectorRole{schemas.RoleInput})
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestDetectElementsKeepsHighestConfidencePerRole(t *testing.T) {
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(detectResponsePayload{
			Elements: []detectedElement{
				{Role: "input", CSS: "#weak", Confidence: 0.3},
				{Role: "input", CSS: "#strong", Confidence: 0.9},
				{Role: "decoration", CSS: ".logo", Confidence: 0.99},
				{Role: "submit", CSS: "", Confidence: 0.99}, // unusable, no locator
			},
		})
	})

	set, err := client.DetectElements(context.Background(), []byte("png"),
		[]schemas.SelectorRole{schemas.RoleInput, schemas.RoleSubmit})
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, "#strong", set[schemas.RoleInput].CSS)
}

func TestDetectElementsEmptyScreenshot(t *testing.T) {
	client := setupClient(t, nil)
	_, err := client.DetectElements(context.Background(), nil, []schemas.SelectorRole{schemas.RoleInput})
	assert.Error(t, err)
}
