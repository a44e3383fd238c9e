package captcha

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

func setupSolver(t *testing.T, handler http.HandlerFunc) *Solver {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	solver, err := NewSolver(config.CaptchaConfig{
		Endpoint:     server.URL,
		APIKey:       "test-key",
		PollInterval: 10 * time.Millisecond,
		SolveTimeout: 2 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return solver
}

func TestSolveSubmitAndPoll(t *testing.T) {
	var polls int32
	solver := setupSolver(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createTask":
			var req createTaskRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "test-key", req.ClientKey)
			assert.Equal(t, "recaptcha_v2", req.Task.Type)
			assert.Equal(t, "site-key-123", req.Task.WebsiteKey)
			json.NewEncoder(w).Encode(createTaskResponse{TaskID: 42})
		case "/getTaskResult":
			resp := taskResultResponse{Status: "processing"}
			if atomic.AddInt32(&polls, 1) >= 3 {
				resp.Status = "ready"
				resp.Solution.Token = "solved-token"
			}
			json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	token, err := solver.Solve(context.Background(), schemas.CaptchaInfo{
		Type:    "recaptcha_v2",
		SiteKey: "site-key-123",
	}, "https://chat.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "solved-token", token)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(3))
}

func TestSolveServiceRejectsTask(t *testing.T) {
	solver := setupSolver(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(createTaskResponse{ErrorID: 1, ErrorDescription: "invalid key"})
	})

	_, err := solver.Solve(context.Background(), schemas.CaptchaInfo{Type: "turnstile"}, "https://chat.example.com/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key")
}

func TestSolveTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/createTask" {
			json.NewEncoder(w).Encode(createTaskResponse{TaskID: 7})
			return
		}
		json.NewEncoder(w).Encode(taskResultResponse{Status: "processing"})
	}))
	defer server.Close()

	solver, err := NewSolver(config.CaptchaConfig{
		Endpoint:     server.URL,
		APIKey:       "test-key",
		PollInterval: 10 * time.Millisecond,
		SolveTimeout: 80 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = solver.Solve(context.Background(), schemas.CaptchaInfo{Type: "hcaptcha"}, "https://chat.example.com/")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewSolverValidation(t *testing.T) {
	_, err := NewSolver(config.CaptchaConfig{APIKey: "k"}, zap.NewNop())
	assert.Error(t, err, "endpoint is required")

	_, err = NewSolver(config.CaptchaConfig{Endpoint: "http://solver"}, zap.NewNop())
	assert.Error(t, err, "api key is required")
}
