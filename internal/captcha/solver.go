// internal/captcha/solver.go
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arkadily/chatgate/api/schemas"
	"github.com/arkadily/chatgate/internal/config"
)

// Solver implements schemas.CaptchaSolver against a task-based solving
// service: submit the challenge, then poll until a worker produces a
// token or the solve budget runs out.
type Solver struct {
	apiKey       string
	endpoint     string
	httpClient   *http.Client
	pollInterval time.Duration
	solveTimeout time.Duration
	logger       *zap.Logger
}

type createTaskRequest struct {
	ClientKey string      `json:"clientKey"`
	Task      captchaTask `json:"task"`
}

type captchaTask struct {
	Type       string `json:"type"`
	WebsiteURL string `json:"websiteURL"`
	WebsiteKey string `json:"websiteKey"`
}

type createTaskResponse struct {
	TaskID           int64  `json:"taskId"`
	ErrorID          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    int64  `json:"taskId"`
}

type taskResultResponse struct {
	Status           string `json:"status"` // "processing" or "ready"
	ErrorID          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
	Solution         struct {
		Token string `json:"token"`
	} `json:"solution"`
}

// NewSolver initializes the client.
func NewSolver(cfg config.CaptchaConfig, logger *zap.Logger) (*Solver, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("captcha endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("captcha API key is required")
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	solveTimeout := cfg.SolveTimeout
	if solveTimeout <= 0 {
		solveTimeout = 2 * time.Minute
	}

	return &Solver{
		apiKey:       cfg.APIKey,
		endpoint:     cfg.Endpoint,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: pollInterval,
		solveTimeout: solveTimeout,
		logger:       logger.Named("captcha_solver"),
	}, nil
}

// Solve submits the challenge and polls for the solution token.
func (s *Solver) Solve(ctx context.Context, info schemas.CaptchaInfo, pageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.solveTimeout)
	defer cancel()

	taskID, err := s.createTask(ctx, info, pageURL)
	if err != nil {
		return "", err
	}
	s.logger.Info("CAPTCHA task submitted",
		zap.Int64("task_id", taskID),
		zap.String("type", info.Type))

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("captcha solve timed out: %w", ctx.Err())
		case <-ticker.C:
		}

		token, ready, err := s.pollResult(ctx, taskID)
		if err != nil {
			return "", err
		}
		if ready {
			s.logger.Info("CAPTCHA solved", zap.Int64("task_id", taskID))
			return token, nil
		}
	}
}

func (s *Solver) createTask(ctx context.Context, info schemas.CaptchaInfo, pageURL string) (int64, error) {
	var resp createTaskResponse
	err := s.post(ctx, "/createTask", createTaskRequest{
		ClientKey: s.apiKey,
		Task: captchaTask{
			Type:       info.Type,
			WebsiteURL: pageURL,
			WebsiteKey: info.SiteKey,
		},
	}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.ErrorID != 0 {
		return 0, fmt.Errorf("captcha service rejected the task: %s", resp.ErrorDescription)
	}
	return resp.TaskID, nil
}

func (s *Solver) pollResult(ctx context.Context, taskID int64) (string, bool, error) {
	var resp taskResultResponse
	err := s.post(ctx, "/getTaskResult", taskResultRequest{
		ClientKey: s.apiKey,
		TaskID:    taskID,
	}, &resp)
	if err != nil {
		return "", false, err
	}
	if resp.ErrorID != 0 {
		return "", false, fmt.Errorf("captcha task failed: %s", resp.ErrorDescription)
	}
	if resp.Status != "ready" {
		return "", false, nil
	}
	if resp.Solution.Token == "" {
		return "", false, fmt.Errorf("captcha service reported ready with an empty token")
	}
	return resp.Solution.Token, true, nil
}

func (s *Solver) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("captcha API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response payload: %w", err)
	}
	return nil
}
