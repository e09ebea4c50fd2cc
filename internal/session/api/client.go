// Package api provides a client for the agent session REST backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/kibble/kibble/internal/common/config"
	"github.com/kibble/kibble/internal/common/logger"
	"github.com/kibble/kibble/internal/common/tracing"
	"github.com/kibble/kibble/internal/session/models"
)

// ErrNotFound matches any *Error carrying a 404.
var ErrNotFound = errors.New("not found")

// Error is a non-2xx response from the backend.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Is reports 404 responses as ErrNotFound.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// CreateSessionResponse is returned when a session is started or resumed.
type CreateSessionResponse struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	WebSocketURL string `json:"websocket_url"`
	Message      string `json:"message"`
}

// HealthResponse is the backend health payload.
type HealthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

// Client talks to the session backend. The GitHub token is sent with every
// request that needs it.
type Client struct {
	baseURL     string
	githubToken string
	httpClient  *http.Client
	logger      *logger.Logger
}

// NewClient creates a new session API client
func NewClient(cfg config.APIConfig, log *logger.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		githubToken: cfg.GitHubToken,
		httpClient:  &http.Client{Timeout: cfg.Timeout()},
		logger:      log.WithComponent("session-api"),
	}
}

// CreateSession starts a new agent session on a repository.
func (c *Client) CreateSession(ctx context.Context, repoURL, envFile string) (*CreateSessionResponse, error) {
	body := map[string]string{"repo_url": repoURL, "github_token": c.githubToken}
	if envFile != "" {
		body["env_file"] = envFile
	}
	var out CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions returns the sessions visible to the token.
func (c *Client) ListSessions(ctx context.Context) ([]models.Session, error) {
	var out struct {
		Sessions []models.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions", c.tokenParams(), nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// GetSession returns one session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var out models.Session
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID), c.tokenParams(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessages returns the messages after since, or the whole transcript
// when since is empty.
func (c *Client) GetMessages(ctx context.Context, sessionID, since string) ([]models.ChatMessage, error) {
	params := c.tokenParams()
	if since != "" {
		params.Set("since", since)
	}
	var out struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID)+"/messages", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage posts a chat message over REST, used while the live
// transport is down.
func (c *Client) SendMessage(ctx context.Context, sessionID, message string) error {
	body := map[string]string{"message": message, "github_token": c.githubToken}
	return c.do(ctx, http.MethodPost, sessionPath(sessionID)+"/message", nil, body, nil)
}

// ContinueSession resumes a stopped session, optionally with a new message.
func (c *Client) ContinueSession(ctx context.Context, sessionID, message, envFile string) (*CreateSessionResponse, error) {
	body := map[string]string{"github_token": c.githubToken}
	if message != "" {
		body["message"] = message
	}
	if envFile != "" {
		body["env_file"] = envFile
	}
	var out CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID)+"/continue", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession stops the agent but keeps the session record.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(sessionID), c.tokenParams(), nil, nil)
}

// DeleteSession stops the agent and removes the session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	params := c.tokenParams()
	params.Set("delete", "true")
	return c.do(ctx, http.MethodDelete, sessionPath(sessionID), params, nil, nil)
}

// SubmitAnswer answers an agent question.
func (c *Client) SubmitAnswer(ctx context.Context, sessionID, questionID string, answers []string, customAnswer string) error {
	if answers == nil {
		answers = []string{}
	}
	body := struct {
		QuestionID   string   `json:"question_id"`
		Answers      []string `json:"answers"`
		CustomAnswer string   `json:"custom_answer,omitempty"`
	}{questionID, answers, customAnswer}
	return c.do(ctx, http.MethodPost, sessionPath(sessionID)+"/answer", c.optionalTokenParams(), body, nil)
}

// ApprovePlan approves a pending plan.
func (c *Client) ApprovePlan(ctx context.Context, sessionID, planID string) error {
	path := sessionPath(sessionID) + "/plan/" + url.PathEscape(planID) + "/approve"
	return c.do(ctx, http.MethodPost, path, c.optionalTokenParams(), nil, nil)
}

// RejectPlan rejects a pending plan with feedback for the agent.
func (c *Client) RejectPlan(ctx context.Context, sessionID, planID, feedback string) error {
	path := sessionPath(sessionID) + "/plan/" + url.PathEscape(planID) + "/reject"
	body := map[string]string{"feedback": feedback}
	return c.do(ctx, http.MethodPost, path, c.optionalTokenParams(), body, nil)
}

// Health checks the backend.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func sessionPath(sessionID string) string {
	return "/sessions/" + url.PathEscape(sessionID)
}

func (c *Client) tokenParams() url.Values {
	params := url.Values{}
	if c.githubToken != "" {
		params.Set("github_token", c.githubToken)
	}
	return params
}

func (c *Client) optionalTokenParams() url.Values {
	if c.githubToken == "" {
		return nil
	}
	return c.tokenParams()
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, span := tracing.TraceHTTPRequest(ctx, method, path)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		tracing.TraceHTTPResponse(span, 0, err)
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		tracing.TraceHTTPResponse(span, 0, err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	tracing.TraceHTTPResponse(span, resp.StatusCode, nil)

	respBody, err := readResponseBody(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, respBody)}
		c.logger.Debug("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncateBody(respBody)))
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response (status %d, body: %s): %w", resp.StatusCode, truncateBody(respBody), err)
	}
	return nil
}

// errorMessage extracts detail, message or error from a JSON error body,
// falling back to the raw text.
func errorMessage(status int, body []byte) string {
	var payload struct {
		Detail  interface{} `json:"detail"`
		Message string      `json:"message"`
		Error   string      `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if s, ok := payload.Detail.(string); ok && s != "" {
			return s
		}
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return truncateBody([]byte(text))
	}
	return fmt.Sprintf("API Error: %d", status)
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// truncateBody truncates body for error messages to avoid huge logs
func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
