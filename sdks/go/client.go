package tame

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const retryBaseDelay = 200 * time.Millisecond

// Client talks to the tame enforcement API. It is safe for concurrent use.
type Client struct {
	baseURL        string
	apiKey         string
	sessionID      string
	agentID        string
	userID         string
	timeout        time.Duration
	raiseOnDeny    bool
	raiseOnApprove bool
	bypassMode     bool
	maxRetries     int
	retryDelay     time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
}

// NewClient creates a new tame SDK client.
// It reads configuration from TAME_* environment variables by default.
// Options can be used to override the defaults. When no session is
// configured, a fresh session identifier is generated so every client
// starts its own audit trail.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:        envOrDefault("TAME_API_URL", "http://127.0.0.1:8400"),
		apiKey:         os.Getenv("TAME_API_KEY"),
		sessionID:      os.Getenv("TAME_SESSION_ID"),
		agentID:        os.Getenv("TAME_AGENT_ID"),
		userID:         os.Getenv("TAME_USER_ID"),
		timeout:        parseDurationEnv("TAME_TIMEOUT", 30*time.Second),
		raiseOnDeny:    parseBoolEnv("TAME_RAISE_ON_DENY", true),
		raiseOnApprove: parseBoolEnv("TAME_RAISE_ON_APPROVE", true),
		bypassMode:     parseBoolEnv("TAME_BYPASS_MODE", false),
		maxRetries:     2,
		retryDelay:     retryBaseDelay,
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.sessionID == "" {
		c.sessionID = newSessionID()
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// SessionID returns the session identifier enforcement requests default to.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Enforce submits one tool call for a decision and returns the result.
// The decision is appended to the session's audit trail regardless of
// verdict. When the client raises on deny or approve (the default), those
// decisions come back as *DeniedError and *ApprovalRequiredError; the full
// result stays available on the error.
func (c *Client) Enforce(ctx context.Context, req EnforceRequest) (*EnforceResult, error) {
	if req.ToolName == "" {
		return nil, fmt.Errorf("tool_name is required")
	}

	// Fill defaults from client configuration.
	if req.SessionID == "" {
		req.SessionID = c.sessionID
	}
	if req.AgentID == "" {
		req.AgentID = c.agentID
	}
	if req.UserID == "" {
		req.UserID = c.userID
	}

	if c.bypassMode {
		c.logger.Warn("bypass mode enabled, skipping enforcement", "tool", req.ToolName)
		return &EnforceResult{
			SessionID:     req.SessionID,
			Decision:      DecisionAllow,
			RuleName:      "bypass_mode",
			Reason:        "enforcement bypassed by client",
			PolicyVersion: "bypass",
			Timestamp:     time.Now().UTC(),
		}, nil
	}

	var res EnforceResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/enforce", nil, req, &res); err != nil {
		return nil, err
	}

	switch res.Decision {
	case DecisionDeny:
		if c.raiseOnDeny {
			return nil, &DeniedError{Result: &res}
		}
	case DecisionApprove:
		if c.raiseOnApprove {
			return nil, &ApprovalRequiredError{Result: &res}
		}
	}
	return &res, nil
}

// Check is a convenience method that enforces a tool call and returns a
// boolean. It returns true only for allow decisions; deny and approve
// return false without an error. The call is still recorded server-side.
func (c *Client) Check(ctx context.Context, req EnforceRequest) (bool, error) {
	res, err := c.Enforce(ctx, req)
	if err != nil {
		if errors.Is(err, ErrDenied) || errors.Is(err, ErrApprovalRequired) {
			return false, nil
		}
		return false, err
	}
	return res.Allowed(), nil
}

// UpdateResult seals the outcome of a previously decided tool call. The
// server accepts exactly one seal per log entry; a second call returns an
// *APIError with kind CONFLICT. An empty sessionID uses the client default.
func (c *Client) UpdateResult(ctx context.Context, sessionID string, logID int64, out Outcome) (*ResultAck, error) {
	if sessionID == "" {
		sessionID = c.sessionID
	}
	if logID <= 0 {
		return nil, fmt.Errorf("log_id must be positive")
	}

	q := url.Values{}
	q.Set("log_id", strconv.FormatInt(logID, 10))

	var ack ResultAck
	path := "/api/v1/enforce/" + url.PathEscape(sessionID) + "/result"
	if err := c.do(ctx, http.MethodPost, path, q, out, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// PolicyCurrent returns the active policy version and its rules.
func (c *Client) PolicyCurrent(ctx context.Context) (*PolicyInfo, error) {
	var info PolicyInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/policy/current", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PolicyTest evaluates a tool call against the active policy without
// recording anything. Deny and approve outcomes are returned in the result,
// never as errors.
func (c *Client) PolicyTest(ctx context.Context, toolName string, toolArgs, sessionContext map[string]any) (*TestResult, error) {
	if toolName == "" {
		return nil, fmt.Errorf("tool_name is required")
	}

	q := url.Values{}
	q.Set("tool_name", toolName)
	if len(toolArgs) > 0 {
		b, err := json.Marshal(toolArgs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool_args: %w", err)
		}
		q.Set("tool_args", string(b))
	}
	if len(sessionContext) > 0 {
		b, err := json.Marshal(sessionContext)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session_context: %w", err)
		}
		q.Set("session_context", string(b))
	}

	var res TestResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/policy/test", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PolicyValidate checks whether a policy document is well formed without
// storing it. Validation problems come back in the result, not as errors.
func (c *Client) PolicyValidate(ctx context.Context, policyContent string) (*ValidateResult, error) {
	body := struct {
		PolicyContent string `json:"policy_content"`
	}{PolicyContent: policyContent}

	var res ValidateResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/policy/validate", nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PolicyReload asks the server to re-read its configured policy file. The
// result reports whether anything changed.
func (c *Client) PolicyReload(ctx context.Context) (*ReloadResult, error) {
	var res ReloadResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/policy/reload", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Status returns the server's health report. A degraded server responds
// with 503 but still produces a report, so that case is not an error here.
func (c *Client) Status(ctx context.Context) (*Health, error) {
	resp, err := c.send(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, errorFromResponse(resp)
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &h, nil
}

// do sends the request and decodes a 2xx response into result. Non-2xx
// responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorFromResponse(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// send issues the HTTP request, retrying connection failures with
// exponential backoff. Responses with error statuses are returned to the
// caller, never retried: the server answered.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = b
	}

	u := strings.TrimRight(c.baseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	delay := c.retryDelay
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("User-Agent", userAgent())
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt < c.maxRetries {
			c.logger.Warn("request failed, retrying",
				"method", method,
				"path", path,
				"attempt", attempt+1,
				"error", err,
			)
		}
	}
	return nil, &UnreachableError{Cause: lastErr}
}

// errorFromResponse converts a non-2xx response into an *APIError. The
// server's JSON error envelope is preferred; anything else falls back to
// the raw body.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var envelope struct {
		Error struct {
			Kind    string         `json:"kind"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Kind != "" {
		apiErr.Kind = envelope.Error.Kind
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	} else {
		apiErr.Kind = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func userAgent() string {
	return fmt.Sprintf("tame-sdk-go/%s %s", Version, runtime.Version())
}

// newSessionID generates a random version 4 UUID string.
func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// Helper functions for env var parsing.

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Try parsing as seconds (integer) first, then as a duration string.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func parseBoolEnv(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return defaultVal
}
