package tame

import (
	"log/slog"
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL sets the tame server base URL.
// If not set, defaults to the TAME_API_URL environment variable or
// http://127.0.0.1:8400.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithAPIKey sets the API key sent as a bearer token.
// If not set, defaults to the TAME_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithSessionID sets the default session for enforcement requests.
// If not set, defaults to the TAME_SESSION_ID environment variable or a
// freshly generated identifier.
func WithSessionID(id string) Option {
	return func(c *Client) {
		c.sessionID = id
	}
}

// WithAgentID sets the default agent identifier for enforcement requests.
// If not set, defaults to the TAME_AGENT_ID environment variable.
func WithAgentID(id string) Option {
	return func(c *Client) {
		c.agentID = id
	}
}

// WithUserID sets the default user identifier for enforcement requests.
// If not set, defaults to the TAME_USER_ID environment variable.
func WithUserID(id string) Option {
	return func(c *Client) {
		c.userID = id
	}
}

// WithTimeout sets the HTTP request timeout.
// If not set, defaults to the TAME_TIMEOUT environment variable or 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRaiseOnDeny controls whether Enforce returns a *DeniedError for deny
// decisions. When false, Enforce returns the decision without error and the
// caller inspects Result.Decision itself. Defaults to true.
func WithRaiseOnDeny(raise bool) Option {
	return func(c *Client) {
		c.raiseOnDeny = raise
	}
}

// WithRaiseOnApprove controls whether Enforce returns an
// *ApprovalRequiredError for approve decisions. Defaults to true.
func WithRaiseOnApprove(raise bool) Option {
	return func(c *Client) {
		c.raiseOnApprove = raise
	}
}

// WithBypassMode makes Enforce return a synthetic allow decision without
// contacting the server. Bypassed calls write no audit entries; use only in
// development. Defaults to the TAME_BYPASS_MODE environment variable.
func WithBypassMode(enabled bool) Option {
	return func(c *Client) {
		c.bypassMode = enabled
	}
}

// WithRetries sets the number of retries after a failed connection attempt.
// Retries back off exponentially. HTTP error responses are never retried.
// Zero disables retrying. Defaults to 2.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithHTTPClient sets a custom http.Client for making requests.
// This is useful for testing, proxying, or custom transport configurations.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger used for retry warnings and bypass notices.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}
