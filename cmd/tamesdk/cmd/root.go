// Package cmd provides the CLI commands for tamesdk.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	tame "github.com/tame-ai/sdk-go"
)

// Process exit codes. Scripts branch on these, so they are part of the
// CLI's contract.
const (
	exitAllow   = 0
	exitError   = 1
	exitDeny    = 2
	exitApprove = 3
)

var (
	apiURL    string
	apiKey    string
	sessionID string
	agentID   string
	userID    string
	timeout   time.Duration
	bypass    bool
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "tamesdk",
	Short: "tamesdk - Command-line client for the tame enforcement server",
	Long: `tamesdk is the command-line client for a tame enforcement server. It
evaluates tool calls against the active policy, records enforcement
decisions on sessions, and can wrap a command so execution happens only
when the policy allows it.

Quick start:
  # Dry-run a tool call against the active policy
  tamesdk test read_file --args '{"path": "/etc/hosts"}'

  # Enforce for real, running a command only when allowed
  tamesdk enforce --tool run_backup -- ./backup.sh --full

Configuration (flags override environment):
  TAME_API_URL      server base URL (default http://127.0.0.1:8400)
  TAME_API_KEY      bearer API key
  TAME_SESSION_ID   session identifier (generated when unset)
  TAME_AGENT_ID     agent identifier recorded on sessions
  TAME_USER_ID      user identifier recorded on sessions
  TAME_BYPASS_MODE  "true" allows everything without contacting the server

Exit codes:
  0  allowed
  1  error
  2  denied
  3  approval required`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and maps decision outcomes to their
// dedicated exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(exitError)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&apiURL, "api-url", "", "Tame server URL (default $TAME_API_URL or http://127.0.0.1:8400)")
	pf.StringVar(&apiKey, "api-key", "", "API key for authentication (default $TAME_API_KEY)")
	pf.StringVar(&sessionID, "session", "", "Session ID (default $TAME_SESSION_ID, or generated)")
	pf.StringVar(&agentID, "agent", "", "Agent ID recorded on the session (default $TAME_AGENT_ID)")
	pf.StringVar(&userID, "user", "", "User ID recorded on the session (default $TAME_USER_ID)")
	pf.DurationVar(&timeout, "timeout", 0, "Request timeout (default $TAME_TIMEOUT or 30s)")
	pf.BoolVar(&bypass, "bypass", false, "Client-side bypass: allow everything without contacting the server")
	pf.BoolVar(&jsonOut, "json", false, "Print raw JSON responses")
}

// newClient builds an SDK client from flags, falling back to TAME_* env
// defaults. The CLI inspects decisions itself, so deny and approve come
// back as results rather than errors.
func newClient() *tame.Client {
	opts := []tame.Option{
		tame.WithRaiseOnDeny(false),
		tame.WithRaiseOnApprove(false),
	}
	if apiURL != "" {
		opts = append(opts, tame.WithBaseURL(apiURL))
	}
	if apiKey != "" {
		opts = append(opts, tame.WithAPIKey(apiKey))
	}
	if sessionID != "" {
		opts = append(opts, tame.WithSessionID(sessionID))
	}
	if agentID != "" {
		opts = append(opts, tame.WithAgentID(agentID))
	}
	if userID != "" {
		opts = append(opts, tame.WithUserID(userID))
	}
	if timeout > 0 {
		opts = append(opts, tame.WithTimeout(timeout))
	}
	if bypass {
		opts = append(opts, tame.WithBypassMode(true))
	}
	return tame.NewClient(opts...)
}

// exitCodeError terminates the process with a specific code. The output
// has already been printed by the time it is returned.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// decisionErr converts deny and approve outcomes into their exit codes.
func decisionErr(action tame.Decision) error {
	switch action {
	case tame.DecisionDeny:
		return &exitCodeError{code: exitDeny}
	case tame.DecisionApprove:
		return &exitCodeError{code: exitApprove}
	}
	return nil
}

const (
	colReset  = "\033[0m"
	colGreen  = "\033[92m"
	colRed    = "\033[91m"
	colYellow = "\033[93m"
)

func decisionMarker(action tame.Decision) string {
	switch action {
	case tame.DecisionAllow:
		return "✅"
	case tame.DecisionDeny:
		return "🚫"
	case tame.DecisionApprove:
		return "⚠️"
	}
	return "❓"
}

func decisionColor(action tame.Decision) string {
	switch action {
	case tame.DecisionAllow:
		return colGreen
	case tame.DecisionDeny:
		return colRed
	case tame.DecisionApprove:
		return colYellow
	}
	return ""
}

// printDecision renders an enforcement decision as an aligned block.
func printDecision(toolName string, res *tame.EnforceResult) {
	rule := res.RuleName
	if rule == "" {
		rule = "-"
	}
	fmt.Printf("\n%s Decision: %s%s%s\n",
		decisionMarker(res.Decision),
		decisionColor(res.Decision), strings.ToUpper(string(res.Decision)), colReset)
	fmt.Printf("  Tool:           %s\n", toolName)
	fmt.Printf("  Rule:           %s\n", rule)
	fmt.Printf("  Reason:         %s\n", res.Reason)
	fmt.Printf("  Policy version: %s\n", res.PolicyVersion)
	fmt.Printf("  Session:        %s\n", res.SessionID)
	if res.LogID > 0 {
		fmt.Printf("  Log ID:         %d\n", res.LogID)
	}
}

// printTestDecision renders a dry-run decision.
func printTestDecision(res *tame.TestResult) {
	d := res.Decision
	rule := d.RuleName
	if rule == "" {
		rule = "-"
	}
	fmt.Printf("\n%s Decision: %s%s%s (dry run)\n",
		decisionMarker(d.Action),
		decisionColor(d.Action), strings.ToUpper(string(d.Action)), colReset)
	fmt.Printf("  Tool:           %s\n", res.ToolName)
	fmt.Printf("  Rule:           %s\n", rule)
	fmt.Printf("  Reason:         %s\n", d.Reason)
	fmt.Printf("  Policy version: %s\n", d.PolicyVersion)
}

// printHealth renders the server health report.
func printHealth(h *tame.Health) {
	if h.Status == "healthy" {
		fmt.Println("✅ Tame server: OK")
	} else {
		fmt.Println("⚠️ Tame server: degraded")
	}
	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-14s %s\n", name+":", h.Checks[name])
	}
}

// printPolicyInfo renders the active policy summary with its rules.
func printPolicyInfo(info *tame.PolicyInfo) {
	fmt.Println("📋 Active policy")
	fmt.Printf("  Version: %s\n", info.Version)
	fmt.Printf("  Hash:    %s\n", info.Hash)
	fmt.Printf("  Rules:   %d\n", info.RulesCount)
	if len(info.Rules) > 0 {
		fmt.Println()
		for i, rule := range info.Rules {
			fmt.Printf("  %2d. %-24s %-8s %s\n", i+1, rule.Name, rule.Action, strings.Join(rule.Tools, ", "))
		}
	}
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

// parseToolArgs accepts a JSON object or comma-separated key=value pairs.
func parseToolArgs(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("invalid JSON in tool arguments: %w", err)
		}
		return m, nil
	}
	m := make(map[string]any)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid key=value pair %q in tool arguments", pair)
		}
		m[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return m, nil
}

// parseJSONObject decodes an optional JSON object flag.
func parseJSONObject(s, flagName string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", flagName, err)
	}
	return m, nil
}
