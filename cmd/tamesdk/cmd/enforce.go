package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	tame "github.com/tame-ai/sdk-go"
)

var (
	enforceTool     string
	enforceArgs     string
	enforceMetadata string
	enforceExec     bool
)

var enforceCmd = &cobra.Command{
	Use:   "enforce --tool <name> [--args <json>] [--exec] [-- command ...]",
	Short: "Submit a tool call for a decision, optionally running a command when allowed",
	Long: `Submit a tool call for enforcement and record it on the session.

Without a wrapped command the decision is printed and the log entry stays
pending for the caller to seal later. With a command after --, an allowed
call runs it and seals the outcome (exit code, duration) on the entry.
Denied and approval-gated calls are sealed as blocked either way.

Examples:
  tamesdk enforce --tool read_file --args '{"path": "/etc/hosts"}'
  tamesdk enforce --tool run_backup -- ./backup.sh --full
  tamesdk enforce --tool deploy --metadata '{"ticket": "OPS-42"}' -- make deploy

Exit codes: 0 allow, 1 error, 2 deny, 3 approval required. When a wrapped
command runs, its own exit code is propagated.`,
	RunE: runEnforce,
}

func init() {
	enforceCmd.Flags().StringVar(&enforceTool, "tool", "", "Tool name to enforce (required)")
	enforceCmd.Flags().StringVar(&enforceArgs, "args", "", "Tool arguments as JSON or comma-separated key=value pairs")
	enforceCmd.Flags().StringVar(&enforceMetadata, "metadata", "", "Session metadata as a JSON object")
	enforceCmd.Flags().BoolVar(&enforceExec, "exec", false, "Require a wrapped command after -- and run it when allowed")
	enforceCmd.MarkFlagRequired("tool")
	rootCmd.AddCommand(enforceCmd)
}

func runEnforce(cmd *cobra.Command, args []string) error {
	toolArgs, err := parseToolArgs(enforceArgs)
	if err != nil {
		return err
	}
	metadata, err := parseJSONObject(enforceMetadata, "--metadata")
	if err != nil {
		return err
	}

	var wrapped []string
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		wrapped = args[dash:]
	} else if len(args) > 0 {
		return fmt.Errorf("unexpected arguments %v (put a wrapped command after --)", args)
	}
	if enforceExec && len(wrapped) == 0 {
		return fmt.Errorf("--exec requires a command after --")
	}

	client := newClient()
	ctx := cmd.Context()

	res, err := client.Enforce(ctx, tame.EnforceRequest{
		ToolName:  enforceTool,
		Arguments: toolArgs,
		Metadata:  metadata,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printDecision(enforceTool, res)
	}

	if !res.Allowed() {
		sealBlocked(ctx, client, res)
		return decisionErr(res.Decision)
	}
	if len(wrapped) == 0 {
		return nil
	}
	return runWrapped(ctx, client, res, wrapped)
}

// sealBlocked closes the audit entry for a call that will not run. Client
// bypass decisions carry no entry, so there is nothing to seal.
func sealBlocked(ctx context.Context, client *tame.Client, res *tame.EnforceResult) {
	if res.LogID <= 0 {
		return
	}
	_, err := client.UpdateResult(ctx, res.SessionID, res.LogID, tame.Outcome{
		Status:       tame.StatusError,
		ErrorMessage: "blocked: " + res.Reason,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to seal blocked call: %v\n", err)
	}
}

// runWrapped executes the allowed command and seals its outcome on the
// audit entry.
func runWrapped(ctx context.Context, client *tame.Client, res *tame.EnforceResult, argv []string) error {
	start := time.Now()
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	runErr := c.Run()
	duration := time.Since(start).Milliseconds()

	exitCode := 0
	out := tame.Outcome{Status: tame.StatusSuccess, DurationMS: duration}
	if runErr != nil {
		exitCode = 1
		var ee *exec.ExitError
		if errors.As(runErr, &ee) {
			exitCode = ee.ExitCode()
		}
		out.Status = tame.StatusError
		out.ErrorMessage = runErr.Error()
	}
	out.Result = map[string]any{"exit_code": exitCode}

	if res.LogID > 0 {
		if _, err := client.UpdateResult(ctx, res.SessionID, res.LogID, out); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to seal outcome: %v\n", err)
		}
	}

	if runErr != nil {
		return &exitCodeError{code: exitCode}
	}
	return nil
}
