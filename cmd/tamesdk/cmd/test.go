package cmd

import (
	"github.com/spf13/cobra"
)

var (
	testArgs    string
	testContext string
)

var testCmd = &cobra.Command{
	Use:   "test <tool>",
	Short: "Dry-run a tool call against the active policy",
	Long: `Evaluate a tool call without recording anything.

The decision comes from the same evaluator the server uses for
enforcement, but nothing is appended to any session.

Examples:
  tamesdk test read_file --args '{"path": "/etc/hosts"}'
  tamesdk test delete_file --args 'path=/tmp/scratch'
  tamesdk test send_payment --context '{"environment": "production"}'

Exit codes: 0 allow, 2 deny, 3 approval required.`,
	Args: cobra.ExactArgs(1),
	RunE: runTest,
}

func init() {
	testCmd.Flags().StringVar(&testArgs, "args", "", "Tool arguments as JSON or comma-separated key=value pairs")
	testCmd.Flags().StringVar(&testContext, "context", "", "Session context as a JSON object, visible to policy conditions")
	rootCmd.AddCommand(testCmd)
}

func runTest(cmd *cobra.Command, args []string) error {
	toolArgs, err := parseToolArgs(testArgs)
	if err != nil {
		return err
	}
	sctx, err := parseJSONObject(testContext, "--context")
	if err != nil {
		return err
	}

	client := newClient()
	res, err := client.PolicyTest(cmd.Context(), args[0], toolArgs, sctx)
	if err != nil {
		return err
	}

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printTestDecision(res)
	}
	return decisionErr(res.Decision.Action)
}
