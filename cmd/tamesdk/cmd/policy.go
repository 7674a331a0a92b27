package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and manage the server's policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active policy version and its rules",
	RunE:  runPolicyShow,
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a policy document without storing it",
	Long: `Validate a policy document against the server's compiler.

Pass "-" to read the document from stdin:

  cat policy.yaml | tamesdk policy validate -`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyValidate,
}

var policyReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read the server's policy file",
	Long: `Ask the server to re-read its configured policy file.

If the file's rule semantics changed, it becomes a new, immediately
active version; otherwise nothing happens.`,
	RunE: runPolicyReload,
}

func init() {
	policyCmd.AddCommand(policyShowCmd, policyValidateCmd, policyReloadCmd)
	rootCmd.AddCommand(policyCmd)
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	client := newClient()
	info, err := client.PolicyCurrent(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(info)
	}
	printPolicyInfo(info)
	return nil
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	content, err := readPolicyFile(args[0])
	if err != nil {
		return err
	}

	client := newClient()
	res, err := client.PolicyValidate(cmd.Context(), string(content))
	if err != nil {
		return err
	}

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.IsValid {
			return &exitCodeError{code: exitError}
		}
		return nil
	}

	if res.IsValid {
		fmt.Printf("✅ Policy is valid: %d rules", res.RulesCount)
		if res.Version != "" {
			fmt.Printf(" (version %s)", res.Version)
		}
		fmt.Println()
		return nil
	}

	fmt.Printf("🚫 Policy is invalid (%d problems):\n", len(res.Errors))
	for _, e := range res.Errors {
		fmt.Printf("  - %s\n", e)
	}
	return &exitCodeError{code: exitError}
}

func runPolicyReload(cmd *cobra.Command, args []string) error {
	client := newClient()
	res, err := client.PolicyReload(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(res)
	}

	if res.Status == "unchanged" {
		fmt.Printf("✅ Policy unchanged: %s (%d rules)\n", res.NewVersion, res.RulesCount)
	} else {
		fmt.Printf("✅ Policy reloaded: %s -> %s (%d rules)\n", res.OldVersion, res.NewVersion, res.RulesCount)
	}
	return nil
}

// readPolicyFile reads a policy document from a path, or stdin for "-".
func readPolicyFile(path string) ([]byte, error) {
	if path == "-" {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy from stdin: %w", err)
		}
		return content, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return content, nil
}
