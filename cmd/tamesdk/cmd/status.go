package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check server connectivity, health, and the active policy",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := newClient()
	ctx := cmd.Context()

	health, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach the tame server: %w", err)
	}
	info, err := client.PolicyCurrent(ctx)
	if err != nil {
		return fmt.Errorf("failed to read the active policy: %w", err)
	}

	if jsonOut {
		return printJSON(map[string]any{
			"health":     health,
			"policy":     info,
			"session_id": client.SessionID(),
		})
	}

	printHealth(health)
	fmt.Printf("📋 Policy version: %s\n", info.Version)
	fmt.Printf("📊 Rules: %d\n", info.RulesCount)
	fmt.Printf("🆔 Session: %s\n", client.SessionID())
	if agentID != "" {
		fmt.Printf("🤖 Agent: %s\n", agentID)
	}
	if userID != "" {
		fmt.Printf("👤 User: %s\n", userID)
	}

	if health.Status != "healthy" {
		return &exitCodeError{code: exitError}
	}
	return nil
}
