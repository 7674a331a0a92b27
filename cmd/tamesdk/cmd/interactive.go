package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	tame "github.com/tame-ai/sdk-go"
)

const interactiveHelp = `Available commands:
  test <tool> [args-json]   evaluate a tool call (dry run, nothing recorded)
  policy                    show the active policy
  status                    check server health
  help                      show this help
  quit                      exit`

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Evaluate tool calls interactively",
	Long: `Start a read-eval loop for exploring the active policy.

Each test line is evaluated as a dry run against the active policy;
nothing is recorded on any session.

` + interactiveHelp,
	RunE: runInteractive,
}

func init() {
	rootCmd.AddCommand(interactiveCmd)
}

func runInteractive(cmd *cobra.Command, args []string) error {
	client := newClient()
	ctx := cmd.Context()

	fmt.Println("🚀 tamesdk interactive mode")
	fmt.Println("Type 'help' for commands, 'quit' to exit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\ntamesdk> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "quit" || line == "exit" || line == "q":
			fmt.Println("👋 Bye")
			return nil
		case line == "help":
			fmt.Println(interactiveHelp)
		case line == "status":
			health, err := client.Status(ctx)
			if err != nil {
				fmt.Printf("❌ %v\n", err)
				continue
			}
			printHealth(health)
		case line == "policy":
			info, err := client.PolicyCurrent(ctx)
			if err != nil {
				fmt.Printf("❌ %v\n", err)
				continue
			}
			printPolicyInfo(info)
		case strings.HasPrefix(line, "test "):
			interactiveTest(ctx, client, line)
		default:
			fmt.Printf("❓ Unknown command %q (try 'help')\n", line)
		}
	}
}

// interactiveTest evaluates one "test <tool> [args-json]" line.
func interactiveTest(ctx context.Context, client *tame.Client, line string) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "test "))
	name, argsJSON, _ := strings.Cut(rest, " ")
	if name == "" {
		fmt.Println("❌ usage: test <tool> [args-json]")
		return
	}

	toolArgs, err := parseToolArgs(argsJSON)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}

	res, err := client.PolicyTest(ctx, name, toolArgs, nil)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	printTestDecision(res)
}
