// Package cmd provides the CLI commands for tamed.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tame-ai/tame/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tamed",
	Short: "tamed - Tool-call governance server for AI agents",
	Long: `tamed is the tame enforcement server. Agents submit tool calls to it
before execution; tamed evaluates the active policy, records the call in a
tamper-evident audit chain, and answers allow, deny, or approve.

Quick start:
  1. Run in dev mode (in-memory database, fixed dev chain secret):
       tamed start --dev
  2. Submit a tool call:
       curl -X POST http://127.0.0.1:8400/api/v1/enforce \
         -d '{"tool_name":"read_file","tool_args":{"path":"/tmp/notes"}}'

Configuration:
  Config is loaded from tame.yaml in the current directory, $HOME/.tame/,
  or /etc/tame/.

  Environment variables can override config values with the TAME_ prefix.
  Example: TAME_SERVER_ADDR=:9090

Commands:
  start       Start the enforcement server
  stop        Stop the running server
  hash-key    Hash an API key for auth.api_key_hashes
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./tame.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
