package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	tame "github.com/tame-ai/sdk-go"
)

// Build information. Populated at build time via -ldflags.
var (
	Version   = "1.0.0"
	Commit    = "none"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit, and build date of tamesdk.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tamesdk %s\n", Version)
		fmt.Printf("  SDK:        %s\n", tame.Version)
		fmt.Printf("  Commit:     %s\n", Commit)
		fmt.Printf("  Built:      %s\n", BuildDate)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
