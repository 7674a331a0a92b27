package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var hashKeySHA256 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an API key for auth.api_key_hashes",
	Long: `Hash an API key for use in the auth.api_key_hashes config list.

The default output is an argon2id PHC string. Pass --sha256 for a plain hex
digest when per-request verification cost matters more than hash strength.

Example:
  tamed hash-key "my-secret-api-key"
  # Output: $argon2id$v=19$m=65536,t=1,p=4$...

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  tamed hash-key "$TAME_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashKeySHA256 {
			sum := sha256.Sum256([]byte(args[0]))
			fmt.Println(hex.EncodeToString(sum[:]))
			return nil
		}
		hash, err := argon2id.CreateHash(args[0], argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("failed to hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeySHA256, "sha256", false, "emit a hex sha256 digest instead of argon2id")
	rootCmd.AddCommand(hashKeyCmd)
}
