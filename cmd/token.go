package cmd

import (
	"errors"
	"fmt"

	"github.com/kozaktomas/smart-attendance/internal/auth"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <operator>",
	Short: "Mint an API token for an operator",
	Long: `Mint an HS256 bearer token signed with AUTH_JWT_KEY.

Example:
  curl -H "Authorization: Bearer $(smart-attendance token lab-camera-1)" \
    http://localhost:8080/api/v1/sessions`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (default from AUTH_TOKEN_TTL)")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTKey == "" {
		return errors.New("AUTH_JWT_KEY environment variable is required")
	}

	ttl := mustGetDuration(cmd, "ttl")
	if ttl == 0 {
		ttl = cfg.Auth.TokenTTL
	}

	token, err := auth.GenerateToken(args[0], []byte(cfg.Auth.JWTKey), ttl)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	fmt.Println(token)
	return nil
}
