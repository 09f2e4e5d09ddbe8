package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailgate/mailgate/internal/config"
	"github.com/mailgate/mailgate/internal/service"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage operator credentials",
		Long:  "Mint operator JWTs and API keys for the operator endpoints of the HTTP API.",
	}

	cmd.AddCommand(newAdminTokenCmd())
	cmd.AddCommand(newAdminKeyCmd())

	return cmd
}

// ---------- admin token ----------

func newAdminTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator JWT",
		Example: `  mailgate admin token --subject ops@example.com
  mailgate admin token --subject ci --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set (MAILGATE_AUTH_JWT_SECRET)")
			}
			if ttl == 0 {
				ttl, _ = config.ParseDuration(cfg.Auth.JWTExpiry, 12*time.Hour)
			}

			authSvc := service.NewAuthService(cfg.Auth.JWTSecret, nil)
			tok, err := authSvc.IssueJWT(context.Background(), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Operator identity recorded in the token (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default auth.jwt_expiry)")
	cmd.MarkFlagRequired("subject")

	return cmd
}

// ---------- admin key ----------

func newAdminKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key",
		Short: "Generate an operator API key",
		Long: `Generate a random operator API key. Only its SHA-256 hash goes into the
config (auth.api_key_hashes); the raw key is shown once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			randomBytes := make([]byte, 32)
			if _, err := rand.Read(randomBytes); err != nil {
				return fmt.Errorf("generate random key: %w", err)
			}
			rawKey := "mg_" + hex.EncodeToString(randomBytes)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "API key created:")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Key:   %s\n", rawKey)
			fmt.Fprintf(out, "  Hash:  %s\n", service.HashKey(rawKey))
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  Add the hash to auth.api_key_hashes and save the key now - it cannot be retrieved again.")
			return nil
		},
	}
}
