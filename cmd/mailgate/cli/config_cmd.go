package cli

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/mailgate/mailgate/internal/config"
)

// minSecretLen is the shortest token secret config secret accepts.
const minSecretLen = 16

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage Mailgate configuration",
		Long:  "Initialize a configuration file, set the token secret, or display the effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigSecretCmd())

	return cmd
}

// configPath is the file config init and config secret write to.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return "mailgate.yaml"
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default mailgate.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
			if err := config.WriteDefaultConfig(path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "Run 'mailgate config secret' to set the token secret, then 'mailgate serve'.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")

	return cmd
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		Long:  "Show the configuration after defaults, the config file and MAILGATE_* variables are applied. Secrets are masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if used := viper.ConfigFileUsed(); used != "" {
				fmt.Fprintf(out, "# Config file: %s\n", used)
			} else {
				fmt.Fprintln(out, "# Config file: (none found, using defaults)")
			}

			data, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			_, err = out.Write(data)
			return err
		},
	}
}

// ---------- config secret ----------

func newConfigSecretCmd() *cobra.Command {
	var generate bool

	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Set the token secret in the config file",
		Long: `Store the secret that card keys and invite codes are encoded with. Changing
it invalidates every token issued under the old secret.

The secret is read from the terminal without echo, or generated with --generate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, generate)
			if err != nil {
				return err
			}

			path := configPath()
			cfg := config.DefaultYAMLConfig()
			if _, err := os.Stat(path); err == nil {
				if cfg, err = config.LoadYAMLConfig(path); err != nil {
					return err
				}
			}
			cfg.Auth.TokenSecret = secret
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token secret written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&generate, "generate", false, "Generate a random secret instead of prompting")

	return cmd
}

func readSecret(cmd *cobra.Command, generate bool) (string, error) {
	if generate {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("generate secret: %w", err)
		}
		return hex.EncodeToString(b), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal; use --generate")
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Token secret: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Confirm secret: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}

	if string(first) != string(second) {
		return "", errors.New("secrets do not match")
	}
	if len(first) < minSecretLen {
		return "", fmt.Errorf("secret must be at least %d characters", minSecretLen)
	}
	return string(first), nil
}
