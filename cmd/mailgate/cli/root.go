package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	devMode    bool
	appVersion string
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mailgate",
		Short: "Hand out pooled mailboxes against card keys and invite codes",
		Long: `Mailgate issues tamper-evident card keys and invite codes, records every use in
an append-only ledger, and binds mailboxes from a shared IMAP/GRAPH pool to the
requesters that redeem them. Each mailbox is bound to at most one requester.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./mailgate.yaml)")
	cmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newCardCmd())
	cmd.AddCommand(newInviteCmd())
	cmd.AddCommand(newPoolCmd())
	cmd.AddCommand(newAllocateCmd())
	cmd.AddCommand(newLedgerCmd())
	cmd.AddCommand(newAdminCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("mailgate")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.mailgate")
	}

	viper.SetEnvPrefix("MAILGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.ReadInConfig() // Ignore error - config file is optional
}
