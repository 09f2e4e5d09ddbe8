package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailgate/mailgate/internal/model"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the usage ledger",
	}

	cmd.AddCommand(newLedgerShowCmd())

	return cmd
}

func newLedgerShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <card-key|invite-id>",
		Short: "List the recorded uses of a card key or invite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.ledger.Entries(context.Background(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if entries == nil {
					entries = []model.LedgerEntry{}
				}
				return printJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No recorded uses.")
				return nil
			}
			fmt.Fprintf(out, "%-20s %-24s %-10s\n", "USED AT", "USED BY", "METHOD")
			for _, e := range entries {
				method := e.Method
				if method == "" {
					method = "-"
				}
				at := time.Unix(e.UsedAt, 0).UTC().Format(time.DateTime)
				fmt.Fprintf(out, "%-20s %-24s %-10s\n", at, e.UsedBy, method)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
