package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mailgate/mailgate/internal/allocation"
)

func newAllocateCmd() *cobra.Command {
	var (
		imap  int
		graph int
		anyN  int
	)

	cmd := &cobra.Command{
		Use:   "allocate <requester>",
		Short: "Bind pool mailboxes to a requester without a token",
		Long: `Allocate mailboxes directly. A requester that already owns mailboxes gets them
back unchanged. Slots given with --any are filled from the preferred protocol
first (allocation.prefer_protocol) and then from the other.`,
		Example: `  mailgate allocate alice --graph 1 --any 2`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Allocate(context.Background(), args[0], allocation.Quotas{
				IMAP:  imap,
				Graph: graph,
				Any:   anyN,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().IntVar(&imap, "imap", 0, "IMAP mailboxes")
	cmd.Flags().IntVar(&graph, "graph", 0, "GRAPH mailboxes")
	cmd.Flags().IntVar(&anyN, "any", 0, "Mailboxes of either protocol")

	return cmd
}
