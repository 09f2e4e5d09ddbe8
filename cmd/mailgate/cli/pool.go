package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/store"
)

func newPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage the mailbox pool",
		Long:  "Add, import, list and ban pool mailboxes, and show per-protocol pool counts.",
	}

	cmd.AddCommand(newPoolAddCmd())
	cmd.AddCommand(newPoolImportCmd())
	cmd.AddCommand(newPoolListCmd())
	cmd.AddCommand(newPoolBanCmd(true))
	cmd.AddCommand(newPoolBanCmd(false))
	cmd.AddCommand(newPoolStatsCmd())

	return cmd
}

// ---------- pool add ----------

func newPoolAddCmd() *cobra.Command {
	var (
		protocol     string
		password     string
		clientID     string
		refreshToken string
	)

	cmd := &cobra.Command{
		Use:   "add <address>",
		Short: "Add one mailbox to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proto, err := model.ParseProtocol(protocol)
			if err != nil {
				return err
			}
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			added, err := a.store.AddResources(context.Background(), []model.EmailResource{{
				Address:      args[0],
				Protocol:     proto,
				Password:     password,
				ClientID:     clientID,
				RefreshToken: refreshToken,
			}})
			if err != nil {
				return err
			}
			if added == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already in the pool\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", args[0], proto)
			return nil
		},
	}

	cmd.Flags().StringVar(&protocol, "protocol", "", "IMAP or GRAPH (required)")
	cmd.Flags().StringVar(&password, "password", "", "Mailbox password")
	cmd.Flags().StringVar(&clientID, "client-id", "", "OAuth client ID")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.MarkFlagRequired("protocol")

	return cmd
}

// ---------- pool import ----------

func newPoolImportCmd() *cobra.Command {
	var protocol string

	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Import mailboxes from a file",
		Long: `Import mailboxes of one protocol, one per line:

  address----password----client_id----refresh_token

Only the address is required. Blank lines and lines starting with # are
skipped. Addresses already in the pool are left unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proto, err := model.ParseProtocol(protocol)
			if err != nil {
				return err
			}

			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open import file: %w", err)
				}
				defer f.Close()
				r = f
			}
			resources, err := store.ParseResourceLines(r, proto)
			if err != nil {
				return err
			}

			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			added, err := a.store.AddResources(context.Background(), resources)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d %s mailboxes (%d already present)\n",
				added, proto, len(resources)-added)
			return nil
		},
	}

	cmd.Flags().StringVar(&protocol, "protocol", "", "IMAP or GRAPH (required)")
	cmd.MarkFlagRequired("protocol")

	return cmd
}

// ---------- pool list ----------

func newPoolListCmd() *cobra.Command {
	var (
		protocol   string
		owner      string
		unassigned bool
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List pool mailboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.ResourceFilter{OwnerID: owner, Unassigned: unassigned, Limit: limit}
			if protocol != "" {
				proto, err := model.ParseProtocol(protocol)
				if err != nil {
					return err
				}
				f.Protocol = proto
			}

			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.store.ListResources(context.Background(), f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if res == nil {
					res = []model.EmailResource{}
				}
				return printJSON(out, res)
			}
			if len(res) == 0 {
				fmt.Fprintln(out, "No mailboxes match. Use 'mailgate pool import' to add some.")
				return nil
			}
			fmt.Fprintf(out, "%-36s %-6s %-24s %-6s\n", "ADDRESS", "PROTO", "OWNER", "BANNED")
			fmt.Fprintf(out, "%-36s %-6s %-24s %-6s\n", "-------", "-----", "-----", "------")
			for _, r := range res {
				ownerID := r.OwnerID
				if ownerID == "" {
					ownerID = "-"
				}
				banned := "no"
				if r.Banned {
					banned = "yes"
				}
				fmt.Fprintf(out, "%-36s %-6s %-24s %-6s\n", r.Address, r.Protocol, ownerID, banned)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&protocol, "protocol", "", "Only this protocol")
	cmd.Flags().StringVar(&owner, "owner", "", "Only mailboxes bound to this requester")
	cmd.Flags().BoolVar(&unassigned, "unassigned", false, "Only mailboxes not bound to anyone")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum rows")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- pool ban / unban ----------

func newPoolBanCmd(banned bool) *cobra.Command {
	use, short, done := "ban <address>", "Exclude a mailbox from allocation", "Banned"
	if !banned {
		use, short, done = "unban <address>", "Make a banned mailbox eligible again", "Unbanned"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.SetBanned(context.Background(), args[0], banned); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", done, args[0])
			return nil
		},
	}
}

// ---------- pool stats ----------

func newPoolStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-protocol pool counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.store.PoolStats(context.Background())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, stats)
			}
			fmt.Fprintf(out, "%-6s %8s %10s %8s\n", "PROTO", "TOTAL", "UNASSIGNED", "BANNED")
			for _, s := range stats {
				fmt.Fprintf(out, "%-6s %8d %10d %8d\n", s.Protocol, s.Total, s.Unassigned, s.Banned)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
