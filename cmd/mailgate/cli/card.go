package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mailgate/mailgate/internal/cardkey"
	"github.com/mailgate/mailgate/internal/handler"
)

func newCardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "card",
		Aliases: []string{"cardkey"},
		Short:   "Issue and verify card keys",
		Long:    "Issue card keys, verify them on behalf of a requester, and log in with them.",
	}

	cmd.AddCommand(newCardIssueCmd())
	cmd.AddCommand(newCardVerifyCmd())
	cmd.AddCommand(newCardLoginCmd())

	return cmd
}

// ---------- card issue ----------

func newCardIssueCmd() *cobra.Command {
	var (
		source       string
		customSource string
		emailCount   int
		duration     string
		reusable     bool
		count        int
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue one or more card keys",
		Long:  "Mint card keys and print them one per line. Keys are not stored: the token itself carries its fields.",
		Example: `  mailgate card issue --source internal --email-count 3
  mailgate card issue --source custom --custom-source vip --email-count 1 --count 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 || count > handler.MaxBatchIssue {
				return fmt.Errorf("--count must be 1 to %d", handler.MaxBatchIssue)
			}
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			p := cardkey.Params{
				Source:       cardkey.Source(source),
				CustomSource: customSource,
				EmailCount:   emailCount,
				Duration:     cardkey.Duration(duration),
				Reusable:     reusable,
			}
			for i := 0; i < count; i++ {
				tok, err := a.gateway.CardKeys().Issue(context.Background(), p)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", string(cardkey.SourceInternal), "Distribution channel: channel-a, channel-b, internal or custom")
	cmd.Flags().StringVar(&customSource, "custom-source", "", "Channel label when --source is custom")
	cmd.Flags().IntVar(&emailCount, "email-count", 1, "Mailboxes granted by each key")
	cmd.Flags().StringVar(&duration, "duration", string(cardkey.DurationShort), "Validity class: short or long")
	cmd.Flags().BoolVar(&reusable, "reusable", false, "Allow each key to be verified more than once")
	cmd.Flags().IntVar(&count, "count", 1, "Number of keys to issue")

	return cmd
}

// ---------- card verify ----------

func newCardVerifyCmd() *cobra.Command {
	var requester string

	cmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a card key for a requester",
		Long:  "Verify a card key. A one-time key is consumed: verifying it again fails with already_used.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.gateway.CardKeys().Verify(context.Background(), args[0], requester)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"valid":    res.Valid,
				"card_key": res.Key,
			})
		},
	}

	cmd.Flags().StringVar(&requester, "requester", "", "Identity the key is consumed for (required)")
	cmd.MarkFlagRequired("requester")

	return cmd
}

// ---------- card login ----------

func newCardLoginCmd() *cobra.Command {
	var requester string

	cmd := &cobra.Command{
		Use:   "login <token>",
		Short: "Verify a card key and allocate its mailboxes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.gateway.LoginWithCardKey(context.Background(), args[0], requester)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&requester, "requester", "", "Identity to bind the mailboxes to (required)")
	cmd.MarkFlagRequired("requester")

	return cmd
}
