package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mailgate/mailgate/internal/invite"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/service"
)

func newInviteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Issue, verify and redeem invite codes",
	}

	cmd.AddCommand(newInviteIssueCmd())
	cmd.AddCommand(newInviteVerifyCmd())
	cmd.AddCommand(newInviteRedeemCmd())
	cmd.AddCommand(newInviteTrialCmd())

	return cmd
}

// ---------- invite issue ----------

func newInviteIssueCmd() *cobra.Command {
	var (
		imapCount  int
		graphCount int
		maxRegs    int
		validDays  int
		methods    []string
		batch      bool
		trial      bool
		createdBy  string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an invite code",
		Example: `  mailgate invite issue --graph 2 --max 10 --days 30 --methods google,linuxdo
  mailgate invite issue --imap 1 --max 100 --days 7 --trial`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := invite.ParseMethods(methods)
			if err != nil {
				return err
			}
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			tok, err := a.gateway.Invites().Issue(context.Background(), invite.Params{
				IMAPCount:              imapCount,
				GraphCount:             graphCount,
				MaxRegistrations:       maxRegs,
				ValidDays:              validDays,
				Methods:                set,
				AllowBatchAddEmails:    batch,
				AutoCreateTrialAccount: trial,
				CreatedBy:              createdBy,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().IntVar(&imapCount, "imap", 0, "IMAP mailboxes per registration")
	cmd.Flags().IntVar(&graphCount, "graph", 0, "GRAPH mailboxes per registration")
	cmd.Flags().IntVar(&maxRegs, "max", 1, "Maximum number of registrations")
	cmd.Flags().IntVar(&validDays, "days", 30, "Days until the invite expires")
	cmd.Flags().StringSliceVar(&methods, "methods", nil, "Accepted methods: linuxdo, google, cardkey, other")
	cmd.Flags().BoolVar(&batch, "batch", false, "Let registrants add mailboxes in bulk")
	cmd.Flags().BoolVar(&trial, "trial", false, "Create trial accounts instead of accepting registration methods")
	cmd.Flags().StringVar(&createdBy, "created-by", "cli", "Creator recorded in the invite")

	return cmd
}

// ---------- invite verify ----------

func newInviteVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token>",
		Short: "Show whether an invite can currently be used",
		Long:  "Show an invite's fields, usage and remaining registrations. Nothing is written to the ledger.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			vr, err := a.gateway.Invites().Verify(context.Background(), args[0])
			kind := model.KindOf(err)
			switch kind {
			case model.KindNone, model.KindExpired, model.KindQuotaExhausted:
			default:
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"valid":     vr.Valid,
				"can_use":   vr.CanUse,
				"reason":    kind,
				"invite":    vr.Invite,
				"used":      vr.Used,
				"remaining": vr.Remaining,
			})
		},
	}
}

// ---------- invite redeem ----------

func newInviteRedeemCmd() *cobra.Command {
	var (
		requester string
		method    string
	)

	cmd := &cobra.Command{
		Use:   "redeem <token>",
		Short: "Register a requester with an invite and allocate its mailboxes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.gateway.RegisterWithInvite(context.Background(), args[0], requester, method)
			return reportRegistration(cmd, res, err)
		},
	}

	cmd.Flags().StringVar(&requester, "requester", "", "Identity to register (required)")
	cmd.Flags().StringVar(&method, "method", "", "Registration method (required)")
	cmd.MarkFlagRequired("requester")
	cmd.MarkFlagRequired("method")

	return cmd
}

// ---------- invite trial ----------

func newInviteTrialCmd() *cobra.Command {
	var resume string

	cmd := &cobra.Command{
		Use:   "trial <token>",
		Short: "Create a trial account from an invite that allows it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.gateway.StartTrial(context.Background(), args[0], resume)
			return reportRegistration(cmd, res, err)
		},
	}

	cmd.Flags().StringVar(&resume, "resume", "", "Trial identity of an earlier attempt whose allocation failed")

	return cmd
}

// reportRegistration prints a registration result. When the registration
// slot was taken but allocation failed, the result is printed before the
// error so the operator sees which identity holds the slot.
func reportRegistration(cmd *cobra.Command, res service.RegisterResult, err error) error {
	var ae *service.AllocationError
	if errors.As(err, &ae) {
		fmt.Fprintf(cmd.ErrOrStderr(), "registration recorded for %s (%d/%d used) but allocation failed\n",
			ae.RequesterID, res.CountAfter, res.Invite.MaxRegistrations)
		return err
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}
