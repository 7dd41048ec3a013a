package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/eztheme/builder/internal/auth"
)

func newCreditsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant build credits",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "balance OWNER",
			Short: "Show an owner's balance",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := e.open(cmd.Context())
				if err != nil {
					return err
				}
				defer e.close()
				balance, err := a.Ledger.Balance(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				e.output(cmd).Print(
					[]string{"OWNER", "BALANCE"},
					[][]string{{args[0], strconv.FormatInt(balance, 10)}},
					map[string]any{"owner": args[0], "balance": balance},
				)
				return nil
			},
		},
		&cobra.Command{
			Use:   "grant OWNER AMOUNT",
			Short: "Add credits to an owner",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				amount, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid amount %q", args[1])
				}
				a, err := e.open(cmd.Context())
				if err != nil {
					return err
				}
				defer e.close()
				if err := a.Ledger.Credit(cmd.Context(), args[0], amount); err != nil {
					return err
				}
				e.output(cmd).Info(fmt.Sprintf("granted %d credits to %s", amount, args[0]))
				return nil
			},
		},
	)
	return cmd
}

func newTokenCmd(e *env) *cobra.Command {
	var email string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Mint an HMAC token signed with jwt.secret, for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.config()
			if err != nil {
				return err
			}
			token, err := auth.IssueLegacyToken(args[0], email, cfg.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			e.output(cmd).Raw(token + "\n")
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
