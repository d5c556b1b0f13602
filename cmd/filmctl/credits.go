package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/filmgen/backend/internal/config"
	"github.com/filmgen/backend/internal/ledger"
	"github.com/filmgen/backend/internal/models"
	"github.com/filmgen/backend/internal/repository"
)

// grantTypes are the transaction types an operator may record.
var grantTypes = map[string]string{
	"bonus":    models.TxTypeBonus,
	"purchase": models.TxTypePurchase,
	"refund":   models.TxTypeRefund,
}

type grantOptions struct {
	user        string
	amount      int
	txType      string
	description string
}

func creditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and adjust credit balances",
	}

	var balanceUser string
	balance := &cobra.Command{
		Use:   "balance",
		Short: "Print a user's balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), func(l ledger.Service) error {
				return runBalance(cmd.Context(), l, cmd.OutOrStdout(), balanceUser)
			})
		},
	}
	balance.Flags().StringVar(&balanceUser, "user", "", "user id")
	_ = balance.MarkFlagRequired("user")

	var opts grantOptions
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Add credits to a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), func(l ledger.Service) error {
				return runGrant(cmd.Context(), l, cmd.OutOrStdout(), opts)
			})
		},
	}
	grant.Flags().StringVar(&opts.user, "user", "", "user id")
	grant.Flags().IntVar(&opts.amount, "amount", 0, "credits to add")
	grant.Flags().StringVar(&opts.txType, "type", "bonus", "bonus, purchase or refund")
	grant.Flags().StringVar(&opts.description, "description", "", "ledger description")
	_ = grant.MarkFlagRequired("user")
	_ = grant.MarkFlagRequired("amount")

	cmd.AddCommand(balance, grant)
	return cmd
}

func withLedger(ctx context.Context, fn func(ledger.Service) error) error {
	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ledger.NewService(repository.NewCreditRepo(pool), config.DefaultPricing, nil))
}

func runBalance(ctx context.Context, l ledger.Service, out io.Writer, user string) error {
	userID, err := uuid.Parse(user)
	if err != nil {
		return fmt.Errorf("invalid --user: %w", err)
	}
	b, err := l.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%d\n", userID, b.Balance)
	return nil
}

func runGrant(ctx context.Context, l ledger.Service, out io.Writer, opts grantOptions) error {
	userID, err := uuid.Parse(opts.user)
	if err != nil {
		return fmt.Errorf("invalid --user: %w", err)
	}
	if opts.amount <= 0 {
		return fmt.Errorf("--amount must be positive")
	}
	txType, ok := grantTypes[strings.ToLower(opts.txType)]
	if !ok {
		return fmt.Errorf("unknown --type %q", opts.txType)
	}
	desc := strings.TrimSpace(opts.description)
	if desc == "" {
		desc = "Manual " + strings.ToLower(opts.txType)
	}
	b, err := l.Add(ctx, ledger.AddParams{
		UserID:      userID,
		Amount:      opts.amount,
		Type:        txType,
		Description: desc,
		Metadata:    map[string]any{"source": "filmctl"},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "granted %d to %s, balance %d\n", opts.amount, userID, b.Balance)
	return nil
}
