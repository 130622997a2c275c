package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func payLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paylink",
		Short: "Issue and revoke invoice pay links",
	}
	cmd.AddCommand(payLinkIssueCmd(), payLinkRevokeCmd())
	return cmd
}

func payLinkIssueCmd() *cobra.Command {
	var (
		orgID    string
		ttlHours int
		maxUses  int32
	)

	cmd := &cobra.Command{
		Use:   "issue [invoice-id]",
		Short: "Mint a pay link for an invoice",
		Long: `Mint a pay link for an invoice and print it as JSON.

Examples:
  trestle paylink issue 0b6f... --org 5a1c...
  trestle paylink issue 0b6f... --org 5a1c... --ttl-hours 24 --max-uses 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid invoice id: %w", err)
			}
			org, err := uuid.Parse(orgID)
			if err != nil {
				return fmt.Errorf("invalid --org: %w", err)
			}

			params := domain.GeneratePayLinkParams{InvoiceID: invoiceID, TTLHours: ttlHours}
			if cmd.Flags().Changed("max-uses") {
				params.MaxUses = &maxUses
			}

			return withApp(cmd.Context(), org, func(ctx context.Context, a *app) error {
				link, err := a.links.GeneratePayLink(ctx, params)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"url":        link.URL,
					"mode":       link.Mode,
					"expires_at": link.ExpiresAt.UTC().Format(time.RFC3339),
				})
			})
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "org that owns the invoice")
	cmd.Flags().IntVar(&ttlHours, "ttl-hours", 0, "link lifetime in hours (default from PAYLINK_DEFAULT_TTL_HOURS)")
	cmd.Flags().Int32Var(&maxUses, "max-uses", 0, "maximum uses for stored links (0 = unlimited)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func payLinkRevokeCmd() *cobra.Command {
	var orgID string

	cmd := &cobra.Command{
		Use:   "revoke [token]",
		Short: "Revoke a pay link by its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := uuid.Parse(orgID)
			if err != nil {
				return fmt.Errorf("invalid --org: %w", err)
			}
			return withApp(cmd.Context(), org, func(ctx context.Context, a *app) error {
				if err := a.links.RevokePayLink(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "org that owns the link")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

// withApp runs fn as a system actor in org, then drains side effects.
func withApp(ctx context.Context, org uuid.UUID, fn func(ctx context.Context, a *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx = domain.NewContextWithActor(ctx, &domain.Actor{OrgID: org, Role: "system"})
	ctx = logger.WithContext(ctx)

	runErr := fn(ctx, a)
	if err := a.effects.Shutdown(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("side effects did not drain")
	}
	return runErr
}
