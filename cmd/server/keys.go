package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dukerupert/trestle/internal/crypto"
	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random PAYLINK_SIGNING_KEY",
		Long: `Generate a random pay link signing key.

To rotate keys, move the current PAYLINK_SIGNING_KEY into
PAYLINK_PREVIOUS_KEYS and set the new one. Links signed with a
previous key keep validating until they expire.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateSigningKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		orgID string
		email string
		role  string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a staff API token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := uuid.Parse(orgID)
			if err != nil {
				return fmt.Errorf("invalid --org: %w", err)
			}
			cfg, _, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			token, err := middleware.IssueStaffToken([]byte(cfg.JWTSecret), domain.Actor{
				ID:    uuid.New(),
				OrgID: org,
				Email: email,
				Role:  role,
			}, ttl)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "org the staff member belongs to")
	cmd.Flags().StringVar(&email, "email", "", "staff email")
	cmd.Flags().StringVar(&role, "role", "staff", "owner, admin, or staff")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
