package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/erp-backup/backup-service/internal/auth"
	"github.com/erp-backup/backup-service/internal/db/models"
)

type apiKeyOptions struct {
	company   string
	email     string
	name      string
	scopes    []string
	expiresIn time.Duration
}

func newAPIKeyCmd(g *globalOptions) *cobra.Command {
	opts := &apiKeyOptions{}
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Create a company API key",
		Long: `Create an API key for one company. The raw key is printed once; only its
bcrypt hash is stored. With --email the key acts as that user and needs the user's
company role for each request; without it the key is a service key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			companyID, err := uuid.Parse(opts.company)
			if err != nil {
				return fmt.Errorf("invalid --company %q: %w", opts.company, err)
			}
			if err := auth.ValidateScopes(opts.scopes); err != nil {
				return err
			}

			a, closeApp, err := g.openApp()
			if err != nil {
				return err
			}
			defer closeApp()
			ctx := cmd.Context()

			key := &models.APIKey{CompanyID: companyID, Name: opts.name, Scopes: pq.StringArray(opts.scopes)}
			if opts.email != "" {
				user, err := a.Users.GetUserByEmail(ctx, opts.email)
				if err != nil {
					return err
				}
				if user == nil {
					return fmt.Errorf("no user with email %s", opts.email)
				}
				key.UserID = &user.ID
			}
			if opts.expiresIn > 0 {
				exp := time.Now().Add(opts.expiresIn).UTC()
				key.ExpiresAt = &exp
			}

			prefix := a.Config.Auth.APIKeys.Prefix
			if prefix == "" {
				prefix = "bkp"
			}
			raw, hash, display, err := auth.GenerateAPIKey(prefix)
			if err != nil {
				return err
			}
			key.KeyHash, key.KeyPrefix = hash, display

			if err := a.APIKeys.CreateAPIKey(ctx, key); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "API key %s created for company %s\n", key.ID, companyID)
			fmt.Fprintf(out, "  Scopes: %v\n", opts.scopes)
			if key.ExpiresAt != nil {
				fmt.Fprintf(out, "  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "\n%s\n\nStore it now; it cannot be shown again.\n", raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.company, "company", "", "Company id (required)")
	cmd.Flags().StringVar(&opts.email, "email", "", "Act as this user")
	cmd.Flags().StringVar(&opts.name, "name", "snapshotctl", "Key name")
	cmd.Flags().StringSliceVar(&opts.scopes, "scope", []string{string(auth.ScopeBackupRead)}, "Scopes to grant (repeatable)")
	cmd.Flags().DurationVar(&opts.expiresIn, "expires-in", 0, "Lifetime, e.g. 720h (default never)")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}
