package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/erp-backup/backup-service/internal/auth"
)

type tokenOptions struct {
	email  string
	scopes []string
	ttl    time.Duration
}

func newTokenCmd(g *globalOptions) *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for an existing user",
		Long: `Issue a signed JWT for the user with --email. The token carries the given
scopes; company roles are still checked per request against company membership.
BKP_JWT_SECRET must match the server's.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := auth.ValidateScopes(opts.scopes); err != nil {
				return err
			}
			if err := auth.ValidateJWTSecret(); err != nil {
				return err
			}

			a, closeApp, err := g.openApp()
			if err != nil {
				return err
			}
			defer closeApp()

			user, err := a.Users.GetUserByEmail(cmd.Context(), opts.email)
			if err != nil {
				return err
			}
			if user == nil {
				return fmt.Errorf("no user with email %s", opts.email)
			}

			ttl := opts.ttl
			if ttl == 0 {
				ttl = a.Config.Auth.TokenTTL
			}
			token, err := auth.GenerateJWT(user.ID.String(), user.Email, user.Name, opts.scopes, ttl)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.email, "email", "", "User email (required)")
	cmd.Flags().StringSliceVar(&opts.scopes, "scope", []string{string(auth.ScopeBackupRead)}, "Scopes to grant (repeatable)")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 0, "Token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
