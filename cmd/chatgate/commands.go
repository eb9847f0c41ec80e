package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/chatgate/internal/auth"
	"github.com/memohai/chatgate/internal/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			cfg, err := provideConfig()
			if err != nil {
				return err
			}
			if err := db.Migrate(cfg.Postgres.DSN(), direction); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: done\n", direction)
			return nil
		},
	}
}

// newTokenCmd mints an operator token for the /api endpoints.
func newTokenCmd() *cobra.Command {
	var (
		userID string
		teamID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := provideConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				if ttl, err = time.ParseDuration(cfg.Auth.JWTExpiresIn); err != nil {
					return fmt.Errorf("invalid auth.jwt_expires_in: %w", err)
				}
			}
			signed, expiresAt, err := auth.GenerateToken(auth.Operator{UserID: userID, TeamID: teamID}, cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "operator user id (required)")
	cmd.Flags().StringVar(&teamID, "team", "", "restrict the token to one team")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.jwt_expires_in)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
