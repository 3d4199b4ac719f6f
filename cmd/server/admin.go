package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aigateway/internal/billing"
	"aigateway/internal/database"
	"aigateway/internal/service"

	"github.com/spf13/cobra"
)

func newGrantCommand() *cobra.Command {
	var (
		userID   string
		userType string
		credits  int64
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Add purchased or promotional credits to a user's balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer database.Close()

			b, err := newLedger(cfg).Grant(cmd.Context(), userID, userType, credits)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits remaining of %d (period ends %s)\n",
				b.UserID, b.CreditsRemaining, b.CreditsTotal, b.PeriodEnd.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&userType, "type", service.DefaultUserType, "user type used when the balance is first opened")
	cmd.Flags().Int64Var(&credits, "credits", 0, "credits to add")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		userID   string
		userType string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer database.Close()

			token, err := service.NewJWTServiceWith(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience).
				GenerateToken(userID, userType, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&userType, "type", service.DefaultUserType, "user type claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newResetPeriodsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-periods",
		Short: "Start a new billing period for every expired balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer database.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			n, err := billing.NewPeriodResetter(database.GetDB(), cfg.PlanCredits, cfg.MaxRolloverCredits).
				RunOnce(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d balances\n", n)
			return nil
		},
	}
}
