package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rankbot/internal/app"
)

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), *cfgPath)
		},
	}
}

func runBot(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func syncCmd(cfgPath *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if timeout > 0 {
				var tcancel context.CancelFunc
				ctx, tcancel = context.WithTimeout(ctx, timeout)
				defer tcancel()
			}
			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			sum, err := a.SyncOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sum.String())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "upper bound for the whole pass (0 disables)")
	return cmd
}
