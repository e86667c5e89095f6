package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Run one dedup pass over all records flagged update_needed, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPending(ctx)
		},
	}
}

func runPending(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	processed, err := a.processor.ProcessPending(ctx)
	if err != nil {
		return err
	}

	a.logger.WithContext(ctx).WithField("processed", processed).Info("Pending records processed")
	return nil
}
