package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newCheckCommand() *cobra.Command {
	var singleGroup string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify and repair dedup group consistency",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCheck(ctx, singleGroup)
		},
	}
	cmd.Flags().StringVar(&singleGroup, "group", "", "check a single dedup group by id")
	return cmd
}

func runCheck(ctx context.Context, groupID string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	log := a.logger.WithContext(ctx)

	var repairs []string
	if groupID != "" {
		group, err := a.groups.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if group == nil {
			log.WithField("group_id", groupID).Warn("Group not found")
			return nil
		}
		repairs, err = a.checker.CheckGroup(ctx, group)
		if err != nil {
			return err
		}
	} else {
		repairs, err = a.checker.CheckAllGroups(ctx)
		if err != nil {
			return err
		}
	}

	for _, repairMsg := range repairs {
		log.Info(repairMsg)
	}
	log.WithField("repairs", len(repairs)).Info("Consistency check completed")
	return nil
}
