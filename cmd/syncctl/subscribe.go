package main

import (
	"fmt"

	"github.com/santedb/santedb-dc-core-sub006/internal/config"
	"github.com/santedb/santedb-dc-core-sub006/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// subscriptionService edits the config file directly; a running daemon picks
// the change up through its config watcher.
func subscriptionService(opts *options) (*service.SubscriptionService, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := zerolog.Nop()
	return service.NewSubscriptionService(
		&cfg.Synchronization,
		nil,
		config.NewFilePersister(opts.configPath, cfg),
		nil,
		&logger,
	), nil
}

func newSubscribeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <resource-type> <id>",
		Short: "Follow an object so partial synchronization pulls it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := subscriptionService(opts)
			if err != nil {
				return err
			}
			added, err := svc.Subscribe(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !added {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s already subscribed\n", args[0], args[1])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "subscribed %s %s\n", args[0], args[1])
			return nil
		},
	}
}

func newUnsubscribeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <resource-type> <id>",
		Short: "Stop following an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[1], err)
			}
			svc, err := subscriptionService(opts)
			if err != nil {
				return err
			}
			removed, err := svc.Unsubscribe(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s was not subscribed\n", args[0], args[1])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unsubscribed %s %s\n", args[0], args[1])
			return nil
		},
	}
}
