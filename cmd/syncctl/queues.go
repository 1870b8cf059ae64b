package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/spf13/cobra"
)

func newQueuesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List queues with their depth",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			depths, err := a.manager.Depths(ctx)
			if err != nil {
				return err
			}
			deadLetter := a.manager.DeadLetterName()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPATTERN\tDEPTH\tROLE")
			for _, q := range a.manager.Queues(ctx) {
				role := ""
				if q.Name == deadLetter {
					role = "dead-letter"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", q.Name, q.Pattern, depths[q.Name], role)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			stored, err := a.payloads.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nstored payloads: %d\n", stored)
			return nil
		}),
	}
}

func newEntriesCmd(opts *options) *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "entries <queue>",
		Short: "List the entries of a queue in FIFO order",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			entries, err := a.manager.Entries(ctx, args[0], offset, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCORRELATION\tTYPE\tKEY\tOPERATION\tRETRIES\tCREATED")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
					e.ID, e.CorrelationKey, e.ResourceType, e.ResourceKey, e.Operation, e.RetryCount,
					e.CreationTime.Local().Format(time.DateTime))
			}
			return w.Flush()
		}),
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	cmd.Flags().IntVar(&limit, "limit", models.DefaultPageSize, "entries to show")
	return cmd
}
