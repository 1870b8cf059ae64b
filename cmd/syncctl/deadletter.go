package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/export"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/spf13/cobra"
)

func newDeadLetterCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dl"},
		Short:   "Inspect, requeue and purge dead-letter entries",
	}
	cmd.AddCommand(
		newDeadLetterListCmd(opts),
		newDeadLetterRequeueCmd(opts),
		newDeadLetterPurgeCmd(opts),
		newDeadLetterExportCmd(opts),
	)
	return cmd
}

func newDeadLetterListCmd(opts *options) *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			entries, err := a.manager.DeadLetters(ctx, offset, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tORIGINAL QUEUE\tTYPE\tOPERATION\tCREATED\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.OriginalQueue, e.ResourceType, e.Operation,
					e.CreationTime.Local().Format(time.DateTime), e.ReasonForRejection)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	cmd.Flags().IntVar(&limit, "limit", models.DefaultPageSize, "entries to show")
	return cmd
}

func newDeadLetterRequeueCmd(opts *options) *cobra.Command {
	var all bool
	var queueName string
	cmd := &cobra.Command{
		Use:   "requeue [id...]",
		Short: "Move dead-letter entries back to their original queue",
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if all {
				n, err := a.manager.RequeueAll(ctx, queueName)
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d entries\n", n)
				return err
			}
			if len(args) == 0 {
				return errors.New("pass entry ids or --all")
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			for _, id := range ids {
				entry, err := a.manager.Requeue(ctx, id)
				if err != nil {
					return fmt.Errorf("requeue %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d -> %s #%d\n", id, entry.Queue, entry.ID)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "requeue every dead-letter entry")
	cmd.Flags().StringVar(&queueName, "queue", "", "with --all, only entries that came from this queue")
	return cmd
}

func newDeadLetterPurgeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <id...>",
		Short: "Discard dead-letter entries and their payloads",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := a.manager.Purge(ctx, id); err != nil {
					return fmt.Errorf("purge %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d\n", id)
			}
			return nil
		}),
	}
}

func newDeadLetterExportCmd(opts *options) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every dead-letter entry to an xlsx report",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			var all []*models.DeadLetterEntry
			for offset := 0; ; offset += models.MaxPageSize {
				page, err := a.manager.DeadLetters(ctx, offset, models.MaxPageSize)
				if err != nil {
					return err
				}
				all = append(all, page...)
				if len(page) < models.MaxPageSize {
					break
				}
			}
			if dir == "" {
				dir = a.cfg.Exports.Path
			}
			path, err := export.DeadLetterReport(dir, all, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d entries to %s\n", len(all), path)
			return nil
		}),
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default exports.path)")
	return cmd
}
