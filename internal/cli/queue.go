package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/bizsync/internal/config"
	"github.com/kimhsiao/bizsync/internal/db"
	"github.com/kimhsiao/bizsync/internal/models"
	"github.com/kimhsiao/bizsync/internal/sync/queue"
)

// NewQueueCommand creates the queue command group for inspecting and
// remediating the local action queue.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and remediate queued actions",
	}

	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueDiscardCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var failedOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued actions in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), rootOpts.Config, func(ctx context.Context, q *queue.Queue) error {
				var (
					recs []*models.ActionRecord
					err  error
				)
				if failedOnly {
					recs, err = q.ListFailed(ctx)
				} else {
					recs, err = q.ListAll(ctx)
				}
				if err != nil {
					return err
				}
				return writeRecords(cmd.OutOrStdout(), rootOpts.Format, recs)
			})
		},
	}

	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only list failed actions")
	return cmd
}

func newQueueRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Return failed actions to pending with a fresh attempt budget",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all takes no id")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("requires an action id or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), rootOpts.Config, func(ctx context.Context, q *queue.Queue) error {
				if all {
					n, err := q.RetryAll(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "retried %d action(s)\n", n)
					return nil
				}
				rec, err := q.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retried %s (%s %s)\n", rec.ID, rec.Kind, rec.Target)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "retry every failed action")
	return cmd
}

func newQueueDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>",
		Short: "Drop a failed action without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), rootOpts.Config, func(ctx context.Context, q *queue.Queue) error {
				if err := q.Discard(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
				return nil
			})
		},
	}
}

// withQueue opens the local queue for one command.
func withQueue(ctx context.Context, cfg *config.Config, fn func(context.Context, *queue.Queue) error) error {
	database, err := db.OpenMigrated(cfg.LocalDBPath(), db.LocalSchema)
	if err != nil {
		return err
	}
	defer database.Close()

	schema, err := cfg.Schema()
	if err != nil {
		return err
	}
	return fn(ctx, queue.New(database.DB, queue.Config{MaxAttempts: cfg.Sync.MaxAttempts, Schema: schema}))
}

func writeRecords(w io.Writer, format string, recs []*models.ActionRecord) error {
	if format == "json" {
		if recs == nil {
			recs = []*models.ActionRecord{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "queue is empty")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tTARGET\tSPECIAL\tSTATUS\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Kind, r.Target, r.Special, r.Status, r.Attempts,
			time.Unix(0, r.CreatedAt).UTC().Format(time.RFC3339), r.LastError)
	}
	return tw.Flush()
}
