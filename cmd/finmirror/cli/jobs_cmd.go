package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/finmirror/jobs"
)

func newJobsCommand(env Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Enqueue and inspect background tasks",
	}
	cmd.AddCommand(newJobsTriggerCommand(env), newJobsInspectCommand(env))
	return cmd
}

func withQueue(env Env, fn func(JobQueue) error) error {
	if env.Jobs == nil {
		return errors.New("job queue not configured")
	}
	queue, err := env.Jobs()
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()
	return fn(queue)
}

func newJobsTriggerCommand(env Env) *cobra.Command {
	var opts TriggerOptions
	cmd := &cobra.Command{
		Use:       "trigger <task>",
		Short:     "Enqueue a task for the worker",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TaskMirrorSync, jobs.TaskJournalRegenerate},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(env, func(queue JobQueue) error {
				info, err := queue.Trigger(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "mirror:sync only: entity type")
	cmd.Flags().BoolVar(&opts.Incremental, "incremental", false, "mirror:sync only: incremental mode")
	cmd.Flags().BoolVar(&opts.Journal, "journal", false, "mirror:sync only: regenerate the journal afterwards")
	cmd.Flags().StringVar(&opts.SourceType, "source-type", "", "journal:regenerate only: source type")
	return cmd
}

func newJobsInspectCommand(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show counters of the default queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(env, func(queue JobQueue) error {
				stats, err := queue.InspectQueue()
				if err != nil {
					return err
				}
				p := printer()
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED\tPROCESSED\tFAILED")
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", stats.Queue,
					p.Sprintf("%d", stats.Pending), p.Sprintf("%d", stats.Active), p.Sprintf("%d", stats.Scheduled),
					p.Sprintf("%d", stats.Retry), p.Sprintf("%d", stats.Archived),
					p.Sprintf("%d", stats.Processed), p.Sprintf("%d", stats.Failed))
				return tw.Flush()
			})
		},
	}
}
