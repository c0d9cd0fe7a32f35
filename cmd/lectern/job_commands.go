package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lectern/internal/api"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage queue jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	jobsCmd.AddCommand(newJobsRetryCommand(ctx))
	jobsCmd.AddCommand(newJobsCancelCommand(ctx))
	jobsCmd.AddCommand(newJobsDeleteCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var query api.JobQuery

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				jobs, err := client.ListJobs(c, query)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.JobListResponse{Jobs: jobs})
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderJobs(jobs))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&query.Queue, "queue", "q", "", "Filter by queue name")
	cmd.Flags().StringSliceVarP(&query.Statuses, "status", "s", nil, "Filter by status (waiting, delayed, active, completed, failed, blocked)")
	cmd.Flags().StringVarP(&query.BookID, "book", "b", "", "Filter by book id")
	cmd.Flags().IntVarP(&query.Limit, "limit", "n", 0, "Maximum jobs to list")
	return cmd
}

func renderJobs(jobs []api.Job) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			shortID(j.ID),
			api.StageLabel(j.Queue),
			j.BookID,
			colorStatus(j.Status),
			fmt.Sprintf("%d/%d", j.AttemptsMade, j.MaxAttempts),
			strconv.FormatInt(j.Generation, 10),
			truncate(j.LastError, 60),
		})
	}
	return renderTable(
		[]string{"ID", "Queue", "Book", "Status", "Attempts", "Gen", "Last Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <jobId>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				job, err := client.GetJob(c, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, job)
				}
				fields := [][]string{
					{"ID", job.ID},
					{"Flow", job.FlowID},
					{"Parent", job.ParentID},
					{"Queue", job.Queue},
					{"Book", job.BookID},
					{"Model", job.Model},
					{"Generation", strconv.FormatInt(job.Generation, 10)},
					{"Status", colorStatus(job.Status)},
					{"Pending children", strconv.Itoa(job.PendingChildren)},
					{"Priority", strconv.Itoa(job.Priority)},
					{"Attempts", fmt.Sprintf("%d/%d", job.AttemptsMade, job.MaxAttempts)},
					{"Run at", job.RunAt},
					{"Created", job.CreatedAt},
					{"Started", job.StartedAt},
					{"Finished", job.FinishedAt},
					{"Last error", job.LastError},
				}
				rows := make([][]string, 0, len(fields))
				for _, f := range fields {
					if strings.TrimSpace(f[1]) != "" {
						rows = append(rows, f)
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
				return nil
			})
		},
	}
}

func newJobsRetryCommand(ctx *commandContext) *cobra.Command {
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "retry <jobId>",
		Short: "Retry a failed job, or the failed jobs beneath a blocked one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				if err := client.RetryJob(c, args[0], delay); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s requeued\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "Wait before the job becomes claimable")
	return cmd
}

func newJobsCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <jobId>",
		Short: "Cancel a pending job and the pending jobs waiting on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				n, err := client.CancelJob(c, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d jobs\n", n)
				return nil
			})
		},
	}
}

func newJobsDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <jobId>",
		Short: "Delete a job and its subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				n, err := client.DeleteJob(c, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d jobs\n", n)
				return nil
			})
		},
	}
}
