package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"lectern/internal/api"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, worker, and dependency status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				status, err := client.Status(c)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, status)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderStatus(status))
				return nil
			})
		},
	}
}

func renderStatus(status api.DaemonStatus) string {
	out := fmt.Sprintf("Daemon: running=%s pid=%d events=%s\n", yesNo(status.Running), status.PID, status.EventBus)
	if status.Workflow.LastError != "" {
		out += "Last error: " + status.Workflow.LastError + "\n"
	}

	queueRows := [][]string{}
	for _, queue := range api.SortedQueues(status.Workflow.QueueStats) {
		counts := status.Workflow.QueueStats[queue]
		queueRows = append(queueRows, []string{
			api.StageLabel(queue),
			strconv.Itoa(status.Workflow.Workers[queue]),
			strconv.Itoa(counts["waiting"] + counts["delayed"]),
			strconv.Itoa(counts["active"]),
			strconv.Itoa(counts["blocked"]),
			strconv.Itoa(counts["completed"]),
			strconv.Itoa(counts["failed"]),
		})
	}
	if len(queueRows) > 0 {
		out += renderTable(
			[]string{"Queue", "Workers", "Waiting", "Active", "Blocked", "Completed", "Failed"},
			queueRows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
		) + "\n"
	}

	checkRows := [][]string{}
	for _, dep := range status.Dependencies {
		detail := dep.Command
		if dep.Detail != "" {
			detail = dep.Detail
		}
		checkRows = append(checkRows, []string{dep.Name, okText(dep.Available), detail})
	}
	for _, check := range status.Checks {
		checkRows = append(checkRows, []string{check.Name, okText(check.Passed), check.Detail})
	}
	out += renderTable([]string{"Check", "Result", "Detail"}, checkRows, nil)
	return out
}

func okText(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}
