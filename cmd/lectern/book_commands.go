package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lectern/internal/api"
	"lectern/internal/events"
	"lectern/internal/pipeline"
)

func newSetupCommand(ctx *commandContext) *cobra.Command {
	var model string
	var stages []string
	var priority int
	var attempts int

	cmd := &cobra.Command{
		Use:   "setup <bookId>",
		Short: "Download, transcribe, and index a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				jobID, err := client.Setup(c, args[0], api.SetupRequest{
					Model:       model,
					Stages:      stages,
					Priority:    priority,
					MaxAttempts: attempts,
				})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.JobResponse{JobID: jobID})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Setup queued for %s (job %s)\n", args[0], jobID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "Transcription model (defaults to transcription.default_model)")
	cmd.Flags().StringSliceVarP(&stages, "stages", "s", nil, "Stages to run: download,process-audio,transcribe,vectorize (default all)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Queue priority; higher runs first")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "Attempts per job (defaults to queue.max_attempts)")
	return cmd
}

func newImportCommand(ctx *commandContext) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "import <bookId> <file>",
		Short: "Import a JSON or YAML transcript and index it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read transcript: %w", err)
			}
			doc, err := pipeline.ParseTranscript(data, pipeline.TranscriptFormat(args[1]))
			if err != nil {
				return err
			}
			req := api.ImportRequest{Model: doc.Model}
			if strings.TrimSpace(model) != "" {
				req.Model = model
			}
			for _, seg := range doc.Segments {
				req.Segments = append(req.Segments, api.ImportSegment{
					Text:    seg.Text,
					StartMs: seg.StartMs,
					EndMs:   seg.EndMs,
					FileIno: seg.FileIno,
				})
			}
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				jobID, err := client.ImportTranscript(c, args[0], req)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.JobResponse{JobID: jobID})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d segments for %s (job %s)\n", len(req.Segments), args[0], jobID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "Override the transcript's model name")
	return cmd
}

func newProgressCommand(ctx *commandContext) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "progress <bookId>",
		Short: "Show setup progress for a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				report, err := client.Progress(c, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, report)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderProgress(report))
				return nil
			})
			if err != nil || !follow {
				return err
			}
			return followProgress(cmd, ctx, args[0])
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream progress events until the book is ready")
	return cmd
}

func followProgress(cmd *cobra.Command, ctx *commandContext, bookID string) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return wrapClientError(err, cfg.Paths.APIBind)
	}
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	streamCtx, cancel := context.WithCancel(parent)
	defer cancel()

	errDone := errors.New("done")
	err = client.StreamProgress(streamCtx, bookID, func(ev api.Event) error {
		if ctx.jsonOutput() {
			if err := writeJSON(cmd, ev); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), formatEvent(ev))
		}
		if ev.Type == events.TypeBookReady || ev.Type == events.TypeBookCancelled {
			return errDone
		}
		return nil
	})
	if errors.Is(err, errDone) {
		return nil
	}
	return wrapClientError(err, cfg.Paths.APIBind)
}

func formatEvent(ev api.Event) string {
	ts := ev.Time.Local().Format("15:04:05")
	parts := []string{ts, ev.Type}
	if ev.Stage != "" {
		parts = append(parts, api.StageLabel(ev.Stage))
	}
	if ev.Status != "" {
		parts = append(parts, colorStatus(ev.Status))
	}
	if ev.Progress != nil {
		parts = append(parts, api.ProgressText(ev.Progress))
	}
	if ev.Error != "" {
		parts = append(parts, "error: "+ev.Error)
	}
	return strings.Join(parts, "  ")
}

func renderProgress(report api.Progress) string {
	var b strings.Builder
	if book := report.Book; book != nil {
		title := book.Title
		if title == "" {
			title = book.ID
		}
		fmt.Fprintf(&b, "%s  model=%s  generation=%d  ready=%s\n", title, book.Model, book.Generation, yesNo(report.Ready))
	}
	if report.CurrentStage != "" {
		fmt.Fprintf(&b, "Current stage: %s\n", api.StageLabel(report.CurrentStage))
	}
	rows := make([][]string, 0, len(report.Stages))
	for _, s := range report.Stages {
		rows = append(rows, []string{
			api.StageLabel(s.Stage),
			colorStatus(s.Status),
			api.ProgressText(s.Progress),
			api.Elapsed(s.StartedAt, s.CompletedAt),
			s.Error,
		})
	}
	b.WriteString(renderTable(
		[]string{"Stage", "Status", "Progress", "Elapsed", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
	return b.String()
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <bookId>",
		Short: "Cancel queued work for a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				n, err := client.CancelBook(c, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.CountResponse{Count: n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d queued jobs for %s\n", n, args[0])
				return nil
			})
		},
	}
}

func newRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <bookId>",
		Short: "Cancel work and delete everything stored for a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				if err := client.RemoveBook(c, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			})
		},
	}
}

func newBooksCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "books",
		Short: "List books known to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				books, err := client.Books(c)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.BookListResponse{Books: books})
				}
				if len(books) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No books")
					return nil
				}
				rows := make([][]string, 0, len(books))
				for _, b := range books {
					rows = append(rows, []string{
						b.ID,
						b.Title,
						b.Model,
						yesNo(b.Downloaded),
						yesNo(b.AudioProcessed),
						yesNo(b.Transcribed),
						yesNo(b.Vectorized),
						yesNo(b.Ready),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Title", "Model", "Downloaded", "Audio", "Transcribed", "Vectorized", "Ready"},
					rows, nil,
				))
				return nil
			})
		},
	}
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "search <bookId> <query>",
		Short: "Search a book's transcript",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args[1:], " ")
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				results, err := client.Search(c, args[0], query, k)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.SearchResponse{Results: results})
				}
				if len(results) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No matches")
					return nil
				}
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					rows = append(rows, []string{
						strconv.FormatFloat(r.Similarity, 'f', 3, 64),
						formatMs(r.StartMs) + "-" + formatMs(r.EndMs),
						truncate(r.Text, 80),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Score", "Span", "Text"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&k, "limit", "k", 5, "Maximum results (1-50)")
	return cmd
}

func newNearestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "nearest <bookId> <position>",
		Short: "Show the transcript segment at a position (ms or duration like 1h2m3s)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePosition(args[1])
			if err != nil {
				return err
			}
			return ctx.withClient(cmd, func(c context.Context, client *api.Client) error {
				seg, err := client.NearestSegment(c, args[0], pos)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, seg)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s-%s] %s\n", formatMs(seg.StartMs), formatMs(seg.EndMs), seg.Text)
				return nil
			})
		},
	}
}

func parsePosition(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms >= 0 {
		return ms, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid position %q", raw)
	}
	return d.Milliseconds(), nil
}

func formatMs(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
