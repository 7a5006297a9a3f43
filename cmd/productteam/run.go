package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/productteam/internal/aggregator"
	"github.com/aristath/productteam/internal/orchestrator"
	"github.com/aristath/productteam/internal/query"
	"github.com/aristath/productteam/internal/telemetry"
	"github.com/aristath/productteam/internal/tui"
)

type runOptions struct {
	stage       string
	priorReport string
	format      string
	tui         bool
	offline     bool
	expect      []string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Run a query and print its report",
		Example: `  productteam run "Generate ideas for a new fitness app"
  productteam run --stage testing --format json "Test this fitness app and write a launch plan"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), root, opts, strings.Join(args, " "), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.stage, "stage", "s", "", "product phase hint (ideation, research, design, development, testing, launch)")
	cmd.Flags().StringVar(&opts.priorReport, "prior", "", "run ID of an earlier report this query builds on")
	cmd.Flags().StringVarP(&opts.format, "format", "f", aggregator.FormatMarkdown, "report format: md, json or yaml")
	cmd.Flags().BoolVar(&opts.tui, "tui", false, "show a live monitor while the run executes")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "use the stub backend for every role")
	cmd.Flags().StringSliceVar(&opts.expect, "expect", nil, "roles a reviewer expects; prints assignment precision and recall")
	return cmd
}

func runQuery(ctx context.Context, root *rootOptions, opts *runOptions, text string, stdout, stderr io.Writer) error {
	switch strings.ToLower(opts.format) {
	case aggregator.FormatMarkdown, "markdown", aggregator.FormatJSON, aggregator.FormatYAML, "yml":
	default:
		return fmt.Errorf("unknown report format %q", opts.format)
	}

	// The monitor owns the terminal, so logs are dropped while it runs.
	logger := newLogger(stderr, root.verbose)
	if opts.tui {
		logger = newLogger(nil, false)
	}

	a, err := newApp(ctx, appOptions{configPath: root.configPath, offline: opts.offline, logger: logger})
	if err != nil {
		return err
	}
	defer a.close()

	// Subscribe before submitting so the monitor sees the run start.
	monitor := a.bus.SubscribeAll(1024)

	q := query.New(text, opts.stage)
	q.PriorReport = opts.priorReport
	id, err := a.engine.Submit(ctx, q)
	if err != nil {
		return err
	}

	cancelled := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.engine.Cancel(id)
		case <-cancelled:
		}
	}()
	defer close(cancelled)

	if opts.tui {
		p := tea.NewProgram(tui.New(monitor, id), tea.WithAltScreen(), tea.WithContext(ctx))
		final, err := p.Run()
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("monitor: %w", err)
		}
		// Leaving the monitor early abandons the run.
		if m, ok := final.(tui.Model); !ok || !m.Finished() {
			a.engine.Cancel(id)
		}
	} else {
		a.bus.Unsubscribe(monitor)
	}

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Minute)
	defer cancel()
	report, err := a.engine.Wait(waitCtx, id)
	if err != nil {
		return err
	}

	out, err := aggregator.Render(report, opts.format)
	if err != nil {
		return err
	}
	if _, err := stdout.Write(out); err != nil {
		return err
	}

	if len(opts.expect) > 0 {
		if run, ok := a.engine.Run(id); ok {
			printEvaluation(stderr, telemetry.Evaluate(run.Log.Entries(), run.Plan.Roles, opts.expect))
		}
	}

	if status := orchestrator.RunStatus(report.Status); status != orchestrator.RunSucceeded {
		return fmt.Errorf("run %s finished %s", id, status)
	}
	return nil
}

func printEvaluation(w io.Writer, ev telemetry.Evaluation) {
	fmt.Fprintf(w, "\nrole assignment: precision %.2f, recall %.2f, f1 %.2f\n", ev.Precision, ev.Recall, ev.F1)
	if len(ev.Missing) > 0 {
		fmt.Fprintf(w, "  missing:    %s\n", strings.Join(ev.Missing, ", "))
	}
	if len(ev.Unexpected) > 0 {
		fmt.Fprintf(w, "  unexpected: %s\n", strings.Join(ev.Unexpected, ", "))
	}
	for _, l := range ev.Latency {
		fmt.Fprintf(w, "  %-16s n=%d mean=%s p95=%s\n", l.RoleID, l.Count, l.Mean.Round(time.Millisecond), l.P95.Round(time.Millisecond))
	}
}
