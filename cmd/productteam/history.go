package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/productteam/internal/persistence"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		limit    int
		messages bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List stored runs or show one run",
		Long: `history reads the run history database (storage.path). Without an argument
it lists recent runs; with a run ID it shows the final node states and,
with --messages, every prompt and response of the run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{configPath: root.configPath, logger: stderrLogger(root)})
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				runs, err := a.engine.History(ctx, limit)
				if err != nil {
					return err
				}
				return printRuns(cmd, runs)
			}

			st, err := a.engine.GetRunStatus(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "run %s: %s\nquery: %s\n\n", st.ID, st.Status, st.Query)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE\tSTATE\tATTEMPTS\tREASON")
			for _, n := range st.Nodes {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", n.ID, n.State, n.Attempts, n.Reason)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if messages {
				turns, err := a.engine.Conversation(ctx, st.ID)
				if err != nil {
					return err
				}
				for _, t := range turns {
					fmt.Fprintf(out, "\n--- %s (%s) %s\n%s\n", t.NodeID, t.Role, t.Timestamp.Format(time.RFC3339), t.Content)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	cmd.Flags().BoolVarP(&messages, "messages", "m", false, "print the conversation of the run")
	return cmd
}

func printRuns(cmd *cobra.Command, runs []persistence.RunSummary) error {
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded (set storage.path to keep history across invocations)")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tNODES\tCREATED\tQUERY")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.Status, r.Nodes, r.CreatedAt.Format(time.DateTime), r.Query)
	}
	return tw.Flush()
}
