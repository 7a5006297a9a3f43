package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "productteam",
		Short: "Orchestrate a product team of specialized roles",
		Long: `productteam classifies a product-development query, plans the roles it
needs as a dependency graph, runs them with bounded concurrency and merges
their outputs into a Product Concept Report.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "project config file (default .productteam/config.json)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newRolesCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}

// newLogger writes text logs to w, or nowhere when w is nil.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	if w == nil {
		w = io.Discard
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func stderrLogger(opts *rootOptions) *slog.Logger {
	return newLogger(os.Stderr, opts.verbose)
}
