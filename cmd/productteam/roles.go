package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/productteam/internal/config"
	"github.com/aristath/productteam/internal/registry"
)

func newRolesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List the configured roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			global, project, err := configPaths(root)
			if err != nil {
				return err
			}
			cfg, err := config.Load(global, project)
			if err != nil {
				return err
			}
			snap, err := registry.NewSnapshot(cfg)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROLE\tSTAGE\tCONCURRENCY\tPROVIDER\tOUTPUTS")
			for _, r := range snap.ListRoles() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Stage, r.Concurrency, r.Provider, strings.Join(r.Outputs, ", "))
			}
			return tw.Flush()
		},
	}
}
