package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/productteam/internal/config"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}
	cmd.AddCommand(newConfigInitCmd(root), newConfigShowCmd(root))
	return cmd
}

// configPaths resolves the global and project paths, honouring --config.
func configPaths(root *rootOptions) (global, project string, err error) {
	global, project, err = config.DefaultPaths()
	if err != nil {
		return "", "", err
	}
	if root.configPath != "" {
		project = root.configPath
	}
	return global, project, nil
}

func newConfigInitCmd(root *rootOptions) *cobra.Command {
	var global, force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the built-in defaults to a config file",
		Long: `init writes every default provider, role, intent and setting to the project
config (.productteam/config.json, or --config) so it can be edited. With
--global it writes ~/.productteam/config.json instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			globalPath, projectPath, err := configPaths(root)
			if err != nil {
				return err
			}
			path := projectPath
			if global {
				path = globalPath
			}
			// A YAML path picked up by discovery would get JSON content.
			if ext := filepath.Ext(path); ext != ".json" {
				return fmt.Errorf("%s: init writes JSON, use a .json path", path)
			}
			if err := config.Init(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&global, "global", "g", false, "write the global config instead of the project config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			globalPath, projectPath, err := configPaths(root)
			if err != nil {
				return err
			}
			cfg, err := config.Load(globalPath, projectPath)
			if err != nil {
				return err
			}
			return config.Write(cmd.OutOrStdout(), cfg)
		},
	}
}
