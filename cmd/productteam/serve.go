package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/productteam/internal/registry"
	"github.com/aristath/productteam/internal/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		addr    string
		offline bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run submission API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := stderrLogger(root)

			a, err := newApp(ctx, appOptions{configPath: root.configPath, offline: offline, logger: logger})
			if err != nil {
				return err
			}
			defer a.close()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			w, err := registry.NewWatcher(a.registry, a.loader(), []string{a.globalPath, a.projectPath}, logger)
			if err != nil {
				logger.Warn("config hot reload disabled", "err", err)
			} else {
				go w.Run(ctx)
			}

			srv := server.New(a.engine, server.WithLogger(logger))
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(addr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutdown signal received, cleaning up")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", "err", err)
			}
			if err := a.shutdown(shutdownCtx); err != nil {
				logger.Error("runs did not settle", "err", err)
			}
			logger.Info("shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (default from config, :8080)")
	cmd.Flags().BoolVar(&offline, "offline", false, "use the stub backend for every role")
	return cmd
}
