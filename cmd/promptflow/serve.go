package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/promptflow/runner"
	"github.com/songzhibin97/promptflow/server"
	"github.com/songzhibin97/promptflow/storage"
	"github.com/songzhibin97/promptflow/types"
)

func newServeCmd(a *app) *cobra.Command {
	var addr, templatesDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve templates and runs over HTTP and websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}

			st, err := a.buildStack()
			if err != nil {
				return err
			}
			defer st.close()

			if templatesDir != "" {
				if err := preloadTemplates(cmd.Context(), a, st.runner, templatesDir); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(st.runner, st.metrics, a.logger)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.ListenAndServe(gctx, addr)
			})

			if every := a.cfg.Engine.ClearFinishedEvery; every > 0 {
				g.Go(func() error {
					clearFinishedRuns(gctx, a, st.store, every)
					return nil
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8080)")
	cmd.Flags().StringVar(&templatesDir, "templates", "", "directory of YAML or JSON templates to register at startup")
	return cmd
}

// preloadTemplates registers every *.yaml, *.yml and *.json file in dir.
func preloadTemplates(ctx context.Context, a *app, r *runner.Runner, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read templates: %w", err)
	}
	for _, e := range entries {
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		path := filepath.Join(dir, e.Name())
		tmpl, err := types.LoadTemplateFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, err := r.RegisterTemplate(ctx, tmpl); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		a.logger.Info("template preloaded", "template_id", tmpl.ID, "file", path)
	}
	return nil
}

func clearFinishedRuns(ctx context.Context, a *app, clearer storage.Storage, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := clearer.ClearFinished(ctx); err != nil {
				a.logger.Warn("failed to clear finished runs", "error", err)
			}
		}
	}
}
