package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/conductor/pkg/mcp"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Long: "Serve conductor.execute, conductor.status, conductor.list_workflows and conductor.control " +
			"over stdio. Logs go to stderr; stdout carries the protocol.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCP(cmd.Context(), opts)
		},
	}
}

func runMCP(ctx context.Context, opts *rootOptions) error {
	cfg, logger, err := bootstrap(opts)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(sigCtx, cfg, logger)
	if err != nil {
		return err
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	g, gctx := errgroup.WithContext(bgCtx)
	if err := a.runBackground(gctx, g); err != nil {
		cancelBg()
		_ = g.Wait()
		a.close()
		return err
	}

	srv := mcp.NewServer(mcp.ServerDeps{Executor: a.executor, Version: version, Logger: logger})
	notifier := mcp.NewNotifier(srv)
	g.Go(func() error { return ignoreCancel(notifier.Run(gctx, a.bus)) })

	logger.Info("mcp server ready", slog.String("version", version), slog.Int("workflows", a.registry.Len()))
	runErr := ignoreCancel(srv.Serve(sigCtx))

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := a.shutdown(shutCtx); err != nil {
		logger.Warn("executor shutdown", slog.String("error", err.Error()))
	}
	cancelBg()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	a.close()
	return runErr
}
