package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/conductor/internal/logging"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the scheduler and webhook delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// bootstrap loads configuration and builds the process logger. The returned
// logger follows log_level changes written to the config file.
func bootstrap(opts *rootOptions) (Config, *slog.Logger, error) {
	v := newViper(opts.configPath)
	cfg, err := loadConfig(v)
	if err != nil {
		return Config{}, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(os.Stderr, level, cfg.LogFormat)
	slog.SetDefault(logger)

	if used := v.ConfigFileUsed(); used != "" {
		logger.Info("config loaded", slog.String("path", used))
		watchConfig(v, cfg, level, logger)
	}
	return cfg, logger, nil
}

// watchConfig applies log_level changes live and reports every other change
// as needing a restart.
func watchConfig(v *viper.Viper, current Config, level *slog.LevelVar, logger *slog.Logger) {
	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decodeConfig(v)
		if err != nil {
			logger.Warn("config reload rejected", slog.String("path", e.Name), slog.String("error", err.Error()))
			return
		}
		diff := diffConfigs(current, next)
		if diff.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if len(diff.RestartNeeded) > 0 {
			logger.Warn("config changed, restart required", slog.String("keys", strings.Join(diff.RestartNeeded, ",")))
		}
		current = next
	})
	v.WatchConfig()
}

func runServe(ctx context.Context, opts *rootOptions) error {
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

	reqCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.apiServer().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return reqCtx },
	}
	// Event streams never finish on their own.
	srv.RegisterOnShutdown(cancelRequests)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	logger.Info("conductor listening",
		slog.String("addr", cfg.ListenAddr),
		slog.String("version", version),
		slog.Int("workflows", a.registry.Len()))

	var runErr error
	select {
	case <-sigCtx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
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
