package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/PatternDirClean/PDStream/core"
	"github.com/PatternDirClean/PDStream/internal/config"
	"github.com/PatternDirClean/PDStream/internal/logger"
	"github.com/PatternDirClean/PDStream/internal/tee"
	obs "github.com/PatternDirClean/PDStream/observability/prometheus"
)

const version = "0.1.0"

type rootFlags struct {
	cfgFile      string
	envFile      string
	logLevel     string
	metricsAddr  string
	workers      int
	closeTimeout time.Duration
}

func newRootCmd() *cobra.Command {
	var f rootFlags

	cmd := &cobra.Command{
		Use:   "pdtee",
		Short: "Copy stdin lines into several buffered outputs",
		Long: `pdtee reads lines from stdin and writes each one to every configured
output. Each output has its own flush policy (immediate, threshold, timed or
cron), its own target (stdout, stderr or a file, optionally lz4-compressed)
and its own ordered write lane.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&f.cfgFile, "config", "", "config file (default: write through to stdout)")
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "dotenv file with PDSTREAM_* overrides")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "share N worker goroutines between outputs")
	cmd.Flags().DurationVar(&f.closeTimeout, "close-timeout", 10*time.Second, "how long to wait for outputs to drain on exit")

	cmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
	return cmd
}

// loadConfig resolves the configuration: file, then .env and PDSTREAM_*
// variables, then flags that were set explicitly.
func loadConfig(cmd *cobra.Command, f rootFlags) (*config.Config, error) {
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(f.cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if flags.Changed("workers") {
		cfg.Pool.Workers = f.workers
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, f rootFlags, in io.Reader) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}

	lg, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		File:   cfg.Logging.File,
		Pretty: cfg.Logging.Pretty,
		Out:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	zl := lg.Zerolog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics core.Metrics = &core.NilMetrics{}
	var poller *obs.SnapshotPoller
	if cfg.Metrics.Addr != "" {
		reg := prom.NewRegistry()
		exporter, err := obs.NewMetricsExporter(cfg.Metrics.Namespace, reg, obs.ExporterOptions{})
		if err != nil {
			return err
		}
		metrics = exporter
		if poller, err = obs.NewSnapshotPoller(reg, cfg.Metrics.PollInterval.Duration()); err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		zl.Info().Str("addr", cfg.Metrics.Addr).Msg("Serving metrics")
	}

	t, err := tee.New(cfg, tee.Options{
		Logger:  lg.Core(),
		Metrics: metrics,
		Stdout:  cmd.OutOrStdout(),
		Stderr:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	if poller != nil {
		poller.AddQueue("pdtee", t.Queue())
		if pool := t.Pool(); pool != nil {
			poller.AddPool(pool.ID(), pool)
		}
		poller.Start(ctx)
		defer poller.Stop()
	}

	lines, runErr := t.Run(ctx, in)
	closeErr := t.Close(f.closeTimeout)
	zl.Debug().Int("lines", lines).Int("outputs", len(cfg.Outputs)).Msg("Input finished")

	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, closeErr)
}
