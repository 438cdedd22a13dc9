package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/seqd/internal/metrics"
	"github.com/roach88/seqd/internal/moderation"
	"github.com/roach88/seqd/internal/reversal"
	"github.com/roach88/seqd/internal/runner"
	"github.com/roach88/seqd/internal/sequencer"
	"github.com/roach88/seqd/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	NoSequencer bool
	NoReversal  bool
	MetricsAddr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sequencer and scheduled-reversal jobs",
		Long: `Run the leader-bound jobs of a seqd process.

Every process contends for the sequencer lock and the scheduled-reversal
lock. The holder of each lock runs the job; the others wait and take over
when it goes away. SIGINT or SIGTERM releases held locks before exit.

Example:
  seqd serve --db ./seqd.db
  seqd serve --config ./seqd.yaml --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.NoSequencer, "no-sequencer", false, "do not contend for the sequencer lock")
	cmd.Flags().BoolVar(&opts.NoReversal, "no-reversal", false, "do not contend for the scheduled-reversal lock")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics on this address (overrides metrics.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.NoSequencer {
		cfg.Sequencer.Enabled = false
	}
	if opts.NoReversal {
		cfg.Reversal.Enabled = false
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Addr = opts.MetricsAddr
	}
	if !cfg.Sequencer.Enabled && !cfg.Reversal.Enabled {
		return NewExitError(ExitCommandError, "nothing to run: sequencer and reversal are both disabled")
	}

	logger := newLogger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	shutdownTracing, err := tracing.Setup(cfg.Tracing.Enabled)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("error shutting down tracing", "error", err)
		}
	}()
	metrics.Register()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	stopListening, err := b.listen(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start notifications", err)
	}
	defer stopListening()

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, logger)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	var (
		g        errgroup.Group
		destroys []func()
	)
	if cfg.Sequencer.Enabled {
		seq := sequencer.New(b.store, b.hub, sequencer.Options{
			RetryDelay: cfg.Sequencer.RetryDelay,
			PageSize:   cfg.Sequencer.PageSize,
			Logger:     logger,
		})
		r := seq.Runner(b.locker, runnerConfig(cfg.Sequencer.BaseDelay, cfg.Sequencer.Jitter, logger))
		g.Go(func() error { return r.Run(ctx) })
		destroys = append(destroys, seq.Destroy)
	}
	if cfg.Reversal.Enabled {
		sched := reversal.New(moderation.New(b.store), reversal.Options{
			Interval: cfg.Reversal.Interval,
			Logger:   logger,
		})
		r := sched.Runner(b.locker, runnerConfig(cfg.Reversal.BaseDelay, cfg.Reversal.Jitter, logger))
		g.Go(func() error { return r.Run(ctx) })
		destroys = append(destroys, sched.Destroy)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
		case <-ctx.Done():
		}
		for _, destroy := range destroys {
			destroy()
		}
	}()

	logger.Info("seqd serving",
		"backend", cfg.Backend,
		"sequencer", cfg.Sequencer.Enabled,
		"reversal", cfg.Reversal.Enabled,
		"metrics_addr", cfg.Metrics.Addr)
	fmt.Fprintln(cmd.OutOrStdout(), "seqd started. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "runner error", err)
	}
	logger.Info("seqd stopped gracefully")
	return nil
}

func runnerConfig(base, jitter time.Duration, logger *slog.Logger) runner.Config {
	return runner.Config{BaseDelay: base, Jitter: jitter, Logger: logger}
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: shutdownTimeout}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}
