package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/seqd/internal/config"
	"github.com/roach88/seqd/internal/ir"
	"github.com/roach88/seqd/internal/leader"
	"github.com/roach88/seqd/internal/notify"
	"github.com/roach88/seqd/internal/store"
)

// loadConfig resolves the configuration for a command: the --config file
// (or defaults) with --db and --verbose applied on top. Overriding the
// sqlite path also moves the lock and notify directories derived from it.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		cfg, err = config.Load(opts.Config)
		if err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}

	if opts.Database != "" {
		if cfg.Backend == config.BackendPostgres {
			cfg.PostgresDSN = opts.Database
		} else {
			cfg.Database = opts.Database
			cfg.LockDir, cfg.NotifyDir = "", ""
		}
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}

	cfg.Finalize()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// backend bundles the store with the coordination pieces that match it:
// flock + fsnotify next to a sqlite file, advisory locks + LISTEN on
// postgres.
type backend struct {
	cfg    config.Config
	store  *store.Store
	hub    *notify.Hub
	locker leader.Locker
	logger *slog.Logger

	bridge   *notify.FileBridge
	listener *notify.PGListener
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{cfg: cfg, hub: notify.NewHub(), logger: logger}

	switch cfg.Backend {
	case config.BackendPostgres:
		st, err := store.OpenPostgres(ctx, cfg.PostgresDSN, store.WithLogger(logger))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		b.store = st
		b.locker = leader.NewPGLocker(cfg.PostgresDSN)
		b.listener = notify.NewPGListener(cfg.PostgresDSN, b.hub,
			[]string{ir.ChannelNewEvent, ir.ChannelOutgoing},
			notify.PGListenerOptions{Logger: logger})
	default:
		b.bridge = notify.NewFileBridge(cfg.NotifyDir, b.hub, logger)
		st, err := store.Open(cfg.Database, store.WithNotifier(b.bridge), store.WithLogger(logger))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		b.store = st
		b.locker = leader.NewFileLocker(cfg.LockDir)
	}

	logger.Debug("database ready", "backend", cfg.Backend, "dialect", b.store.Dialect().String())
	return b, nil
}

// listen starts relaying notifications from other processes into the hub.
// The returned stop function waits for the relay to exit.
func (b *backend) listen(ctx context.Context) (stop func(), err error) {
	if b.bridge != nil {
		if err := b.bridge.Start(ctx); err != nil {
			return nil, fmt.Errorf("start notify bridge: %w", err)
		}
		return func() { _ = b.bridge.Close() }, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.listener.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func (b *backend) Close() {
	if err := b.store.Close(); err != nil {
		b.logger.Error("error closing database", "error", err)
	}
}
