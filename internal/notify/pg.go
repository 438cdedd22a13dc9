package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juju/clock"
)

// PGListenerOptions configures a PGListener.
type PGListenerOptions struct {
	// RetryDelay is the wait between reconnect attempts. Default 1s.
	RetryDelay time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
}

// PGListener holds a dedicated PostgreSQL connection that LISTENs on a set
// of channels and publishes every notification to a hub.
type PGListener struct {
	dsn      string
	hub      *Hub
	channels []string
	opts     PGListenerOptions
	logger   *slog.Logger
}

// NewPGListener creates a listener. Run must be called to connect.
func NewPGListener(dsn string, hub *Hub, channels []string, opts PGListenerOptions) *PGListener {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PGListener{
		dsn:      dsn,
		hub:      hub,
		channels: channels,
		opts:     opts,
		logger:   logger.With("component", "notify.pg"),
	}
}

// Run listens until ctx is cancelled, reconnecting after connection loss.
// After every (re)connect it publishes each channel once, so receivers
// re-read anything they may have missed while disconnected.
func (l *PGListener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("listener disconnected", "error", err, "retry_in", l.opts.RetryDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-l.opts.Clock.After(l.opts.RetryDelay):
		}
	}
}

func (l *PGListener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	for _, ch := range l.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	l.logger.Info("listening", "channels", l.channels)

	for _, ch := range l.channels {
		l.hub.Publish(ch)
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.hub.Publish(n.Channel)
	}
}
