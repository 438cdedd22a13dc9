// Package firehose reads the outgoing stream the way a subscriber does:
// from a cursor, ascending by seq, on notification or poll.
//
// Delivery is at-least-once. The cursor moves past a page only after every
// entry in it was handled, so a failed page is read again on the next pass.
package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/seqd/internal/ir"
	"github.com/roach88/seqd/internal/metrics"
	"github.com/roach88/seqd/internal/notify"
)

// Default tuning.
const (
	DefaultConcurrency  = 30
	DefaultPageSize     = 500
	DefaultPollInterval = 5 * time.Second
)

// Handler handles one outgoing entry.
type Handler func(ctx context.Context, ev ir.SequencedEvent) error

// Source is the read side of the outgoing stream. *store.Store implements
// it.
type Source interface {
	OutgoingAfter(ctx context.Context, cursor int64, limit int) ([]ir.SequencedEvent, error)
}

// Options configures a Subscriber.
type Options struct {
	// Cursor is the last seq already handled. Zero reads from the start.
	Cursor int64

	// Concurrency bounds handler calls in flight. Entries for the same DID
	// are always handled in seq order; with Concurrency 1 every entry is.
	Concurrency int

	PageSize int

	// PollInterval is how long Run waits for a notification before reading
	// anyway.
	PollInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Subscriber consumes the outgoing stream.
type Subscriber struct {
	src    Source
	hub    *notify.Hub
	opts   Options
	logger *slog.Logger
	cursor atomic.Int64
}

// NewSubscriber creates a Subscriber. hub may be nil, in which case Run
// only polls.
func NewSubscriber(src Source, hub *notify.Hub, opts Options) *Subscriber {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		src:    src,
		hub:    hub,
		opts:   opts,
		logger: logger.With("component", "firehose"),
	}
	s.cursor.Store(opts.Cursor)
	return s
}

// Cursor returns the last seq handled.
func (s *Subscriber) Cursor() int64 {
	return s.cursor.Load()
}

// Backfill handles every entry after the cursor up to the current head and
// returns. It stops at the first page with a failed entry.
func (s *Subscriber) Backfill(ctx context.Context, h Handler) error {
	for {
		page, err := s.src.OutgoingAfter(ctx, s.Cursor(), s.opts.PageSize)
		if err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
		if len(page) == 0 {
			return nil
		}

		if err := s.dispatch(ctx, page, h); err != nil {
			return fmt.Errorf("backfill from cursor %d: %w", s.Cursor(), err)
		}
		s.cursor.Store(page[len(page)-1].Seq)
		s.logger.Debug("page handled", "entries", len(page), "cursor", s.Cursor())

		if len(page) < s.opts.PageSize {
			return nil
		}
	}
}

// Run backfills, then keeps handling new entries as they are sequenced
// until ctx is cancelled or a handler fails.
func (s *Subscriber) Run(ctx context.Context, h Handler) error {
	var signal <-chan struct{}
	if s.hub != nil {
		sub := s.hub.Subscribe(ir.ChannelOutgoing)
		defer sub.Close()
		signal = sub.C()
	}

	for {
		if err := s.Backfill(ctx, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-signal:
		case <-s.opts.Clock.After(s.opts.PollInterval):
		}
	}
}

// chain tracks one entry so the next entry of the same DID can wait on it.
type chain struct {
	done   chan struct{}
	failed bool // written before done is closed
}

// dispatch handles one page. Entries are started in seq order with at most
// Concurrency in flight; an entry waits for the previous entry of its DID
// and is skipped if that one failed.
func (s *Subscriber) dispatch(ctx context.Context, page []ir.SequencedEvent, h Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	last := make(map[string]*chain)
	for _, se := range page {
		prev := last[se.Event.DID]
		cur := &chain{done: make(chan struct{})}
		last[se.Event.DID] = cur

		g.Go(func() (err error) {
			defer func() {
				cur.failed = err != nil
				close(cur.done)
			}()
			if prev != nil {
				select {
				case <-prev.done:
				case <-gctx.Done():
					return gctx.Err()
				}
				if prev.failed {
					return fmt.Errorf("seq %d: earlier entry for %s failed", se.Seq, se.Event.DID)
				}
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := h(gctx, se); err != nil {
				return fmt.Errorf("seq %d: %w", se.Seq, err)
			}
			metrics.Delivered.Inc()
			return nil
		})
	}
	return g.Wait()
}
