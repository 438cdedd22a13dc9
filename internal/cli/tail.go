package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/seqd/internal/firehose"
	"github.com/roach88/seqd/internal/ir"
	"github.com/roach88/seqd/internal/metrics"
)

// TailOptions holds flags for the tail command.
type TailOptions struct {
	*RootOptions
	Cursor      int64
	Concurrency int
	Follow      bool
}

// TailEntry is one line of tail output.
type TailEntry struct {
	Seq     int64           `json:"seq"`
	EventID int64           `json:"event_id"`
	DID     string          `json:"did"`
	Type    ir.EventType    `json:"type"`
	CID     string          `json:"cid"`
	Payload json.RawMessage `json:"payload"`
}

// entryPrinter serializes output from concurrent handler calls.
type entryPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	asJSON bool
}

func (p *entryPrinter) handle(_ context.Context, se ir.SequencedEvent) error {
	e := TailEntry{
		Seq:     se.Seq,
		EventID: se.Event.ID,
		DID:     se.Event.DID,
		Type:    se.Event.Type,
		CID:     se.Event.CID,
		Payload: se.Event.Payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.asJSON {
		return json.NewEncoder(p.w).Encode(e)
	}
	_, err := fmt.Fprintf(p.w, "%d\t%d\t%s\t%s\t%s\n", e.Seq, e.EventID, e.DID, e.Type, e.Payload)
	return err
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Read the outgoing stream like a firehose subscriber",
		Long: `Read sequenced events after a cursor.

Without --follow, tail backfills up to the current head and exits. With
--follow it keeps reading as new events are sequenced until interrupted.
Events of one DID are always printed in seq order; with --concurrency 1
every event is.

Text output columns: seq, event id, did, type, payload.

Example:
  seqd tail --cursor 100
  seqd tail --follow --concurrency 1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Cursor, "cursor", 0, "last seq already seen; 0 reads from the start")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "handler calls in flight (overrides firehose.concurrency)")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep reading new events")

	return cmd
}

func runTail(opts *TailOptions, cmd *cobra.Command) error {
	if opts.Cursor < 0 {
		return NewExitError(ExitCommandError, "--cursor must not be negative")
	}
	if opts.Concurrency < 0 {
		return NewExitError(ExitCommandError, "--concurrency must not be negative")
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	metrics.Register()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	concurrency := cfg.Firehose.Concurrency
	if opts.Concurrency > 0 {
		concurrency = opts.Concurrency
	}
	sub := firehose.NewSubscriber(b.store, b.hub, firehose.Options{
		Cursor:       opts.Cursor,
		Concurrency:  concurrency,
		PageSize:     cfg.Firehose.PageSize,
		PollInterval: cfg.Firehose.PollInterval,
		Logger:       logger,
	})
	printer := &entryPrinter{w: cmd.OutOrStdout(), asJSON: opts.Format == "json"}
	out := opts.formatter(cmd)

	if !opts.Follow {
		if err := sub.Backfill(ctx, printer.handle); err != nil {
			return WrapExitError(ExitFailure, "backfill failed", err)
		}
		out.VerboseLog("cursor %d", sub.Cursor())
		return nil
	}

	stopListening, err := b.listen(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start notifications", err)
	}
	defer stopListening()

	err = sub.Run(ctx, printer.handle)
	out.VerboseLog("cursor %d", sub.Cursor())
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "tail failed", err)
	}
	return nil
}
