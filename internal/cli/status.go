package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/seqd/internal/ir"
	"github.com/roach88/seqd/internal/moderation"
	"github.com/roach88/seqd/internal/sequencer"
	"github.com/roach88/seqd/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Subject string
	URI     string
}

// StatusResult reports how far the outgoing stream lags the event log,
// and optionally the moderation state of one subject.
type StatusResult struct {
	CaughtUp bool        `json:"caught_up"`
	Stats    store.Stats `json:"stats"`

	Subject *ir.SubjectStatus `json:"subject,omitempty"`
}

func (r StatusResult) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "caught up:   %t\n", r.CaughtUp)
	fmt.Fprintf(w, "events:      %d\n", r.Stats.Events)
	fmt.Fprintf(w, "outgoing:    %d\n", r.Stats.Outgoing)
	fmt.Fprintf(w, "unsequenced: %d\n", r.Stats.Unsequenced)
	fmt.Fprintf(w, "head seq:    %d\n", r.Stats.HeadSeq)
	if s := r.Subject; s != nil {
		fmt.Fprintf(w, "subject %s: takendown=%t muted=%t", s.Subject, s.Takendown, s.Muted)
		if s.ReverseAt != nil {
			fmt.Fprintf(w, " reverse_at=%s", s.ReverseAt.UTC().Format(time.RFC3339))
		}
		fmt.Fprintln(w)
	}
	return nil
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sequencing progress",
		Long: `Show whether every committed event has been sequenced, with row
counts and the head of the outgoing stream.

Example:
  seqd status --db ./seqd.db
  seqd status --subject did:plc:bob --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "also show moderation status for this DID")
	cmd.Flags().StringVar(&opts.URI, "uri", "", "record URI of the subject (with --subject)")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	if opts.URI != "" && opts.Subject == "" {
		return NewExitError(ExitCommandError, "--uri requires --subject")
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	b, err := openBackend(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer b.Close()

	out := opts.formatter(cmd)
	var res StatusResult

	res.CaughtUp, err = sequencer.New(b.store, nil, sequencer.Options{}).IsCaughtUp(ctx)
	if err != nil {
		_ = out.Error(CodeStore, "status failed", err.Error())
		return WrapExitError(ExitFailure, "status failed", err)
	}
	res.Stats, err = b.store.Stats(ctx)
	if err != nil {
		_ = out.Error(CodeStore, "status failed", err.Error())
		return WrapExitError(ExitFailure, "status failed", err)
	}

	if opts.Subject != "" {
		st, err := moderation.New(b.store).Status(ctx, ir.Subject{DID: opts.Subject, URI: opts.URI})
		if err != nil {
			_ = out.Error(CodeStore, "subject status failed", err.Error())
			return WrapExitError(ExitFailure, "subject status failed", err)
		}
		res.Subject = &st
	}

	return out.Success(res)
}
