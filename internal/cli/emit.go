package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/seqd/internal/ir"
)

// EmitOptions holds flags for the emit command.
type EmitOptions struct {
	*RootOptions
	Type    string
	Payload string
}

// EmitResult is the committed event as reported by emit.
type EmitResult struct {
	ID          int64        `json:"id"`
	DID         string       `json:"did"`
	Type        ir.EventType `json:"type"`
	CID         string       `json:"cid"`
	CommittedAt time.Time    `json:"committed_at"`
}

func (r EmitResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "committed event %d (%s %s) cid=%s\n", r.ID, r.DID, r.Type, r.CID)
	return err
}

// NewEmitCommand creates the emit command.
func NewEmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "emit <did>",
		Short: "Commit a repository event",
		Long: `Commit a repository event through the write path.

The event is stored unsequenced and a notification is raised; a running
sequencer promotes it into the outgoing stream.

Example:
  seqd emit did:plc:alice
  seqd emit did:plc:alice --type handle --payload '{"handle":"alice.test"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Type, "type", "t", string(ir.EventAppend), "event type (append|rebase|handle|tombstone)")
	cmd.Flags().StringVarP(&opts.Payload, "payload", "p", "{}", "event payload as a JSON object")

	return cmd
}

func runEmit(opts *EmitOptions, did string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	payload, err := ir.DecodePayload([]byte(opts.Payload))
	if err != nil {
		_ = out.Error(CodeInput, "invalid payload", err.Error())
		return WrapExitError(ExitCommandError, "invalid payload", err)
	}
	in := ir.EventInput{DID: did, Type: ir.EventType(opts.Type), Payload: payload}
	if err := in.Validate(); err != nil {
		_ = out.Error(CodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid event", err)
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

	ev, err := b.store.AppendEvent(ctx, in)
	if err != nil {
		_ = out.Error(CodeStore, "append failed", err.Error())
		return WrapExitError(ExitFailure, "append failed", err)
	}
	out.VerboseLog("notified %s", ir.ChannelNewEvent)

	return out.Success(EmitResult{
		ID:          ev.ID,
		DID:         ev.DID,
		Type:        ev.Type,
		CID:         ev.CID,
		CommittedAt: ev.CommittedAt,
	})
}
