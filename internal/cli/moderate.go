package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/seqd/internal/ir"
	"github.com/roach88/seqd/internal/moderation"
)

// ModerateOptions holds flags for the moderate command.
type ModerateOptions struct {
	*RootOptions
	URI       string
	CreatedBy string
	Comment   string
	Duration  int64 // hours; only applied when the flag is set
}

// ModerateResult is the recorded moderation event and the subject's state
// after it.
type ModerateResult struct {
	Event  ir.ModerationEvent `json:"event"`
	Status ir.SubjectStatus   `json:"status"`
}

func (r ModerateResult) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "%s %s by %s (event %d)\n", r.Event.Action, r.Event.Subject, r.Event.CreatedBy, r.Event.ID)
	if r.Status.ReverseAt != nil {
		fmt.Fprintf(w, "scheduled reversal at %s\n", r.Status.ReverseAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// NewModerateCommand creates the moderate command.
func NewModerateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ModerateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "moderate <action> <did>",
		Short: "Apply a moderation action to a subject",
		Long: `Record a moderation action against an account or one of its records.

Actions: takedown, reverse_takedown, mute, unmute, comment.

A takedown or mute with --duration is time-boxed: the scheduled-reversal
job reverts it once the duration has passed.

Example:
  seqd moderate takedown did:plc:bob --by did:plc:mod --duration 24
  seqd moderate mute did:plc:bob --uri at://did:plc:bob/app.post/1 --by did:plc:mod`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := moderation.ActionInput{
				Subject:   ir.Subject{DID: args[1], URI: opts.URI},
				Action:    ir.ModerationAction(args[0]),
				CreatedBy: opts.CreatedBy,
				Comment:   opts.Comment,
			}
			if cmd.Flags().Changed("duration") {
				h := opts.Duration
				in.DurationHours = &h
			}
			return runModerate(opts, in, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.URI, "uri", "", "record URI; empty targets the account")
	cmd.Flags().StringVar(&opts.CreatedBy, "by", "", "DID of the moderator (required)")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "free-form comment")
	cmd.Flags().Int64Var(&opts.Duration, "duration", 0, "hours until the action is reverted (takedown|mute)")
	_ = cmd.MarkFlagRequired("by")

	return cmd
}

func runModerate(opts *ModerateOptions, in moderation.ActionInput, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	if err := in.Validate(); err != nil {
		_ = out.Error(CodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid action", err)
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

	svc := moderation.New(b.store)
	ev, err := svc.TakeAction(ctx, in)
	if err != nil {
		_ = out.Error(CodeStore, "action failed", err.Error())
		return WrapExitError(ExitFailure, "action failed", err)
	}
	st, err := svc.Status(ctx, in.Subject)
	if err != nil {
		return WrapExitError(ExitFailure, "read status", err)
	}
	return out.Success(ModerateResult{Event: ev, Status: st})
}
