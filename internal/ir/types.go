package ir

import (
	"fmt"
	"time"
)

// Notification channel names shared by the write path, the sequencer and
// firehose subscribers.
const (
	// ChannelNewEvent is raised by the write path for every committed event.
	ChannelNewEvent = "new_repo_event"

	// ChannelOutgoing is raised by the sequencer after each promotion.
	ChannelOutgoing = "outgoing_repo_seq"
)

// EventType classifies a committed repository event.
type EventType string

const (
	EventAppend    EventType = "append"
	EventRebase    EventType = "rebase"
	EventHandle    EventType = "handle"
	EventTombstone EventType = "tombstone"
)

// ValidEventTypes defines the event types accepted by the write path.
var ValidEventTypes = map[EventType]bool{
	EventAppend:    true,
	EventRebase:    true,
	EventHandle:    true,
	EventTombstone: true,
}

// EventInput is what the write path submits for a new committed event.
type EventInput struct {
	DID     string         `json:"did"`
	Type    EventType      `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Validate checks the input before it reaches the store.
func (in EventInput) Validate() error {
	if in.DID == "" {
		return fmt.Errorf("did is required")
	}
	if !ValidEventTypes[in.Type] {
		return fmt.Errorf("invalid event type %q", in.Type)
	}
	return nil
}

// CommittedEvent is one durable domain mutation.
// ID is assigned by the datastore and is the global commit order key.
type CommittedEvent struct {
	ID          int64     `json:"id"`
	DID         string    `json:"did"`
	Type        EventType `json:"type"`
	Payload     []byte    `json:"payload"` // canonical JSON
	CID         string    `json:"cid"`
	CommittedAt time.Time `json:"committed_at"`
}

// OutgoingEntry correlates a committed event with its position in the
// delivered stream.
type OutgoingEntry struct {
	Seq         int64     `json:"seq"`
	EventID     int64     `json:"event_id"`
	SequencedAt time.Time `json:"sequenced_at"`
}

// SequencedEvent is an outgoing entry joined with the event it points to.
// This is what firehose subscribers receive.
type SequencedEvent struct {
	Seq         int64     `json:"seq"`
	SequencedAt time.Time `json:"sequenced_at"`
	Event       CommittedEvent
}

// Subject identifies a moderation subject: an account (URI empty) or a
// record owned by the account.
type Subject struct {
	DID string `json:"did"`
	URI string `json:"uri,omitempty"`
}

func (s Subject) String() string {
	if s.URI == "" {
		return s.DID
	}
	return s.URI
}

// ModerationAction names a moderation event kind.
type ModerationAction string

const (
	ActionTakedown        ModerationAction = "takedown"
	ActionReverseTakedown ModerationAction = "reverse_takedown"
	ActionMute            ModerationAction = "mute"
	ActionUnmute          ModerationAction = "unmute"
	ActionComment         ModerationAction = "comment"
)

// reversals maps a reversible action to the action that undoes it.
var reversals = map[ModerationAction]ModerationAction{
	ActionTakedown: ActionReverseTakedown,
	ActionMute:     ActionUnmute,
}

// Reverses returns the action that undoes a, and whether a is reversible.
func Reverses(a ModerationAction) (ModerationAction, bool) {
	r, ok := reversals[a]
	return r, ok
}

// ModerationEvent is one row of moderation history.
type ModerationEvent struct {
	ID            int64            `json:"id"`
	Subject       Subject          `json:"subject"`
	Action        ModerationAction `json:"action"`
	CreatedBy     string           `json:"created_by"`
	Comment       string           `json:"comment"`
	DurationHours *int64           `json:"duration_hours,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// ReversalSubject is a subject whose time-boxed action has reached its expiry
// without being reverted.
type ReversalSubject struct {
	Subject   Subject   `json:"subject"`
	EventID   int64     `json:"event_id"`
	ReverseAt time.Time `json:"reverse_at"`
}

// RevertRequest describes the revert event written for a due subject.
// Action is the original action; the store writes its reversal.
type RevertRequest struct {
	Subject   Subject          `json:"subject"`
	EventID   int64            `json:"event_id"`
	Action    ModerationAction `json:"action"`
	CreatedBy string           `json:"created_by"`
	Comment   string           `json:"comment"`
	CreatedAt time.Time        `json:"created_at"`
}

// SubjectStatus is the current moderation state of a subject.
// ReverseAt and LastReversibleEventID are set together while a time-boxed
// action is pending reversal and cleared together when it is reverted.
type SubjectStatus struct {
	Subject               Subject    `json:"subject"`
	Takendown             bool       `json:"takendown"`
	Muted                 bool       `json:"muted"`
	ReverseAt             *time.Time `json:"reverse_at,omitempty"`
	LastReversibleEventID *int64     `json:"last_reversible_event_id,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}
