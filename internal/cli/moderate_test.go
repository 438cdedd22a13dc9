package cli

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/seqd/internal/ir"
	"github.com/roach88/seqd/internal/moderation"
)

func TestModerateCommand_TimeBoxedTakedown(t *testing.T) {
	db := tempDB(t)
	opts := &RootOptions{Format: "text", Database: db}

	before := time.Now()
	out, err := execute(t, NewModerateCommand(opts),
		"takedown", "did:plc:bob", "--by", "did:plc:mod", "--duration", "24", "--comment", "spam")
	require.NoError(t, err)
	assert.Contains(t, out, "takedown did:plc:bob by did:plc:mod (event 1)")
	assert.Contains(t, out, "scheduled reversal at")

	svc := moderation.New(openDB(t, db))
	st, err := svc.Status(t.Context(), ir.Subject{DID: "did:plc:bob"})
	require.NoError(t, err)
	assert.True(t, st.Takendown)
	require.NotNil(t, st.ReverseAt)
	assert.WithinDuration(t, before.Add(24*time.Hour), *st.ReverseAt, time.Minute)

	events, err := svc.Events(t.Context(), ir.Subject{DID: "did:plc:bob"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "spam", events[0].Comment)
}

func TestModerateCommand_RecordSubjectJSON(t *testing.T) {
	opts := &RootOptions{Format: "json", Database: tempDB(t)}
	uri := "at://did:plc:bob/app.bsky.feed.post/1"

	out, err := execute(t, NewModerateCommand(opts), "mute", "did:plc:bob", "--uri", uri, "--by", "did:plc:mod")
	require.NoError(t, err)

	var resp struct {
		Data ModerateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, ir.ActionMute, resp.Data.Event.Action)
	assert.Equal(t, uri, resp.Data.Event.Subject.URI)
	assert.True(t, resp.Data.Status.Muted)
	assert.Nil(t, resp.Data.Status.ReverseAt)
}

func TestModerateCommand_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown action", []string{"ban", "did:plc:bob", "--by", "did:plc:mod"}},
		{"duration on unmute", []string{"unmute", "did:plc:bob", "--by", "did:plc:mod", "--duration", "2"}},
		{"zero duration", []string{"takedown", "did:plc:bob", "--by", "did:plc:mod", "--duration", "0"}},
		{"overflowing duration", []string{"takedown", "did:plc:bob", "--by", "did:plc:mod", "--duration", "3000000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, NewModerateCommand(&RootOptions{Format: "text", Database: tempDB(t)}), tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, "Error [E_INPUT]")
		})
	}
}

func TestModerateCommand_RequiresModerator(t *testing.T) {
	_, err := execute(t, NewModerateCommand(&RootOptions{Format: "text", Database: tempDB(t)}), "takedown", "did:plc:bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "by")
}
