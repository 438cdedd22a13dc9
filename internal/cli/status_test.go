package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/seqd/internal/testutil"
)

func TestStatusCommand_ReportsLag(t *testing.T) {
	db := tempDB(t)
	s := openDB(t, db)
	testutil.AppendEvents(t, s, 3)

	opts := &RootOptions{Format: "text", Database: db}
	out, err := execute(t, NewStatusCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "caught up:   false")
	assert.Contains(t, out, "events:      3")
	assert.Contains(t, out, "unsequenced: 3")
	assert.Contains(t, out, "head seq:    0")

	sequenceAll(t, s)

	out, err = execute(t, NewStatusCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "caught up:   true")
	assert.Contains(t, out, "outgoing:    3")
	assert.Contains(t, out, "head seq:    3")
}

func TestStatusCommand_JSONWithSubject(t *testing.T) {
	db := tempDB(t)
	s := openDB(t, db)
	testutil.AppendEvents(t, s, 2)
	sequenceAll(t, s)

	_, err := execute(t, NewModerateCommand(&RootOptions{Format: "text", Database: db}),
		"mute", "did:plc:bob", "--by", "did:plc:mod")
	require.NoError(t, err)

	out, err := execute(t, NewStatusCommand(&RootOptions{Format: "json", Database: db}), "--subject", "did:plc:bob")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   StatusResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.CaughtUp)
	assert.Equal(t, int64(2), resp.Data.Stats.HeadSeq)
	require.NotNil(t, resp.Data.Subject)
	assert.True(t, resp.Data.Subject.Muted)
	assert.False(t, resp.Data.Subject.Takendown)
	assert.Nil(t, resp.Data.Subject.ReverseAt)
}

func TestStatusCommand_URIWithoutSubject(t *testing.T) {
	_, err := execute(t, NewStatusCommand(&RootOptions{Format: "text", Database: tempDB(t)}), "--uri", "at://x")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
