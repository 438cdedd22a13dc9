package cli

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/seqd/internal/notify"
	"github.com/roach88/seqd/internal/sequencer"
	"github.com/roach88/seqd/internal/store"
)

// syncBuffer is a bytes.Buffer safe for a command writing in the
// background while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// execute runs cmd with args and returns what it wrote to stdout.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	cmd.SetContext(context.Background())
	err := cmd.Execute()
	return out.String(), err
}

// tempDB returns a database path in a fresh temp directory.
func tempDB(t *testing.T) string {
	return filepath.Join(t.TempDir(), "seqd.db")
}

// openDB opens the database at path the way a second process would,
// relaying notifications through the same directory serve and tail watch.
func openDB(t *testing.T, path string) *store.Store {
	t.Helper()
	bridge := notify.NewFileBridge(path+".notify", notify.NewHub(), nil)
	s, err := store.Open(path, store.WithNotifier(bridge))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// sequenceAll promotes every committed event.
func sequenceAll(t *testing.T, s *store.Store) {
	t.Helper()
	_, err := sequencer.New(s, nil, sequencer.Options{}).SequenceOutgoing(context.Background())
	require.NoError(t, err)
}
