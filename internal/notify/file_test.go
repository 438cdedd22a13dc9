package notify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBridge_RelaysAcrossBridges(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Two bridges on one directory stand in for two processes.
	writerHub, readerHub := NewHub(), NewHub()
	writer := NewFileBridge(dir, writerHub, nil)
	reader := NewFileBridge(dir, readerHub, nil)
	require.NoError(t, reader.Start(ctx))
	defer reader.Close()

	sub := readerHub.Subscribe("new_repo_event")
	defer sub.Close()

	require.NoError(t, writer.Notify(ctx, "new_repo_event"))

	select {
	case <-sub.C():
	case <-time.After(5 * time.Second):
		t.Fatal("notification did not cross the file bridge")
	}

	_, err := os.Stat(filepath.Join(dir, "new_repo_event"))
	assert.NoError(t, err)
}

func TestFileBridge_NotifyPublishesLocally(t *testing.T) {
	hub := NewHub()
	b := NewFileBridge(t.TempDir(), hub, nil)
	sub := hub.Subscribe("outgoing_repo_seq")
	defer sub.Close()

	require.NoError(t, b.Notify(context.Background(), "outgoing_repo_seq"))
	assert.True(t, received(sub))
}

func TestFileBridge_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	hub := NewHub()
	b := NewFileBridge(dir, hub, nil)
	require.NoError(t, b.Start(context.Background()))
	defer b.Close()

	sub := hub.Subscribe("Notes.txt")
	defer sub.Close()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Notes.txt"), []byte("x"), 0o644))

	select {
	case <-sub.C():
		t.Fatal("foreign file must not be relayed")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFileBridge_StartTwice(t *testing.T) {
	b := NewFileBridge(t.TempDir(), NewHub(), nil)
	require.NoError(t, b.Start(context.Background()))
	defer b.Close()
	assert.Error(t, b.Start(context.Background()))
}

func TestFileBridge_CloseWithoutStart(t *testing.T) {
	b := NewFileBridge(t.TempDir(), NewHub(), nil)
	assert.NoError(t, b.Close())
}

func TestFileBridge_RejectsInvalidChannel(t *testing.T) {
	b := NewFileBridge(t.TempDir(), NewHub(), nil)
	err := b.Notify(context.Background(), "../escape")
	require.Error(t, err)
}

func TestValidChannel(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"new_repo_event", true},
		{"outgoing_repo_seq", true},
		{"ch2", true},
		{"", false},
		{"2ch", false},
		{"Upper", false},
		{"a.b", false},
		{"a/b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, validChannel(tt.name), tt.name)
	}
}
