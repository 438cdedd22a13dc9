package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileBridge relays notifications between processes that share a
// directory. Notify writes <dir>/<channel>; Start watches the directory and
// publishes every written channel to the hub.
type FileBridge struct {
	dir    string
	hub    *Hub
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFileBridge creates a bridge over dir that publishes into hub.
func NewFileBridge(dir string, hub *Hub, logger *slog.Logger) *FileBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileBridge{
		dir:    dir,
		hub:    hub,
		logger: logger.With("component", "notify.file", "dir", dir),
	}
}

// Notify writes the channel file and publishes to the local hub. It
// implements store.Notifier.
func (b *FileBridge) Notify(_ context.Context, channel string) error {
	if !validChannel(channel) {
		return fmt.Errorf("notify: invalid channel name %q", channel)
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("notify: ensure dir: %w", err)
	}
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(filepath.Join(b.dir, channel), []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	b.hub.Publish(channel)
	return nil
}

// Start begins watching the directory. The watch is in place when Start
// returns; events are relayed until ctx is cancelled or Close is called.
func (b *FileBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watcher != nil {
		return fmt.Errorf("file bridge already started")
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", b.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(b.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", b.dir, err)
	}
	b.watcher = watcher

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.loop(ctx, watcher)
	return nil
}

// Close stops watching and waits for the relay loop to exit.
func (b *FileBridge) Close() error {
	b.mu.Lock()
	watcher, cancel := b.watcher, b.cancel
	b.watcher, b.cancel = nil, nil
	b.mu.Unlock()

	if watcher == nil {
		return nil
	}
	cancel()
	err := watcher.Close()
	b.wg.Wait()
	return err
}

func (b *FileBridge) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			channel := filepath.Base(event.Name)
			if !validChannel(channel) {
				continue
			}
			b.logger.Debug("notification", "channel", channel, "op", event.Op.String())
			b.hub.Publish(channel)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			b.logger.Error("fsnotify error", "error", err)
		}
	}
}

// validChannel accepts lower-case identifiers, the shape of every channel
// seqd uses and of PostgreSQL unquoted identifiers.
func validChannel(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return name[0] < '0' || name[0] > '9'
}
