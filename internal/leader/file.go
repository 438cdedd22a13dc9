package leader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// FileLocker takes flock(2) locks on files in a directory, one file per
// lock id. The lock belongs to the open file, so it is released when the
// session is released or the process exits.
//
// Lock files are never removed: unlinking a file another process has open
// would let a third process lock a fresh inode under the same name.
type FileLocker struct {
	dir string
}

// NewFileLocker creates a locker over dir. The directory is created on
// first use.
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir}
}

// Path returns the lock file path for id.
func (l *FileLocker) Path(id int64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%d.lock", id))
}

// TryAcquire takes the lock without blocking.
func (l *FileLocker) TryAcquire(_ context.Context, id int64) (Session, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, &Error{Code: ErrCodeConnectionLost, LockID: id, Err: fmt.Errorf("ensure lock dir: %w", err)}
	}

	f, err := os.OpenFile(l.Path(id), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, &Error{Code: ErrCodeConnectionLost, LockID: id, Err: fmt.Errorf("open lock file: %w", err)}
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, &Error{Code: ErrCodeLockUnavailable, LockID: id}
		}
		return nil, &Error{Code: ErrCodeConnectionLost, LockID: id, Err: fmt.Errorf("flock: %w", err)}
	}

	// Record the holder for operators. Failure here does not affect the lock.
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}

	return &fileSession{file: f, lost: make(chan struct{})}, nil
}

type fileSession struct {
	mu   sync.Mutex
	file *os.File
	lost chan struct{}
}

// Lost never fires while the session is held: a flock cannot be revoked
// from outside the process.
func (s *fileSession) Lost() <-chan struct{} {
	return s.lost
}

func (s *fileSession) Release(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}
