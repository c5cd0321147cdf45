package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/CVDpl/go-live-logkv/internal/common"
)

// DirLock holds an exclusive flock on a directory's LOCK file.
type DirLock struct {
	file *os.File
}

// LockDir takes the exclusive lock for dir without blocking. It fails with
// common.ErrLocked when another handle already holds it.
func LockDir(dir string) (*DirLock, error) {
	path := filepath.Join(dir, common.FileLock)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("%w: %s", common.ErrLocked, dir)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &DirLock{file: f}, nil
}

// Unlock releases the lock. It is safe to call more than once.
func (l *DirLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
