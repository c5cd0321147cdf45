package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/CVDpl/go-live-logkv/internal/common"
)

// AtomicFile stages content in a TEMP file next to the target and renames it
// over the target on Commit. Until Commit returns, the target is untouched.
type AtomicFile struct {
	path     string
	tempPath string
	file     *os.File
	mu       sync.Mutex
}

// TempPath returns the staging path used for target.
func TempPath(target string) string {
	return target + common.TempMarker
}

// NewAtomicFile creates a new atomic file writer.
func NewAtomicFile(path string) (*AtomicFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := TempPath(path)
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	return &AtomicFile{
		path:     path,
		tempPath: tempPath,
		file:     file,
	}, nil
}

// Write writes data to the temporary file.
func (af *AtomicFile) Write(p []byte) (n int, err error) {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.file == nil {
		return 0, fmt.Errorf("file is closed")
	}

	return af.file.Write(p)
}

// Commit syncs and atomically renames the temporary file to the final path.
func (af *AtomicFile) Commit() error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.file == nil {
		return fmt.Errorf("file is closed")
	}

	if err := af.file.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}

	if err := af.file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	af.file = nil

	if err := os.Rename(af.tempPath, af.path); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}

	// Persist the rename itself.
	if err := SyncDir(filepath.Dir(af.path)); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}

	return nil
}

// Close removes the temporary file unless Commit already succeeded.
func (af *AtomicFile) Close() error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.file != nil {
		af.file.Close()
		af.file = nil
		os.Remove(af.tempPath)
	}

	return nil
}

// WriteFileAtomic writes data to path through an AtomicFile.
func WriteFileAtomic(path string, data []byte) error {
	af, err := NewAtomicFile(path)
	if err != nil {
		return err
	}
	defer af.Close()

	if _, err := af.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	return af.Commit()
}

// appendWrite is the append write. Tests replace it to simulate short writes.
var appendWrite = func(f *os.File, data []byte) (int, error) {
	return f.Write(data)
}

// AppendFile appends data to path, creating it if needed. With sync set the
// data is flushed with fdatasync before returning. On failure the file is cut
// back to its previous length so no partial record stays behind.
func AppendFile(path string, data []byte, sync bool) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	size := st.Size()

	rollback := func(cause error) error {
		if terr := f.Truncate(size); terr != nil {
			cause = fmt.Errorf("%w (truncate back to %d bytes: %v)", cause, size, terr)
		}
		f.Close()
		return cause
	}

	if _, err := appendWrite(f, data); err != nil {
		return rollback(err)
	}

	if sync {
		if err := Fdatasync(f); err != nil {
			return rollback(fmt.Errorf("fdatasync: %w", err))
		}
	}

	return f.Close()
}

// Fdatasync flushes file data (not necessarily metadata) to stable storage.
func Fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

// SyncDir syncs a directory to ensure file operations are persisted.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TruncateFile truncates a file to the specified size.
func TruncateFile(path string, size int64) error {
	return os.Truncate(path, size)
}
