package segment

import (
	"context"
	"fmt"
	"os"

	"github.com/CVDpl/go-live-logkv/internal/common"
	"github.com/CVDpl/go-live-logkv/internal/encoding"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/access"
	"github.com/CVDpl/go-live-logkv/pkg/logkv/utils"
)

// Files performs segment I/O through an access scheduler, so every read,
// append, rewrite and delete of a path is arbitrated with the others.
type Files struct {
	sched      *access.Scheduler
	syncWrites bool
	logger     common.Logger
}

// NewFiles creates segment I/O bound to sched. With syncWrites set, appends
// are flushed with fdatasync before they are acknowledged.
func NewFiles(sched *access.Scheduler, syncWrites bool, logger common.Logger) *Files {
	return &Files{
		sched:      sched,
		syncWrites: syncWrites,
		logger:     common.OrNull(logger),
	}
}

// Scheduler returns the scheduler arbitrating this I/O.
func (f *Files) Scheduler() *access.Scheduler {
	return f.sched
}

// Read returns the payload of fi: the whole file for LOG, the file without its
// validated header for COMPACT. Missing files surface as os.ErrNotExist.
func (f *Files) Read(ctx context.Context, fi FileInfo) ([]byte, error) {
	if fi.Kind == KindTemp {
		return nil, fmt.Errorf("%w: %s", common.ErrTempSegment, fi.Name())
	}

	var data []byte
	err := f.sched.Read(ctx, fi.Path, func() error {
		var err error
		data, err = os.ReadFile(fi.Path)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fi.Name(), err)
	}

	if fi.Kind == KindCompact {
		payload, err := encoding.StripCompactHeader(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fi.Name(), err)
		}
		return payload, nil
	}
	return data, nil
}

// ReadTuples reads and decodes fi.
func (f *Files) ReadTuples(ctx context.Context, fi FileInfo) ([]encoding.Tuple, error) {
	payload, err := f.Read(ctx, fi)
	if err != nil {
		return nil, err
	}
	tuples, err := encoding.DecodeChunk(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fi.Name(), err)
	}
	return tuples, nil
}

// Append adds data to the end of the LOG file fi under write access.
func (f *Files) Append(ctx context.Context, fi FileInfo, data []byte) error {
	if fi.Kind != KindLog {
		return fmt.Errorf("append to %s segment %s", fi.Kind, fi.Name())
	}
	err := f.sched.Write(ctx, fi.Path, func() error {
		return utils.AppendFile(fi.Path, data, f.syncWrites)
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", fi.Name(), err)
	}
	return nil
}

// WriteCompact writes payload as the COMPACT file fi. The content is staged
// at fi.TempPath() and renamed into place, so fi is either absent or complete.
func (f *Files) WriteCompact(ctx context.Context, fi FileInfo, payload []byte) error {
	if fi.Kind != KindCompact {
		return fmt.Errorf("write %s segment %s as compact", fi.Kind, fi.Name())
	}
	data, err := encoding.AddCompactHeader(payload)
	if err != nil {
		return err
	}
	err = f.sched.Write(ctx, fi.Path, func() error {
		return utils.WriteFileAtomic(fi.Path, data)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", fi.Name(), err)
	}
	f.logger.Debug("wrote compact segment", "file", fi.Name(), "bytes", len(data))
	return nil
}

// Remove deletes fi under write access. A file that is already gone is not
// an error.
func (f *Files) Remove(ctx context.Context, fi FileInfo) error {
	err := f.sched.Write(ctx, fi.Path, func() error {
		if err := os.Remove(fi.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", fi.Name(), err)
	}
	return nil
}

// PayloadSize returns the payload size of fi on disk. A LOG file that does
// not exist yet has size zero.
func (f *Files) PayloadSize(fi FileInfo) (int64, error) {
	st, err := os.Stat(fi.Path)
	if err != nil {
		if os.IsNotExist(err) && fi.Kind == KindLog {
			return 0, nil
		}
		return 0, err
	}
	size := st.Size() - fi.HeaderSize()
	if size < 0 {
		size = 0
	}
	return size, nil
}
