package segment

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/CVDpl/go-live-logkv/internal/common"
)

// Kind classifies a segment file.
type Kind uint8

const (
	// KindLog is an append-only file without a header.
	KindLog Kind = 1
	// KindCompact is a rewritten file carrying the 4-byte header.
	KindCompact Kind = 2
	// KindTemp is a staged write that has not been renamed into place.
	KindTemp Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindCompact:
		return "compact"
	case KindTemp:
		return "temp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText renders the kind by name in JSON snapshots.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

var namePattern = regexp.MustCompile(`^(` + common.FilePrefix + `(\d+))(?:\.(\d+))?` +
	regexp.QuoteMeta(common.FileSuffix) + `(` + regexp.QuoteMeta(common.TempMarker) + `?)$`)

// FileInfo identifies one segment file.
type FileInfo struct {
	Kind      Kind   `json:"kind"`
	Base      string `json:"base"`
	Timestamp int64  `json:"timestamp"`
	Version   int    `json:"version"`
	Path      string `json:"path"`
}

// Parse classifies name, a file inside dir. ok is false for files that are
// not segments (LOCK, diagnostics, anything else).
func Parse(dir, name string) (FileInfo, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return FileInfo{}, false
	}

	ts, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return FileInfo{}, false
	}

	fi := FileInfo{
		Kind:      KindLog,
		Base:      m[1],
		Timestamp: ts,
		Path:      filepath.Join(dir, name),
	}
	if m[3] != "" {
		v, err := strconv.Atoi(m[3])
		if err != nil || v < 1 {
			return FileInfo{}, false
		}
		fi.Kind = KindCompact
		fi.Version = v
	}
	if m[4] != "" {
		fi.Kind = KindTemp
	}
	return fi, true
}

// NewLog returns the LOG file for base timestamp ts in dir.
func NewLog(dir string, ts int64) FileInfo {
	base := fmt.Sprintf("%s%d", common.FilePrefix, ts)
	return FileInfo{
		Kind:      KindLog,
		Base:      base,
		Timestamp: ts,
		Path:      filepath.Join(dir, base+common.FileSuffix),
	}
}

// Name returns the file name of fi.
func (fi FileInfo) Name() string {
	return filepath.Base(fi.Path)
}

// Dir returns the directory holding fi.
func (fi FileInfo) Dir() string {
	return filepath.Dir(fi.Path)
}

// Next returns the COMPACT file that supersedes fi: the same base name at the
// next version.
func (fi FileInfo) Next() FileInfo {
	v := fi.Version + 1
	return FileInfo{
		Kind:      KindCompact,
		Base:      fi.Base,
		Timestamp: fi.Timestamp,
		Version:   v,
		Path:      filepath.Join(fi.Dir(), fmt.Sprintf("%s.%d%s", fi.Base, v, common.FileSuffix)),
	}
}

// TempPath returns the staging path used when writing fi.
func (fi FileInfo) TempPath() string {
	return fi.Path + common.TempMarker
}

// HeaderSize returns the number of bytes on disk that precede the payload.
func (fi FileInfo) HeaderSize() int64 {
	if fi.Kind == KindCompact {
		return common.HeaderSize
	}
	return 0
}

// Less orders files by base timestamp, then version.
func Less(a, b FileInfo) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Version < b.Version
}

// Sort orders files by base timestamp, then version.
func Sort(files []FileInfo) {
	sort.SliceStable(files, func(i, j int) bool { return Less(files[i], files[j]) })
}
