// Package diagnostics publishes store snapshots (chunk index, statistics)
// to a storage URL.
package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

// Sink receives named diagnostic documents.
type Sink interface {
	Write(ctx context.Context, name string, data []byte) error
}

// AFSSink writes documents under a base URL through afs, so any scheme afs
// supports (file://, mem://, gs://, s3://) can hold them.
type AFSSink struct {
	fs      afs.Service
	baseURL string
}

// NewAFSSink creates a sink rooted at baseURL. A plain directory path is
// accepted as well.
func NewAFSSink(baseURL string) *AFSSink {
	return &AFSSink{fs: afs.New(), baseURL: baseURL}
}

// URL returns the location name is written to.
func (s *AFSSink) URL(name string) string {
	return url.Join(s.baseURL, name)
}

// Write replaces the document name with data.
func (s *AFSSink) Write(ctx context.Context, name string, data []byte) error {
	URL := s.URL(name)
	if err := s.fs.Upload(ctx, URL, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload %s: %w", URL, err)
	}
	return nil
}

// Read returns the document name.
func (s *AFSSink) Read(ctx context.Context, name string) ([]byte, error) {
	return s.fs.DownloadWithURL(ctx, s.URL(name))
}

// WriteJSON marshals v with indentation and writes it as name.
func WriteJSON(ctx context.Context, sink Sink, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return sink.Write(ctx, name, data)
}
