package diagnostics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAFSSinkWritesFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink := NewAFSSink("file://" + dir)

	require.NoError(t, WriteJSON(ctx, sink, "files.json", []map[string]int{{"id": 1}}))
	require.NoError(t, WriteJSON(ctx, sink, "files.json", []map[string]int{{"id": 2}}))

	raw, err := os.ReadFile(filepath.Join(dir, "files.json"))
	require.NoError(t, err)

	var got []map[string]int
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, []map[string]int{{"id": 2}}, got, "documents are replaced")

	back, err := sink.Read(ctx, "files.json")
	require.NoError(t, err)
	assert.Equal(t, raw, back)
}

func TestWriteJSONMarshalError(t *testing.T) {
	err := WriteJSON(context.Background(), NewAFSSink(t.TempDir()), "bad.json", make(chan int))
	assert.Error(t, err)
}
