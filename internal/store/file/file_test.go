package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkAppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Append([]string{`{"id":1}`, `{"id":2}`}))
	require.NoError(t, sink.Append([]string{`{"id":3}`}))

	lines, err := sink.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`, `{"id":3}`}, lines)

	// Lines are LF-terminated JSONL on disk.
	raw, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":1}\n{\"id\":2}\n{\"id\":3}\n", string(raw))
}

func TestLoadAllMissingFileIsEmpty(t *testing.T) {
	sink, err := Open(filepath.Join(t.TempDir(), "sub", "missing.jsonl"))
	require.NoError(t, err)
	defer sink.Close()
	lines, err := sink.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestSnapshotStoreReplaceAtomically(t *testing.T) {
	dir := t.TempDir()
	s := NewSnapshotStore(filepath.Join(dir, "projections.jsonl"))

	require.NoError(t, s.Save("tasks", []byte(`{"v":1}`)))
	require.NoError(t, s.Save("other", []byte(`{"x":true}`)))
	require.NoError(t, s.Save("tasks", []byte(`{"v":2}`)))

	data, ok, err := s.Load("tasks")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(data))

	data, ok, err = s.Load("other")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"x":true}`, string(data))

	_, ok, err = s.Load("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	// No temp file left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "projections.jsonl", entries[0].Name())
}

func TestOpenStoresCreatesTrio(t *testing.T) {
	dir := t.TempDir()
	stores, err := OpenStores(dir)
	require.NoError(t, err)
	defer stores.Close()

	require.NoError(t, stores.Events.Append([]string{`{"id":1}`}))
	require.NoError(t, stores.Conversations.Append([]string{`{"id":1}`}))
	require.NoError(t, stores.Audit.Append([]string{`{"id":1}`}))

	for _, name := range []string{"events.jsonl", "conversations.jsonl", "audit.jsonl"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}
