package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinksKeepAppendOrder(t *testing.T) {
	stores, err := OpenStores(t.TempDir())
	require.NoError(t, err)
	defer stores.Close()

	require.NoError(t, stores.Events.Append([]string{`{"id":1}`, `{"id":2}`}))
	require.NoError(t, stores.Events.Append([]string{`{"id":3}`}))
	require.NoError(t, stores.Audit.Append([]string{`{"id":1}`}))

	lines, err := stores.Events.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`, `{"id":3}`}, lines)

	auditLines, err := stores.Audit.LoadAll()
	require.NoError(t, err)
	assert.Len(t, auditLines, 1)

	convLines, err := stores.Conversations.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, convLines)
}

func TestSnapshotsUpsert(t *testing.T) {
	stores, err := OpenStores(t.TempDir())
	require.NoError(t, err)
	defer stores.Close()

	require.NoError(t, stores.Snapshots.Save("tasks", []byte(`{"v":1}`)))
	require.NoError(t, stores.Snapshots.Save("tasks", []byte(`{"v":2}`)))

	data, ok, err := stores.Snapshots.Load("tasks")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(data))

	_, ok, err = stores.Snapshots.Load("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
