package keyValStore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *KeyValStore {
	t.Helper()
	kv, err := NewKeyValStore(StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestWriteReadDelete(t *testing.T) {
	kv := newTestStore(t)

	require.NoError(t, kv.Write([]byte("a"), []byte("1")))
	v, err := kv.Read([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, kv.Delete([]byte("a")))
	_, err = kv.Read([]byte("a"))
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestPrefixScanAndDrop(t *testing.T) {
	kv := newTestStore(t)

	require.NoError(t, kv.WriteBatch([][2][]byte{
		{[]byte("fp/1"), []byte("x")},
		{[]byte("fp/2"), []byte("y")},
		{[]byte("q/1"), []byte("z")},
	}))

	items, err := kv.GetItemsWithPrefix([]byte("fp/"))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	require.NoError(t, kv.DeletePrefix([]byte("fp/")))
	items, err = kv.GetItemsWithPrefix([]byte("fp/"))
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = kv.Read([]byte("q/1"))
	assert.NoError(t, err)

	reads, writes := kv.Counters()
	assert.NotZero(t, reads)
	assert.NotZero(t, writes)
}

func TestOnDiskStoreCreatesPath(t *testing.T) {
	dir := t.TempDir() + "/nested/index"
	kv, err := NewKeyValStore(StoreConfig{Path: dir})
	require.NoError(t, err)
	require.NoError(t, kv.Write([]byte("k"), []byte("v")))
	require.NoError(t, kv.Close())

	kv, err = NewKeyValStore(StoreConfig{Path: dir})
	require.NoError(t, err)
	defer kv.Close()
	v, err := kv.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}
