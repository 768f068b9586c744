package persistent_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sushantsondhi/raftd/persistent"
)

func TestMetadataStore_SetAndGet(t *testing.T) {
	dir := t.TempDir()
	store, err := persistent.OpenMetadataStore(dir)
	assert.NoError(t, err)

	assert.NoError(t, store.Set([]byte("key1"), []byte("val")))
	assert.NoError(t, store.Set([]byte("key2"), []byte("val")))
	assert.NoError(t, store.Set([]byte("key1"), []byte("new-val")))

	val, err := store.Get([]byte("key1"))
	assert.NoError(t, err)
	assert.Equal(t, "new-val", string(val))

	_, err = store.Get([]byte("key3"))
	assert.Error(t, err)
}

func TestMetadataStore_GetDefault(t *testing.T) {
	dir := t.TempDir()
	store, err := persistent.OpenMetadataStore(dir)
	assert.NoError(t, err)

	assert.NoError(t, store.Set([]byte("key1"), []byte("new-val")))

	val, err := store.GetDefault([]byte("key1"), []byte("new-val2"))
	assert.NoError(t, err)
	assert.Equal(t, "new-val", string(val))

	val, err = store.GetDefault([]byte("key2"), []byte("default-val"))
	assert.NoError(t, err)
	assert.Equal(t, "default-val", string(val))

	// the default is now persisted, a second GetDefault must not overwrite it
	val, err = store.GetDefault([]byte("key2"), []byte("other-default"))
	assert.NoError(t, err)
	assert.Equal(t, "default-val", string(val))
}

// TestMetadataStore_SurvivesReopen exercises the rotated metadata1/metadata2
// scheme: every Set alternates which file holds the committed state, and a
// fresh OpenMetadataStore must pick whichever file has the higher version.
func TestMetadataStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := persistent.OpenMetadataStore(dir)
	assert.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.NoError(t, store.Set([]byte("term"), []byte{byte(i)}))
	}
	assert.NoError(t, store.Close())

	reopened, err := persistent.OpenMetadataStore(dir)
	assert.NoError(t, err)
	val, err := reopened.Get([]byte("term"))
	assert.NoError(t, err)
	assert.Equal(t, []byte{4}, val)
}

func TestMetadataStore_FilesAreBounded(t *testing.T) {
	dir := t.TempDir()
	store, err := persistent.OpenMetadataStore(dir)
	assert.NoError(t, err)
	assert.NoError(t, store.Set([]byte("key"), []byte("val")))

	for _, name := range []string{"metadata1", "metadata2"} {
		info, statErr := os.Stat(filepath.Join(dir, name))
		if statErr != nil {
			continue
		}
		assert.LessOrEqual(t, info.Size(), int64(8*1024))
	}
}
