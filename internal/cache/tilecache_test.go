package cache

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "map-1/16/100/200/truecolor.png", Key("map-1", 16, 100, 200, "truecolor.png"))
}

func TestSetGet(t *testing.T) {
	c, err := New(t.TempDir(), 10, 0)
	require.NoError(t, err)

	key := Key("m", 16, 1, 2, "cars.png")
	_, ok := c.Get(key)
	assert.False(t, ok)

	require.NoError(t, c.Set(key, []byte("payload")))

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)

	entries, size, _ := c.Stats()
	assert.Equal(t, 1, entries)
	assert.Equal(t, int64(len("payload")), size)
}

func TestSetOverwriteKeepsSizeAccurate(t *testing.T) {
	c, err := New(t.TempDir(), 10, 0)
	require.NoError(t, err)

	key := Key("m", 16, 1, 2, "truecolor.png")
	require.NoError(t, c.Set(key, []byte("aaaa")))
	require.NoError(t, c.Set(key, []byte("bb")))

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("bb"), got)

	entries, size, _ := c.Stats()
	assert.Equal(t, 1, entries)
	assert.Equal(t, int64(2), size)
}

func TestTTLExpiry(t *testing.T) {
	c, err := New(t.TempDir(), 10, time.Millisecond)
	require.NoError(t, err)

	key := Key("m", 16, 3, 4, "detections.geojson")
	require.NoError(t, c.Set(key, []byte("stale")))

	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(key)
	assert.False(t, ok, "entry past its ttl must miss")

	entries, size, _ := c.Stats()
	assert.Equal(t, 0, entries)
	assert.Equal(t, int64(0), size)
}

func TestIndexPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	first, err := New(dir, 10, 0)
	require.NoError(t, err)
	key := Key("m", 16, 5, 6, "truecolor.png")
	require.NoError(t, first.Set(key, []byte("survives")))

	second, err := New(dir, 10, 0)
	require.NoError(t, err)

	got, ok := second.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("survives"), got)
}

func TestMissingFileDropsIndexEntry(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 10, 0)
	require.NoError(t, err)

	key := Key("m", 16, 7, 8, "cars.png")
	require.NoError(t, c.Set(key, []byte("gone soon")))

	// Drop the backing file while leaving the index entry in place
	require.NoError(t, os.Remove(c.filePath(key)))

	_, ok := c.Get(key)
	assert.False(t, ok)

	entries, _, _ := c.Stats()
	assert.Equal(t, 0, entries)
}
