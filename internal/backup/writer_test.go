package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "20230601T120000Z-1.gpx")

	require.NoError(t, WriteAtomic(path, []byte("<gpx/>")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<gpx/>", string(data))

	// No temp files may survive a successful commit.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteAtomicOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "20230601T120000Z-1.gpx")
	require.NoError(t, WriteAtomic(path, []byte("old")))
	require.NoError(t, WriteAtomic(path, []byte("new")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestWriteAtomicMissingDirectory(t *testing.T) {
	err := WriteAtomic(filepath.Join(t.TempDir(), "nope", "f.gpx"), []byte("x"))
	assert.Error(t, err)
}
