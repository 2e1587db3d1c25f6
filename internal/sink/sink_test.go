package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBitmap(t *testing.T) {
	done := []bool{true, false, true, true, false, false, false, false, true}
	encoded := EncodeBitmap(done)

	decoded, err := DecodeBitmap(encoded, len(done))
	require.NoError(t, err)
	assert.Equal(t, done, decoded)
}

func TestSaveLoadManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	savePath := filepath.Join(dir, "file.bin")

	m := Manifest{
		URL:       "https://example.com/file.bin",
		Total:     1024,
		ChunkSize: 256,
		ETag:      "abc123",
		Bitmap:    EncodeBitmap([]bool{true, false, true, false}),
	}

	require.NoError(t, SaveManifest(savePath, m))

	loaded, err := LoadManifest(savePath)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)

	require.NoError(t, DeleteManifest(savePath))
	_, err = os.Stat(ManifestPath(savePath))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadManifest_BadMagic(t *testing.T) {
	dir := t.TempDir()
	savePath := filepath.Join(dir, "file.bin")

	require.NoError(t, os.WriteFile(ManifestPath(savePath), []byte("not a manifest"), 0o644))

	_, err := LoadManifest(savePath)
	assert.Error(t, err)
}

func TestConsistent(t *testing.T) {
	m := Manifest{URL: "u", Total: 100, ChunkSize: 10, ETag: "e1"}

	assert.True(t, Consistent(m, "u", 100, 10, "e1"))
	assert.True(t, Consistent(m, "u", 100, 10, "")) // advisory etag
	assert.False(t, Consistent(m, "u", 200, 10, "e1"))
	assert.False(t, Consistent(m, "u", 100, 10, "e2"))
}

func TestSinkWriteAndFinalize(t *testing.T) {
	dir := t.TempDir()
	savePath := filepath.Join(dir, "file.bin")

	s, err := Open(savePath, "https://example.com/f", 10, 5, "", 2)
	require.NoError(t, err)

	require.NoError(t, s.WriteAt(0, []byte("hello")))
	s.MarkRangeDone(0, true)
	assert.Equal(t, int64(5), s.BytesWritten())

	require.NoError(t, s.WriteAt(5, []byte("world")))
	s.MarkRangeDone(1, true)

	require.NoError(t, s.Finalize())

	data, err := os.ReadFile(savePath)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(data))

	_, err = os.Stat(ManifestPath(savePath))
	assert.True(t, os.IsNotExist(err))
}
