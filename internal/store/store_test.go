package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendAndList(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(Record{ID: 1, URL: "https://a", Status: "done", FinishedAt: time.Now()}))
	require.NoError(t, s.Append(Record{ID: 2, URL: "https://b", Status: "failed", FinishedAt: time.Now()}))

	records, err := s.List()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestStore_Clear(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(Record{ID: 1, URL: "https://a", FinishedAt: time.Now()}))
	require.NoError(t, s.Clear())

	records, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}
