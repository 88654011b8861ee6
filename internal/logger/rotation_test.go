package logger

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "loom.log")

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(logFile)
	assert.NoError(t, err)
}

func TestRotatingWriter_Rotates(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "loom.log")

	rw, err := NewRotatingWriter(logFile, 1, 0, false)
	require.NoError(t, err)
	defer rw.Close()

	chunk := []byte(strings.Repeat("x", 600*1024))
	_, err = rw.Write(chunk)
	require.NoError(t, err)
	_, err = rw.Write(chunk)
	require.NoError(t, err)

	rotated, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	require.Len(t, rotated, 1)

	info, err := os.Stat(logFile)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestRotatingWriter_NoLimit(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "loom.log")
	rw, err := NewRotatingWriter(logFile, 0, 0, false)
	require.NoError(t, err)
	defer rw.Close()

	for i := 0; i < 3; i++ {
		_, err = rw.Write([]byte("line\n"))
		require.NoError(t, err)
	}
	rotated, _ := filepath.Glob(logFile + ".*")
	assert.Empty(t, rotated)
}

func TestRotatingWriter_Close(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "loom.log"), 1, 0, false)
	require.NoError(t, err)
	require.NoError(t, rw.Close())
	require.NoError(t, rw.Close())

	_, err = rw.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestCompressFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.log")
	require.NoError(t, os.WriteFile(path, []byte("archived"), 0644))

	require.NoError(t, compressFile(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	f, err := os.Open(path + ".gz")
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "archived", string(data))
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "loom.log")

	old := logFile + ".20200101-000000.000"
	fresh := logFile + ".20991231-000000.000"
	require.NoError(t, os.WriteFile(old, []byte("old"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0644))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))

	rw, err := NewRotatingWriter(logFile, 1, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
