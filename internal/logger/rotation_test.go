package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("should create the log file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "nia.log")

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("should create missing parent directories", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "nia.log")

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(filepath.Dir(logFile))
		assert.NoError(t, err)
	})
}

func TestRotatingWriterWrite(t *testing.T) {
	t.Run("should append without rotation below the ceiling", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "nia.log")

		rw, err := NewRotatingWriter(logFile, 1, 0, false)
		require.NoError(t, err)
		defer rw.Close()

		data := []byte("short line\n")
		n, err := rw.Write(data)
		require.NoError(t, err)
		assert.Equal(t, len(data), n)

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "short line")
	})

	t.Run("should rotate once the ceiling is crossed", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "nia.log")

		rw, err := NewRotatingWriter(logFile, 1, 0, false)
		require.NoError(t, err)
		defer rw.Close()

		// Two writes that together exceed 1MB force one rotation.
		chunk := bytes.Repeat([]byte("x"), 700*1024)
		_, err = rw.Write(chunk)
		require.NoError(t, err)
		_, err = rw.Write(chunk)
		require.NoError(t, err)

		rotated, err := filepath.Glob(logFile + ".*")
		require.NoError(t, err)
		assert.Len(t, rotated, 1)

		info, err := os.Stat(logFile)
		require.NoError(t, err)
		assert.Equal(t, int64(len(chunk)), info.Size())
	})
}
