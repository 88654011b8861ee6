package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console output", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: "info", Console: true, Output: &buf})
		require.NoError(t, err)
		defer l.Close()

		z := l.Zerolog()
		z.Debug().Msg("hidden")
		z.Info().Str("session_id", "s1").Msg("visible")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), `"session_id":"s1"`)
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "loom.log")
		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		z := l.Zerolog()
		z.Debug().Msg("to file")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to file")
	})

	t.Run("redacts configured secrets", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{
			Level:     "info",
			Console:   true,
			Output:    &buf,
			Redaction: true,
			Secrets:   []string{"plain-secret-value"},
		})
		require.NoError(t, err)
		defer l.Close()

		z := l.Zerolog()
		z.Info().Str("key", "plain-secret-value").Msg("configured")
		assert.NotContains(t, buf.String(), "plain-secret-value")
		assert.Contains(t, buf.String(), redacted)
	})

	t.Run("redacts configured patterns", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{
			Level:     "info",
			Console:   true,
			Output:    &buf,
			Redaction: true,
			Patterns:  []string{`acct-\d{6}`},
		})
		require.NoError(t, err)
		defer l.Close()

		z := l.Zerolog()
		z.Info().Str("account", "acct-123456").Msg("pattern")
		assert.NotContains(t, buf.String(), "acct-123456")
		assert.Contains(t, buf.String(), redacted)
	})

	t.Run("rejects invalid pattern", func(t *testing.T) {
		_, err := New(Config{Level: "info", Redaction: true, Patterns: []string{"("}})
		assert.ErrorContains(t, err, "invalid redact pattern")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, l.Level())
	})

	t.Run("installs global logger", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := New(Config{Level: "warn", Console: true, Output: &buf})
		require.NoError(t, err)
		log.Warn().Msg("global")
		assert.Contains(t, buf.String(), "global")
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
}
