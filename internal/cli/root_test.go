package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		cmd := NewRootCmd()
		cmd.SetArgs([]string{"--version"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "loom version")
		assert.Contains(t, output.String(), GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		cmd := NewRootCmd()
		cmd.SetArgs([]string{"--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "branchable")
		for _, name := range []string{"new", "run", "chat", "sessions", "tree", "branch", "fork", "compact", "status", "configure"} {
			assert.Contains(t, helpText, name)
		}
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := NewRootCmd()

		for _, name := range []string{"config", "data-dir", "log-level", "metrics-addr"} {
			flag := cmd.PersistentFlags().Lookup(name)
			require.NotNil(t, flag, name)
			assert.Equal(t, "", flag.DefValue)
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		cmd := NewRootCmd()
		cmd.SetArgs([]string{"bogus"})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		assert.Error(t, cmd.Execute())
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "just now"},
		{90, "1m"},
		{3 * 3600, "3h"},
		{72 * 3600, "3d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatAge(secs(tt.in)))
	}
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1.5K", formatBytes(1536))
	assert.Equal(t, "2.0M", formatBytes(2*1024*1024))
}
