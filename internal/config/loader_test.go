package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, env := range providerEnv {
		t.Setenv(env, "")
	}
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file is missing", func(t *testing.T) {
		clearProviderEnv(t)
		dir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, BackendJSONL, cfg.Sessions.Backend)
		assert.NotEmpty(t, cfg.DataDir)
		assert.NotEmpty(t, cfg.Sessions.Dir)
	})

	t.Run("json file", func(t *testing.T) {
		clearProviderEnv(t)
		dir := t.TempDir()
		path := filepath.Join(dir, "loom.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"data_dir": "`+filepath.ToSlash(dir)+`",
			"agent": {"model": "gpt-4o", "max_iterations": 4, "call_timeout": "30s"},
			"ai": {"profiles": [{"id": "main", "provider": "openai", "api_key": "sk-test"}]},
			"sessions": {"backend": "sqlite"}
		}`), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", cfg.Agent.Model)
		assert.Equal(t, 4, cfg.Agent.MaxIterations)
		assert.Equal(t, 30*time.Second, cfg.Agent.CallTimeout)
		assert.Equal(t, 3, cfg.Agent.MaxRetries, "unset fields keep defaults")
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "sk-test", cfg.AI.Profiles[0].APIKey)
		assert.Equal(t, BackendSQLite, cfg.Sessions.Backend)
		assert.Equal(t, filepath.Join(dir, "sessions.db"), cfg.Sessions.SQLitePath)
	})

	t.Run("yaml file", func(t *testing.T) {
		clearProviderEnv(t)
		path := filepath.Join(t.TempDir(), "loom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("agent:\n  model: gemini-2.0-flash\nlogging:\n  level: debug\n"), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, "gemini-2.0-flash", cfg.Agent.Model)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("environment overrides", func(t *testing.T) {
		clearProviderEnv(t)
		path := filepath.Join(t.TempDir(), "loom.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"agent": {"model": "from-file"}}`), 0600))
		t.Setenv("LOOM_AGENT_MODEL", "from-env")
		t.Setenv("LOOM_METRICS_ADDR", ":9100")
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Agent.Model)
		assert.Equal(t, ":9100", cfg.Metrics.Addr)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, AIProfile{ID: "anthropic-env", Provider: "anthropic", APIKey: "sk-ant-env", Priority: 1}, cfg.AI.Profiles[0])
	})

	t.Run("hooks", func(t *testing.T) {
		clearProviderEnv(t)
		path := filepath.Join(t.TempDir(), "loom.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"hooks": {"enabled": true, "hooks": [
			{"id": "notify", "event": "turn:completed", "script": "echo done", "timeout": "5s", "enabled": true}
		]}}`), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.True(t, cfg.Hooks.Enabled)
		require.Len(t, cfg.Hooks.Hooks, 1)
		assert.Equal(t, "turn:completed", cfg.Hooks.Hooks[0].Event)
		assert.Equal(t, 5*time.Second, cfg.Hooks.Hooks[0].Timeout)
	})

	t.Run("invalid json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
		_, err := NewLoader(path).Load()
		assert.ErrorContains(t, err, "failed to read config file")
	})

	t.Run("invalid values", func(t *testing.T) {
		clearProviderEnv(t)
		path := filepath.Join(t.TempDir(), "loom.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"sessions": {"backend": "redis"}}`), 0600))
		_, err := NewLoader(path).Load()
		assert.ErrorContains(t, err, "invalid session backend")
	})
}

func TestLoaderSave(t *testing.T) {
	clearProviderEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "loom.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Agent.Model = "gpt-4o"
	cfg.AI.Profiles = []AIProfile{{ID: "main", Provider: "openai", APIKey: "sk-saved", Priority: 1}}
	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", loaded.Agent.Model)
	assert.Equal(t, cfg.Agent.RetryInitialInterval, loaded.Agent.RetryInitialInterval)
	assert.Equal(t, cfg.AI.Profiles, loaded.AI.Profiles)
}

func TestLoaderWatch(t *testing.T) {
	clearProviderEnv(t)
	path := filepath.Join(t.TempDir(), "loom.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging": {"level": "info"}}`), 0600))

	loader := NewLoader(path)
	assert.Error(t, loader.Watch(func(*Config, error) {}), "watching requires a loaded config")

	_, err := loader.Load()
	require.NoError(t, err)

	changes := make(chan *Config, 4)
	require.NoError(t, loader.Watch(func(cfg *Config, err error) {
		if err != nil {
			return
		}
		select {
		case changes <- cfg:
		default:
		}
	}))

	require.NoError(t, os.WriteFile(path, []byte(`{"logging": {"level": "debug"}}`), 0600))
	select {
	case cfg := <-changes:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no config change observed")
	}
}

func TestLoaderGetConfigPath(t *testing.T) {
	assert.Equal(t, "/tmp/x.json", NewLoader("/tmp/x.json").GetConfigPath())
	assert.Equal(t, configFileName, filepath.Base(NewLoader("").GetConfigPath()))
}
