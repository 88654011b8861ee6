package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "LOOM"
	configDirName  = ".loom"
	configFileName = "loom.json"

	// EnvProfileSuffix marks profiles built from provider environment variables.
	EnvProfileSuffix = "-env"
)

// Keys that may be overridden by LOOM_* environment variables, e.g.
// LOOM_AGENT_MODEL or LOOM_LOGGING_LEVEL.
var envKeys = []string{
	"data_dir",
	"workspace_path",
	"agent.model",
	"agent.system_prompt",
	"agent.max_iterations",
	"agent.max_retries",
	"agent.call_timeout",
	"agent.steering_mode",
	"agent.follow_up_mode",
	"sessions.backend",
	"sessions.dir",
	"sessions.sqlite_path",
	"sessions.retention_days",
	"logging.level",
	"logging.file",
	"metrics.addr",
	"tracing.enabled",
	"hooks.enabled",
}

// Provider keys read from their conventional variables when no profile is configured.
var providerEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// Loader handles configuration loading
type Loader struct {
	configPath string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a new config loader. An empty path selects ~/.loom/loom.json.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// DefaultDataDir returns ~/.loom.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, configDirName), nil
}

// Load reads the config file, if present, applies environment overrides and
// defaults, and validates the result.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := newViper(configPath)
	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	return cfg, nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	if filepath.Ext(configPath) == "" {
		v.SetConfigType("json")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	for provider, env := range providerEnv {
		_ = v.BindEnv("env_keys."+provider, env)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.AI.Profiles) == 0 {
		for i, provider := range []string{"anthropic", "openai", "gemini"} {
			if key := v.GetString("env_keys." + provider); key != "" {
				cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
					ID:       provider + EnvProfileSuffix,
					Provider: provider,
					APIKey:   key,
					Priority: i + 1,
				})
			}
		}
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	cfg.ApplyPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to the config path in the format implied by its extension.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	var values map[string]interface{}
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	v := viper.New()
	if filepath.Ext(configPath) == "" {
		v.SetConfigType("json")
	}
	if err := v.MergeConfigMap(values); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Chmod(configPath, 0600)
}

// Watch calls onChange whenever the loaded config file is rewritten. Load
// must have read a file first. A change that fails to decode or validate is
// reported with a nil config and the previous config stays in effect.
func (l *Loader) Watch(onChange func(*Config, error)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return fmt.Errorf("config must be loaded before watching")
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err != nil {
		return fmt.Errorf("cannot watch config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config file changed")
		cfg, err := decode(v)
		onChange(cfg, err)
	})
	v.WatchConfig()
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	dir, err := DefaultDataDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
