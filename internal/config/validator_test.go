package config

import (
	"testing"

	"github.com/harun/loom/pkg/msgqueue"
	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		key      string
		provider string
		wantErr  bool
	}{
		{"sk-ant-abc", "anthropic", false},
		{"sk-abc", "anthropic", true},
		{"sk-abc", "openai", false},
		{"abc", "openai", true},
		{"AIzaSyA1234567890abcdefghij", "gemini", false},
		{"short", "gemini", true},
		{"", "openai", true},
		{"key", "llama", true},
	}
	for _, tt := range tests {
		t.Run(tt.provider+"/"+tt.key, func(t *testing.T) {
			err := v.ValidateAPIKey(tt.key, tt.provider)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateScalars(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateModel("claude-3-5-sonnet-20241022"))
	assert.Error(t, v.ValidateModel(" "))
	assert.Error(t, v.ValidateModel("two words"))

	assert.NoError(t, v.ValidateTemperature(0))
	assert.NoError(t, v.ValidateTemperature(1))
	assert.Error(t, v.ValidateTemperature(1.5))

	assert.NoError(t, v.ValidateMaxTokens(4096))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(300000))

	assert.NoError(t, v.ValidateMaxIterations(10))
	assert.Error(t, v.ValidateMaxIterations(0))
	assert.Error(t, v.ValidateMaxIterations(5000))

	assert.NoError(t, v.ValidateLogLevel("debug"))
	assert.Error(t, v.ValidateLogLevel("trace"))

	assert.NoError(t, v.ValidateBackend(BackendSQLite))
	assert.Error(t, v.ValidateBackend(""))

	assert.NoError(t, v.ValidateQueueMode(msgqueue.ModeOneAtATime))
	assert.Error(t, v.ValidateQueueMode("some"))

	assert.NoError(t, v.ValidateSchedule("*/15 * * * *"))
	assert.Error(t, v.ValidateSchedule("@every nonsense"))
	assert.Error(t, v.ValidateSchedule("* * *"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	assert.Empty(t, v.ValidateConfig(DefaultConfig()))

	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{{ID: "main", Provider: "anthropic", APIKey: "sk-wrong"}}
	cfg.Agent.MaxIterations = 5000
	cfg.Agent.SteeringMode = "sometimes"
	cfg.Sessions.CleanupSchedule = "daily"
	cfg.Logging.Level = "verbose"

	errs := v.ValidateConfig(cfg)
	assert.Len(t, errs, 5)
	joined := ""
	for _, err := range errs {
		joined += err.Error() + "\n"
	}
	assert.Contains(t, joined, "AI profile 0 (main)")
	assert.Contains(t, joined, "max iterations")
	assert.Contains(t, joined, "agent.steering_mode")
	assert.Contains(t, joined, "invalid cron schedule")
	assert.Contains(t, joined, "invalid log level")
}
