package config

import (
	"fmt"
	"strings"

	"github.com/harun/loom/pkg/msgqueue"
	"github.com/robfig/cron/v3"
)

// Validator checks individual configuration values and reports every
// problem in a config at once.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "gemini":
		if len(key) < 20 {
			return fmt.Errorf("invalid Gemini API key format (too short)")
		}
	default:
		return fmt.Errorf("unknown provider %s", provider)
	}
	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if strings.ContainsAny(model, " \t\n") {
		return fmt.Errorf("model name %q must not contain whitespace", model)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateMaxIterations validates the per-turn tool round limit.
func (v *Validator) ValidateMaxIterations(n int) error {
	if n <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", n)
	}
	if n > 1000 {
		return fmt.Errorf("max iterations too large (max 1000), got %d", n)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateBackend validates the session store backend.
func (v *Validator) ValidateBackend(backend string) error {
	switch backend {
	case BackendJSONL, BackendSQLite:
		return nil
	}
	return fmt.Errorf("invalid session backend: %s (must be one of: %s, %s)", backend, BackendJSONL, BackendSQLite)
}

// ValidateQueueMode validates a steering or follow-up drain mode.
func (v *Validator) ValidateQueueMode(mode msgqueue.Mode) error {
	_, err := msgqueue.ParseMode(string(mode))
	return err
}

// ValidateSchedule validates a five-field cron expression.
func (v *Validator) ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	for i, profile := range cfg.AI.Profiles {
		if profile.Provider != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
		if profile.Model != "" {
			if err := v.ValidateModel(profile.Model); err != nil {
				errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}

	a := cfg.Agent
	if err := v.ValidateModel(a.Model); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}
	if a.Temperature != 0 {
		if err := v.ValidateTemperature(a.Temperature); err != nil {
			errs = append(errs, fmt.Errorf("agent: %w", err))
		}
	}
	if a.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(a.MaxTokens); err != nil {
			errs = append(errs, fmt.Errorf("agent: %w", err))
		}
	}
	if a.MaxIterations != 0 {
		if err := v.ValidateMaxIterations(a.MaxIterations); err != nil {
			errs = append(errs, fmt.Errorf("agent: %w", err))
		}
	}
	if a.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("agent: max retries must be >= 0, got %d", a.MaxRetries))
	}
	if err := v.ValidateQueueMode(a.SteeringMode); err != nil {
		errs = append(errs, fmt.Errorf("agent.steering_mode: %w", err))
	}
	if err := v.ValidateQueueMode(a.FollowUpMode); err != nil {
		errs = append(errs, fmt.Errorf("agent.follow_up_mode: %w", err))
	}

	if err := v.ValidateBackend(cfg.Sessions.Backend); err != nil {
		errs = append(errs, err)
	}
	if cfg.Sessions.RetentionDays > 0 {
		if err := v.ValidateSchedule(cfg.Sessions.CleanupSchedule); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Tools.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("tools.timeout_seconds must be >= 0"))
	}
	if cfg.Tools.MaxOutputBytes < 0 {
		errs = append(errs, fmt.Errorf("tools.max_output_bytes must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
