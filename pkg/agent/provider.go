package agent

import (
	"context"
	"fmt"
	"strings"
)

// Model is the language model collaborator.
type Model interface {
	// Generate returns either plain text or tool calls for the transcript.
	Generate(ctx context.Context, request Request) (*Response, error)

	// Name returns the provider name
	Name() string
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // "anthropic", "openai", "gemini"
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	// Model overrides the request model for this profile.
	Model         string `json:"model,omitempty" mapstructure:"model"`
	Priority      int    `json:"priority" mapstructure:"priority"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty" mapstructure:"-"`
	FailureCount  int    `json:"failure_count" mapstructure:"-"`
}

// ProviderCreator creates models from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (Model, error)
}

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (Model, error) {
	if strings.TrimSpace(profile.APIKey) == "" {
		return nil, fmt.Errorf("profile %s: api key is required", profile.ID)
	}
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	case "gemini":
		return NewGeminiProvider(profile.APIKey, profile.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// SupportedProviders lists the provider names ProviderFactory accepts.
func SupportedProviders() []string {
	return []string{"anthropic", "openai", "gemini"}
}
