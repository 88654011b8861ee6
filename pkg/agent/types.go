package agent

import (
	"encoding/json"
	"time"

	"github.com/harun/loom/pkg/msgqueue"
	"github.com/harun/loom/pkg/toolregistry"
)

// Message roles sent to a Model.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleTool      = "tool"
)

// Message is one provider-neutral transcript item.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other *TokenUsage) {
	if u == nil || other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Request is one call to a Model.
type Request struct {
	Messages     []Message
	Tools        []toolregistry.Schema
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
}

// Response is either plain text (no ToolCalls) or a tool request. Text that
// accompanies tool calls is kept but does not end the turn.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// AgentConfig configures agent behavior
type AgentConfig struct {
	Model         string  `json:"model" mapstructure:"model"`
	Temperature   float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	SystemPrompt  string  `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
	MaxIterations int     `json:"max_iterations,omitempty" mapstructure:"max_iterations"`
	// MaxRetries bounds retries of a transient model failure after the first attempt.
	MaxRetries           int           `json:"max_retries,omitempty" mapstructure:"max_retries"`
	RetryInitialInterval time.Duration `json:"retry_initial_interval,omitempty" mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `json:"retry_max_interval,omitempty" mapstructure:"retry_max_interval"`
	// CallTimeout bounds a single model call. Zero disables it.
	CallTimeout  time.Duration `json:"call_timeout,omitempty" mapstructure:"call_timeout"`
	SteeringMode msgqueue.Mode `json:"steering_mode,omitempty" mapstructure:"steering_mode"`
	FollowUpMode msgqueue.Mode `json:"follow_up_mode,omitempty" mapstructure:"follow_up_mode"`
}

// DefaultConfig returns default agent configuration
func DefaultConfig() AgentConfig {
	return AgentConfig{
		Model:                "claude-3-5-sonnet-20241022",
		Temperature:          0.7,
		MaxTokens:            4096,
		MaxIterations:        10,
		MaxRetries:           3,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     30 * time.Second,
		CallTimeout:          2 * time.Minute,
		SteeringMode:         msgqueue.ModeAll,
		FollowUpMode:         msgqueue.ModeOneAtATime,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c AgentConfig) withDefaults() AgentConfig {
	d := DefaultConfig()
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = d.RetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = d.RetryMaxInterval
	}
	if c.SteeringMode == "" {
		c.SteeringMode = d.SteeringMode
	}
	if c.FollowUpMode == "" {
		c.FollowUpMode = d.FollowUpMode
	}
	return c
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	SessionID  string        `json:"session_id"`
	Text       string        `json:"text"`
	EntryID    string        `json:"entry_id"`
	Iterations int           `json:"iterations"`
	ToolCalls  int           `json:"tool_calls"`
	Usage      TokenUsage    `json:"usage"`
	Duration   time.Duration `json:"duration"`
}

// EstimateTokens provides a rough token count estimation
func EstimateTokens(messages []Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
		for _, tc := range msg.ToolCalls {
			totalChars += len(tc.Name) + len(tc.Arguments)
		}
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}
