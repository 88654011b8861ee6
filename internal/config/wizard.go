package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var defaultModels = map[string]string{
	"anthropic": "claude-3-5-sonnet-20241022",
	"openai":    "gpt-4o",
	"gemini":    "gemini-2.0-flash",
}

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for one provider profile, the default model, the session
// backend, and the log level, starting from base (or the defaults).
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	w.println("=== loom configuration ===")
	w.println("")

	provider, err := w.askChoice("Provider (anthropic/openai/gemini)", "anthropic", func(s string) error {
		if !isSupportedProvider(s) {
			return fmt.Errorf("unknown provider %s", s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	key, err := w.askChoice(fmt.Sprintf("%s API key", provider), "", func(s string) error {
		return validator.ValidateAPIKey(s, provider)
	})
	if err != nil {
		return nil, err
	}

	model, err := w.askChoice("Default model", defaultModels[provider], validator.ValidateModel)
	if err != nil {
		return nil, err
	}

	backend, err := w.askChoice("Session backend (jsonl/sqlite)", cfg.Sessions.Backend, validator.ValidateBackend)
	if err != nil {
		return nil, err
	}

	level, err := w.askChoice("Log level (debug/info/warn/error)", cfg.Logging.Level, validator.ValidateLogLevel)
	if err != nil {
		return nil, err
	}

	id := provider + "-main"
	profiles := []AIProfile{{ID: id, Provider: provider, APIKey: key, Priority: 1}}
	for _, p := range cfg.AI.Profiles {
		if p.ID != id {
			p.Priority++
			profiles = append(profiles, p)
		}
	}
	cfg.AI.Profiles = profiles
	cfg.Agent.Model = model
	cfg.Sessions.Backend = backend
	cfg.Logging.Level = level

	w.println("")
	w.println("Configuration complete!")
	return cfg, nil
}

// askChoice prompts until validate accepts the answer. An empty answer takes
// def when def is non-empty.
func (w *Wizard) askChoice(prompt, def string, validate func(string) error) (string, error) {
	for {
		if def != "" {
			fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
		} else {
			fmt.Fprintf(w.out, "%s: ", prompt)
		}
		answer, err := w.readLine()
		if err != nil {
			return "", err
		}
		if answer == "" {
			answer = def
		}
		if answer == "" {
			w.println("Error: a value is required")
			continue
		}
		if err := validate(answer); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		return answer, nil
	}
}

func (w *Wizard) println(s string) {
	fmt.Fprintln(w.out, s)
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}
