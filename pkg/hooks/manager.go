package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Lifecycle events a hook can subscribe to.
const (
	EventSessionCreated   = "session:created"
	EventSessionDeleted   = "session:deleted"
	EventSessionBranched  = "session:branched"
	EventSessionForked    = "session:forked"
	EventSessionCompacted = "session:compacted"
	EventTurnCompleted    = "turn:completed"
	EventTurnFailed       = "turn:failed"
)

const envPrefix = "LOOM_HOOK_"

var knownEvents = map[string]bool{
	EventSessionCreated:   true,
	EventSessionDeleted:   true,
	EventSessionBranched:  true,
	EventSessionForked:    true,
	EventSessionCompacted: true,
	EventTurnCompleted:    true,
	EventTurnFailed:       true,
}

// Events lists the lifecycle events in a stable order.
func Events() []string {
	events := make([]string, 0, len(knownEvents))
	for e := range knownEvents {
		events = append(events, e)
	}
	sort.Strings(events)
	return events
}

// Hook runs Script through /bin/sh when Event fires.
type Hook struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event"`
	Script  string        `json:"script" mapstructure:"script"`
	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
}

// Config configures a Hook manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
	// Dir is the working directory for scripts; empty means the process's.
	Dir string
}

// Manager executes configured hooks for lifecycle events.
type Manager struct {
	enabled bool
	dir     string
	logger  zerolog.Logger

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook
}

// NewManager creates a hook manager. Unknown events are rejected so a typo
// does not silently disable a hook.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		enabled:      cfg.Enabled,
		dir:          cfg.Dir,
		logger:       cfg.Logger.With().Str("component", "hooks").Logger(),
		hooksByEvent: make(map[string][]Hook),
	}

	if !cfg.Enabled {
		return manager, nil
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if !knownEvents[event] {
			return nil, fmt.Errorf("unknown hook event %q (known: %s)", event, strings.Join(Events(), ", "))
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		if hook.Timeout < 0 {
			return nil, fmt.Errorf("hook timeout for event %q cannot be negative", event)
		}
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

// Len returns the number of active hooks.
func (m *Manager) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, hooks := range m.hooksByEvent {
		n += len(hooks)
	}
	return n
}

// Trigger executes hooks registered for an event, in configuration order.
// Every hook runs; failures are joined.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil || !m.enabled {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event is required")
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	var errs []error
	for _, hook := range hooks {
		if err := m.executeHook(ctx, event, hook, data); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Notify triggers event and logs failures instead of returning them.
func (m *Manager) Notify(ctx context.Context, event string, data map[string]interface{}) {
	if err := m.Trigger(ctx, event, data); err != nil {
		m.logger.Warn().Err(err).Str("event", event).Msg("Hook failed")
	}
}

func (m *Manager) executeHook(ctx context.Context, event string, hook Hook, data map[string]interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}

	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = event
	}

	runCtx := ctx
	cancel := func() {}
	if hook.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, hook.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(event, data)
	cmd.Dir = m.dir

	start := time.Now()
	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hookID, err, outputText)
		}
		return fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	m.logger.Debug().
		Str("event", event).
		Str("hook_id", hookID).
		Dur("duration", time.Since(start)).
		Str("output", outputText).
		Msg("Hook executed")
	return nil
}

// buildHookEnvironment exposes the event as LOOM_HOOK_EVENT and each data
// key as LOOM_HOOK_DATA_<KEY>.
func buildHookEnvironment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, envPrefix+"EVENT="+event)

	if len(data) == 0 {
		return env
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := envPrefix + "DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
