package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/loom/pkg/msgqueue"
	"github.com/harun/loom/pkg/session"
	"github.com/harun/loom/pkg/toolregistry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type step func(req Request) (*Response, error)

// scriptedModel replays steps in order; the last step repeats.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []step
	requests []Request
}

func newScriptedModel(steps ...step) *scriptedModel {
	return &scriptedModel{steps: steps}
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Generate(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	req.Messages = append([]Message(nil), req.Messages...)
	m.requests = append(m.requests, req)
	i := len(m.requests) - 1
	if i >= len(m.steps) {
		i = len(m.steps) - 1
	}
	s := m.steps[i]
	m.mu.Unlock()
	return s(req)
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func reply(text string) step {
	return func(Request) (*Response, error) { return &Response{Text: text}, nil }
}

func callTool(name, args string) step {
	n := 0
	return func(Request) (*Response, error) {
		n++
		return &Response{ToolCalls: []ToolCall{{
			ID:        name + "-" + string(rune('0'+n)),
			Name:      name,
			Arguments: json.RawMessage(args),
		}}}, nil
	}
}

func failWith(err error) step {
	return func(Request) (*Response, error) { return nil, err }
}

func testRegistry(t *testing.T, extra ...toolregistry.Definition) *toolregistry.Registry {
	t.Helper()
	b := toolregistry.NewBuilder().Register(toolregistry.Definition{
		Name:        "echo",
		Description: "Echo text",
		Parameters:  []toolregistry.Parameter{{Name: "text", Type: "string", Description: "text", Required: true}},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["text"], nil
		},
	}).Register(toolregistry.Definition{
		Name:        "fail",
		Description: "Always fails",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("disk on fire")
		},
	})
	for _, def := range extra {
		b.Register(def)
	}
	reg, err := b.Build()
	require.NoError(t, err)
	return reg
}

func testSession(t *testing.T) *session.Session {
	t.Helper()
	backend, err := session.NewJSONLBackend(t.TempDir())
	require.NoError(t, err)
	m, err := session.NewManager(backend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	s, err := m.Create(context.Background(), "test")
	require.NoError(t, err)
	return s
}

func testLoop(t *testing.T, model Model, reg *toolregistry.Registry, mutate func(*Config)) *Loop {
	t.Helper()
	agentCfg := DefaultConfig()
	agentCfg.RetryInitialInterval = time.Millisecond
	agentCfg.RetryMaxInterval = 5 * time.Millisecond
	cfg := Config{
		Model:  model,
		Tools:  reg,
		Logger: zerolog.Nop(),
		Agent:  agentCfg,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	loop, err := NewLoop(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	return loop
}

func roles(t *testing.T, s *session.Session) []session.Role {
	t.Helper()
	path, err := s.Transcript()
	require.NoError(t, err)
	out := make([]session.Role, len(path))
	for i, e := range path {
		out[i] = e.Role
	}
	return out
}

func TestNewLoop(t *testing.T) {
	_, err := NewLoop(Config{})
	assert.ErrorContains(t, err, "model is required")

	cfg := DefaultConfig()
	cfg.SteeringMode = "sometimes"
	_, err = NewLoop(Config{Model: newScriptedModel(reply("x")), Agent: cfg})
	assert.ErrorContains(t, err, "steering mode")

	loop := testLoop(t, newScriptedModel(reply("x")), nil, nil)
	assert.Zero(t, loop.Tools().Len())
	assert.Equal(t, 10, loop.Config().MaxIterations)
}

func TestNewLoop_NormalizesQueueModes(t *testing.T) {
	loop := testLoop(t, newScriptedModel(reply("x")), nil, func(cfg *Config) {
		cfg.Agent.SteeringMode = "ONE-AT-A-TIME"
		cfg.Agent.FollowUpMode = " All "
	})
	assert.Equal(t, msgqueue.ModeOneAtATime, loop.Config().SteeringMode)
	assert.Equal(t, msgqueue.ModeAll, loop.Config().FollowUpMode)

	for _, text := range []string{"a", "b"} {
		_, err := loop.Enqueue("s1", msgqueue.KindSteering, text)
		require.NoError(t, err)
	}
	drained := loop.Inbox("s1").DrainSteering()
	require.Len(t, drained, 1, "one-at-a-time drains a single message")
	assert.Equal(t, "a", drained[0].Text)
}

func TestLoop_SingleRoundTrip(t *testing.T) {
	model := newScriptedModel(callTool("echo", `{"text":"pong"}`), reply("done"))
	loop := testLoop(t, model, testRegistry(t), nil)
	s := testSession(t)

	result, err := loop.RunTurn(context.Background(), s, "ping", 5)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 1, result.ToolCalls)
	assert.Equal(t, s.Head(), result.EntryID)

	assert.Equal(t, []session.Role{
		session.RoleUser, session.RoleToolCall, session.RoleToolResult, session.RoleAssistant,
	}, roles(t, s))

	path, err := s.Transcript()
	require.NoError(t, err)
	res := path[2].Content.ToolResult
	require.NotNil(t, res)
	assert.Equal(t, "pong", res.Output)
	assert.False(t, res.IsError)
	assert.Equal(t, path[1].Content.ToolCall.CallID, res.CallID)

	require.Equal(t, 2, model.calls())
	first := model.request(0)
	assert.Len(t, first.Tools, 2)
	second := model.request(1)
	require.Len(t, second.Messages, 3)
	assert.Equal(t, MessageRoleTool, second.Messages[2].Role)
	assert.Equal(t, "pong", second.Messages[2].Content)
}

func TestLoop_IterationBound(t *testing.T) {
	model := newScriptedModel(callTool("echo", `{"text":"again"}`))
	loop := testLoop(t, model, testRegistry(t), nil)
	s := testSession(t)

	_, err := loop.RunTurn(context.Background(), s, "loop forever", 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIterationLimitExceeded)
	var turnErr *TurnError
	require.ErrorAs(t, err, &turnErr)
	assert.Equal(t, ReasonIterationLimit, turnErr.Reason)
	assert.Equal(t, 2, turnErr.Iterations)
	assert.Equal(t, 2, model.calls())

	assert.Equal(t, []session.Role{
		session.RoleUser,
		session.RoleToolCall, session.RoleToolResult,
		session.RoleToolCall, session.RoleToolResult,
	}, roles(t, s))

	// Resume from the same head without new input.
	model.mu.Lock()
	model.steps = append(model.steps, reply("finally"))
	model.mu.Unlock()
	result, err := loop.RunTurn(context.Background(), s, "", 2)
	require.NoError(t, err)
	assert.Equal(t, "finally", result.Text)
	assert.Len(t, roles(t, s), 6)
}

func TestLoop_SteeringInjection(t *testing.T) {
	model := newScriptedModel(callTool("echo", `{"text":"one"}`), reply("steered"))
	var loop *Loop
	var once sync.Once
	loop = testLoop(t, model, testRegistry(t), func(cfg *Config) {
		cfg.Observer = func(ev Event) {
			if ev.Type == EventEntry && ev.Entry.Role == session.RoleToolResult {
				once.Do(func() {
					_, err := loop.Enqueue(ev.SessionID, msgqueue.KindSteering, "focus on tests")
					assert.NoError(t, err)
					_, err = loop.Enqueue(ev.SessionID, msgqueue.KindSteering, "and be brief")
					assert.NoError(t, err)
					_, err = loop.Enqueue(ev.SessionID, msgqueue.KindFollowUp, "later")
					assert.NoError(t, err)
				})
			}
		}
	})
	s := testSession(t)

	_, err := loop.RunTurn(context.Background(), s, "start", 5)
	require.NoError(t, err)

	require.Equal(t, 2, model.calls())
	msgs := model.request(1).Messages
	last := msgs[len(msgs)-1]
	assert.Equal(t, MessageRoleUser, last.Role)
	assert.Equal(t, "focus on tests\nand be brief", last.Content)

	inbox := loop.Inbox(s.ID())
	assert.False(t, inbox.HasSteering())
	assert.True(t, inbox.HasFollowUps(), "follow-ups wait for the caller")
	assert.Equal(t, []string{"later"}, []string{loop.DrainFollowUps(s.ID())[0].Text})

	path, err := s.Transcript()
	require.NoError(t, err)
	assert.Equal(t, "steering", path[3].Metadata["queued"])
}

func TestLoop_ToolFailuresAreRecorded(t *testing.T) {
	model := newScriptedModel(
		callTool("missing_tool", `{}`),
		callTool("fail", `{}`),
		callTool("echo", `{"wrong":1}`),
		reply("recovered"),
	)
	loop := testLoop(t, model, testRegistry(t), nil)
	s := testSession(t)

	result, err := loop.RunTurn(context.Background(), s, "try", 5)
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)

	path, err := s.Transcript()
	require.NoError(t, err)
	var outputs []string
	for _, e := range path {
		if e.Role == session.RoleToolResult {
			assert.True(t, e.Content.ToolResult.IsError)
			outputs = append(outputs, e.Content.ToolResult.Output)
		}
	}
	require.Len(t, outputs, 3)
	assert.Contains(t, outputs[0], "ToolNotFound")
	assert.Contains(t, outputs[1], "ToolExecutionError")
	assert.Contains(t, outputs[1], "disk on fire")
	assert.Contains(t, outputs[2], "validation failed")

	errMsg := model.request(1).Messages[2]
	assert.True(t, errMsg.IsError)
}

func TestLoop_TransientRetry(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		overloaded := Transient(errors.New("overloaded"))
		model := newScriptedModel(failWith(overloaded), failWith(overloaded), reply("ok"))
		var retries atomic.Int32
		loop := testLoop(t, model, nil, func(cfg *Config) {
			cfg.Observer = func(ev Event) {
				if ev.Type == EventRetry {
					retries.Add(1)
				}
			}
		})
		s := testSession(t)

		result, err := loop.RunTurn(context.Background(), s, "hi", 1)
		require.NoError(t, err)
		assert.Equal(t, "ok", result.Text)
		assert.Equal(t, 3, model.calls())
		assert.EqualValues(t, 2, retries.Load())
		assert.Equal(t, []session.Role{session.RoleUser, session.RoleAssistant}, roles(t, s))
	})

	t.Run("exhausted", func(t *testing.T) {
		model := newScriptedModel(failWith(errors.New("HTTP 503 service unavailable")))
		loop := testLoop(t, model, nil, func(cfg *Config) { cfg.Agent.MaxRetries = 2 })
		s := testSession(t)

		_, err := loop.RunTurn(context.Background(), s, "hi", 1)
		assert.ErrorIs(t, err, ErrTransientProvider)
		assert.Equal(t, 3, model.calls())
		assert.Equal(t, []session.Role{session.RoleUser}, roles(t, s), "the user message survives")
	})

	t.Run("permanent", func(t *testing.T) {
		bad := errors.New("invalid api key")
		model := newScriptedModel(failWith(bad))
		loop := testLoop(t, model, nil, nil)
		s := testSession(t)

		_, err := loop.RunTurn(context.Background(), s, "hi", 1)
		assert.ErrorIs(t, err, bad)
		assert.NotErrorIs(t, err, ErrTransientProvider)
		var turnErr *TurnError
		require.ErrorAs(t, err, &turnErr)
		assert.Equal(t, ReasonProvider, turnErr.Reason)
		assert.Equal(t, StateGenerating, turnErr.State)
		assert.Equal(t, 1, model.calls())
	})

	t.Run("call timeout", func(t *testing.T) {
		slow := func(Request) (*Response, error) {
			time.Sleep(30 * time.Millisecond)
			return nil, context.DeadlineExceeded
		}
		model := newScriptedModel(slow, reply("fast"))
		loop := testLoop(t, model, nil, func(cfg *Config) { cfg.Agent.CallTimeout = 10 * time.Millisecond })
		s := testSession(t)

		result, err := loop.RunTurn(context.Background(), s, "hi", 1)
		require.NoError(t, err)
		assert.Equal(t, "fast", result.Text)
	})
}

func TestLoop_AbortDuringTool(t *testing.T) {
	started := make(chan struct{})
	var blocked atomic.Bool
	block := toolregistry.Definition{
		Name:        "block",
		Description: "Blocks until cancelled on first use",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			if blocked.CompareAndSwap(false, true) {
				close(started)
				<-ctx.Done()
				return "partial output", ctx.Err()
			}
			return "done", nil
		},
	}
	model := newScriptedModel(callTool("block", `{}`), callTool("block", `{}`), reply("resumed"))
	loop := testLoop(t, model, testRegistry(t, block), nil)
	s := testSession(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := loop.RunTurn(context.Background(), s, "go", 5)
		errCh <- err
	}()

	<-started
	headBefore := s.Head()
	assert.True(t, loop.IsRunning(s.ID()))
	assert.True(t, loop.Abort(s.ID()))

	err := <-errCh
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, loop.IsRunning(s.ID()))
	assert.False(t, loop.Abort(s.ID()))
	assert.Equal(t, headBefore, s.Head(), "head unchanged by the cancelled call")
	assert.Equal(t, []session.Role{session.RoleUser}, roles(t, s), "no tool_call recorded for a cancelled tool")

	result, err := loop.RunTurn(context.Background(), s, "", 5)
	require.NoError(t, err)
	assert.Equal(t, "resumed", result.Text)

	path, err := s.Transcript()
	require.NoError(t, err)
	assert.Equal(t, []session.Role{
		session.RoleUser,
		session.RoleToolCall,
		session.RoleToolResult,
		session.RoleAssistant,
	}, roles(t, s))
	require.Len(t, path, 4)
	assert.Equal(t, path[1].Content.ToolCall.CallID, path[2].Content.ToolResult.CallID)
	assert.Equal(t, "done", path[2].Content.ToolResult.Output)
	assert.False(t, path[2].Content.ToolResult.IsError)
}

func TestLoop_CancelledContext(t *testing.T) {
	model := newScriptedModel(reply("never"))
	loop := testLoop(t, model, nil, nil)
	s := testSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := loop.RunTurn(ctx, s, "hi", 1)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, model.calls())
	assert.Empty(t, roles(t, s))
}

func TestLoop_NothingToResume(t *testing.T) {
	model := newScriptedModel(reply("hello"))
	loop := testLoop(t, model, nil, nil)
	s := testSession(t)

	_, err := loop.RunTurn(context.Background(), s, "  ", 1)
	assert.ErrorIs(t, err, ErrNothingToResume)

	_, err = loop.RunTurn(context.Background(), s, "hi", 1)
	require.NoError(t, err)
	_, err = loop.RunTurn(context.Background(), s, "", 1)
	assert.ErrorIs(t, err, ErrNothingToResume)
	assert.Equal(t, 1, model.calls())
}

func TestLoop_SerializesTurnsPerSession(t *testing.T) {
	var active, maxActive atomic.Int32
	slow := func(Request) (*Response, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return &Response{Text: "ok"}, nil
	}
	model := newScriptedModel(slow)
	loop := testLoop(t, model, nil, nil)
	s := testSession(t)

	var wg sync.WaitGroup
	for _, text := range []string{"a", "b", "c"} {
		text := text
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := loop.RunTurn(context.Background(), s, text, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxActive.Load())
	assert.Equal(t, []session.Role{
		session.RoleUser, session.RoleAssistant,
		session.RoleUser, session.RoleAssistant,
		session.RoleUser, session.RoleAssistant,
	}, roles(t, s))
}

func TestLoop_TranscriptCarriesSystemAndAssistantText(t *testing.T) {
	withText := func(Request) (*Response, error) {
		return &Response{
			Text:      "let me check",
			ToolCalls: []ToolCall{{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"text":"x"}`)}},
		}, nil
	}
	model := newScriptedModel(withText, reply("checked"))
	loop := testLoop(t, model, testRegistry(t), func(cfg *Config) { cfg.Agent.SystemPrompt = "be brief" })
	s := testSession(t)

	_, err := s.AppendAtHead(context.Background(), session.RoleSystem, session.Text("you are a test"))
	require.NoError(t, err)
	_, err = loop.RunTurn(context.Background(), s, "check", 3)
	require.NoError(t, err)

	second := model.request(1)
	assert.Equal(t, "be brief\n\nyou are a test", second.SystemPrompt)
	require.Len(t, second.Messages, 3)
	assert.Equal(t, "let me check", second.Messages[1].Content)
	require.Len(t, second.Messages[1].ToolCalls, 1)
	assert.Equal(t, "c1", second.Messages[1].ToolCalls[0].ID)
}
