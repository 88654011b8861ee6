package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/loom/pkg/agent"
	"github.com/harun/loom/pkg/commandqueue"
	"github.com/harun/loom/pkg/hooks"
	"github.com/harun/loom/pkg/msgqueue"
	"github.com/harun/loom/pkg/session"
	"github.com/harun/loom/pkg/toolregistry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// the Gemini SDK starts the opencensus stats worker on import
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// echoModel calls echo once per user message, then answers with the echoed text.
type echoModel struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (m *echoModel) Name() string { return "echo" }

func (m *echoModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *echoModel) Generate(ctx context.Context, req agent.Request) (*agent.Response, error) {
	m.mu.Lock()
	m.calls++
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role == agent.MessageRoleTool {
		return &agent.Response{Text: "said " + last.Content}, nil
	}
	args, _ := json.Marshal(map[string]string{"text": last.Content})
	return &agent.Response{ToolCalls: []agent.ToolCall{{ID: "c", Name: "echo", Arguments: args}}}, nil
}

func testEngine(t *testing.T, model agent.Model, opts ...func(*Config)) *Engine {
	t.Helper()
	backend, err := session.NewJSONLBackend(t.TempDir())
	require.NoError(t, err)
	manager, err := session.NewManager(backend)
	require.NoError(t, err)

	tools, err := toolregistry.NewBuilder().Register(toolregistry.Definition{
		Name:        "echo",
		Description: "Echo text",
		Parameters:  []toolregistry.Parameter{{Name: "text", Type: "string", Description: "text", Required: true}},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["text"], nil
		},
	}).Build()
	require.NoError(t, err)

	cfg := Config{
		Sessions: manager,
		Model:    model,
		Tools:    tools,
		Agent:    agent.DefaultConfig(),
		Logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestNew(t *testing.T) {
	_, err := New(Config{Model: &echoModel{}})
	assert.ErrorContains(t, err, "session manager is required")
}

func TestEngine_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, &echoModel{})

	sess, err := eng.CreateSession(ctx, "alpha")
	require.NoError(t, err)

	id, err := eng.FindSession(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), id)

	result, err := eng.RunTurn(ctx, "alpha", "hello", 0)
	require.NoError(t, err)
	assert.Equal(t, "said hello", result.Text)
	assert.Equal(t, 1, result.Iterations)

	info, err := eng.Info(ctx, sess.ID())
	require.NoError(t, err)
	assert.Equal(t, 4, info.Entries)
	assert.Equal(t, 1, info.Turns)
	assert.Equal(t, 1, info.ToolCalls)

	stats, err := eng.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stats, 1)

	require.NoError(t, eng.DeleteSession(ctx, "alpha"))
	_, err = eng.FindSession(ctx, "alpha")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestEngine_BranchAndFork(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, &echoModel{})

	sess, err := eng.CreateSession(ctx, "tree")
	require.NoError(t, err)
	first, err := eng.RunTurn(ctx, sess.ID(), "one", 0)
	require.NoError(t, err)
	_, err = eng.RunTurn(ctx, sess.ID(), "two", 0)
	require.NoError(t, err)

	// Branch back to the first answer and continue from there.
	require.NoError(t, eng.BranchTo(ctx, sess.ID(), first.EntryID))
	_, err = eng.RunTurn(ctx, sess.ID(), "three", 0)
	require.NoError(t, err)

	view, err := eng.TreeView(ctx, sess.ID())
	require.NoError(t, err)
	assert.Len(t, view.Leaves, 2)
	assert.Equal(t, []string{first.EntryID}, view.BranchPoints)

	fork, err := eng.Fork(ctx, sess.ID(), first.EntryID, "")
	require.NoError(t, err)
	assert.Equal(t, "tree-fork", fork.Name())
	path, err := fork.Transcript()
	require.NoError(t, err)
	assert.Len(t, path, 4)
}

func TestEngine_Compact(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, &echoModel{})

	sess, err := eng.CreateSession(ctx, "long")
	require.NoError(t, err)
	_, err = eng.RunTurn(ctx, sess.ID(), "one", 0)
	require.NoError(t, err)
	second, err := eng.RunTurn(ctx, sess.ID(), "two", 0)
	require.NoError(t, err)

	path, err := sess.Transcript()
	require.NoError(t, err)
	require.Len(t, path, 8)

	summaryID, err := eng.Compact(ctx, sess.ID(), path[0].ID, path[3].ID, "said one")
	require.NoError(t, err)

	path, err = sess.Transcript()
	require.NoError(t, err)
	require.Len(t, path, 5)
	assert.Equal(t, summaryID, path[0].ID)
	assert.Equal(t, session.RoleSummary, path[0].Role)
	assert.Equal(t, second.EntryID, path[4].ID)

	_, err = eng.Compact(ctx, sess.ID(), "missing", "head", "x")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestEngine_QueueAndAbort(t *testing.T) {
	ctx := context.Background()
	model := &echoModel{gate: make(chan struct{})}
	eng := testEngine(t, model)

	sess, err := eng.CreateSession(ctx, "busy")
	require.NoError(t, err)

	_, err = eng.Enqueue(sess.ID(), msgqueue.KindFollowUp, "later")
	require.NoError(t, err)
	assert.Contains(t, eng.QueueStatus(sess.ID()), "1")

	done := make(chan error, 1)
	go func() {
		_, err := eng.RunTurn(ctx, sess.ID(), "block", 0)
		done <- err
	}()
	require.Eventually(t, func() bool { return eng.IsRunning(sess.ID()) }, time.Second, 5*time.Millisecond)

	assert.True(t, eng.Abort(sess.ID()))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, agent.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop after abort")
	}
	assert.False(t, eng.Abort(sess.ID()))

	followUps := eng.DrainFollowUps(sess.ID())
	require.Len(t, followUps, 1)
	assert.Equal(t, "later", followUps[0].Text)
	assert.Empty(t, eng.ClearQueue(sess.ID()))
}

func TestEngine_Hooks(t *testing.T) {
	ctx := context.Background()
	logPath := filepath.Join(t.TempDir(), "events.log")
	script := `echo "$LOOM_HOOK_EVENT $LOOM_HOOK_DATA_SESSION_ID" >> ` + logPath

	var hookList []hooks.Hook
	for _, event := range hooks.Events() {
		hookList = append(hookList, hooks.Hook{Event: event, Script: script, Enabled: true})
	}
	manager, err := hooks.NewManager(hooks.Config{Enabled: true, Hooks: hookList, Logger: zerolog.Nop()})
	require.NoError(t, err)

	eng := testEngine(t, &echoModel{}, func(c *Config) { c.Hooks = manager })

	sess, err := eng.CreateSession(ctx, "hooked")
	require.NoError(t, err)
	result, err := eng.RunTurn(ctx, sess.ID(), "hi", 0)
	require.NoError(t, err)
	require.NoError(t, eng.BranchTo(ctx, sess.ID(), result.EntryID))
	forked, err := eng.Fork(ctx, sess.ID(), result.EntryID, "")
	require.NoError(t, err)
	_, err = eng.RunTurn(ctx, sess.ID(), "", 0)
	require.Error(t, err, "nothing to resume after an answer")
	require.NoError(t, eng.DeleteSession(ctx, forked.ID()))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{
		hooks.EventSessionCreated + " " + sess.ID(),
		hooks.EventTurnCompleted + " " + sess.ID(),
		hooks.EventSessionBranched + " " + sess.ID(),
		hooks.EventSessionForked + " " + forked.ID(),
		hooks.EventTurnFailed + " " + sess.ID(),
		hooks.EventSessionDeleted + " " + forked.ID(),
	}, lines)
}

func TestEngine_HooksRunAfterCancel(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.log")
	manager, err := hooks.NewManager(hooks.Config{
		Enabled: true,
		Hooks: []hooks.Hook{{
			Event:   hooks.EventTurnFailed,
			Script:  `echo "$LOOM_HOOK_EVENT $LOOM_HOOK_DATA_SESSION_ID" >> ` + logPath,
			Enabled: true,
		}},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	eng := testEngine(t, &echoModel{}, func(c *Config) { c.Hooks = manager })

	sess, err := eng.CreateSession(context.Background(), "cancelled")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = eng.RunTurn(ctx, sess.ID(), "hi", 0)
	require.ErrorIs(t, err, agent.ErrCancelled)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, hooks.EventTurnFailed+" "+sess.ID(), strings.TrimSpace(string(data)))
}

func TestEngine_DeleteRejectsQueuedWork(t *testing.T) {
	ctx := context.Background()
	model := &echoModel{gate: make(chan struct{})}
	eng := testEngine(t, model)

	sess, err := eng.CreateSession(ctx, "doomed")
	require.NoError(t, err)

	running := make(chan error, 1)
	go func() {
		_, err := eng.RunTurn(ctx, sess.ID(), "first", 0)
		running <- err
	}()
	require.Eventually(t, func() bool { return eng.IsRunning(sess.ID()) }, time.Second, 5*time.Millisecond)

	queued := make(chan error, 1)
	go func() {
		_, err := eng.RunTurn(ctx, sess.ID(), "second", 0)
		queued <- err
	}()
	require.Eventually(t, func() bool {
		return strings.Contains(eng.QueueStatus(sess.ID()), "1 waiting for the session")
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, eng.DeleteSession(ctx, sess.ID()))

	select {
	case err := <-queued:
		assert.ErrorIs(t, err, agent.ErrCancelled)
		assert.ErrorIs(t, err, commandqueue.ErrLaneCleared)
	case <-time.After(2 * time.Second):
		t.Fatal("queued turn was not rejected")
	}
	select {
	case err := <-running:
		assert.ErrorIs(t, err, agent.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("running turn was not aborted")
	}

	_, err = eng.FindSession(ctx, sess.ID())
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Equal(t, 1, model.callCount(), "the queued turn never reached the model")
}

func TestEngine_CloseDrainsRunningWork(t *testing.T) {
	ctx := context.Background()
	model := &echoModel{gate: make(chan struct{})}
	eng := testEngine(t, model, func(c *Config) { c.ShutdownGrace = 5 * time.Second })

	sess, err := eng.CreateSession(ctx, "draining")
	require.NoError(t, err)

	turn := make(chan error, 1)
	go func() {
		_, err := eng.RunTurn(ctx, sess.ID(), "finish me", 0)
		turn <- err
	}()
	require.Eventually(t, func() bool { return eng.IsRunning(sess.ID()) }, time.Second, 5*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- eng.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a turn was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(model.gate)

	assert.NoError(t, <-turn, "the turn finishes inside the grace period")
	assert.NoError(t, <-closed)
}
