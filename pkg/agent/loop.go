package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/internal/tracing"
	"github.com/harun/loom/pkg/commandqueue"
	"github.com/harun/loom/pkg/msgqueue"
	"github.com/harun/loom/pkg/session"
	"github.com/harun/loom/pkg/toolregistry"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "loom.agent"

// EventType identifies what an Event reports.
type EventType string

const (
	EventState EventType = "state"
	EventEntry EventType = "entry"
	EventRetry EventType = "retry"
)

// Event is delivered to an Observer as a turn progresses.
type Event struct {
	Type      EventType
	SessionID string
	State     State
	Entry     *session.Entry
	Iteration int
	Delay     time.Duration
	Err       error
}

// Observer receives turn progress. It runs on the turn goroutine and must not
// block.
type Observer func(Event)

// Config holds loop dependencies.
type Config struct {
	Model Model
	Tools *toolregistry.Registry
	// CommandQueue serializes turns per session. When nil the loop owns a
	// private queue closed by Close.
	CommandQueue *commandqueue.CommandQueue
	Logger       zerolog.Logger
	Agent        AgentConfig
	Observer     Observer
	WorkspaceDir string
}

// Loop drives turns: generate, dispatch tools, repeat until the model answers
// in plain text. One turn per session runs at a time.
type Loop struct {
	model        Model
	tools        *toolregistry.Registry
	commandQueue *commandqueue.CommandQueue
	ownsQueue    bool
	logger       zerolog.Logger
	cfg          AgentConfig
	observer     Observer
	workspaceDir string

	mu         sync.Mutex
	inboxes    map[string]*msgqueue.Queue
	activeRuns map[string]*activeRun
}

type activeRun struct {
	cancel context.CancelFunc
}

// NewLoop creates a turn loop.
func NewLoop(cfg Config) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	tools := cfg.Tools
	if tools == nil {
		empty, err := toolregistry.NewBuilder().Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build empty registry: %w", err)
		}
		tools = empty
	}
	agentCfg := cfg.Agent.withDefaults()
	steering, err := msgqueue.ParseMode(string(agentCfg.SteeringMode))
	if err != nil {
		return nil, fmt.Errorf("invalid steering mode: %w", err)
	}
	followUp, err := msgqueue.ParseMode(string(agentCfg.FollowUpMode))
	if err != nil {
		return nil, fmt.Errorf("invalid follow-up mode: %w", err)
	}
	agentCfg.SteeringMode = steering
	agentCfg.FollowUpMode = followUp

	queue := cfg.CommandQueue
	owns := false
	if queue == nil {
		queue = commandqueue.New()
		owns = true
	}

	return &Loop{
		model:        cfg.Model,
		tools:        tools,
		commandQueue: queue,
		ownsQueue:    owns,
		logger:       cfg.Logger,
		cfg:          agentCfg,
		observer:     cfg.Observer,
		workspaceDir: cfg.WorkspaceDir,
		inboxes:      make(map[string]*msgqueue.Queue),
		activeRuns:   make(map[string]*activeRun),
	}, nil
}

// Close releases the loop's private command queue, if any.
func (l *Loop) Close() error {
	if l.ownsQueue {
		return l.commandQueue.Close()
	}
	return nil
}

// Config returns the effective agent configuration.
func (l *Loop) Config() AgentConfig {
	return l.cfg
}

// Tools returns the registry the loop dispatches to.
func (l *Loop) Tools() *toolregistry.Registry {
	return l.tools
}

// LaneFor names the command queue lane that serializes a session's turns.
func LaneFor(sessionID string) string {
	return "session-" + sessionID
}

// Inbox returns the session's pending message queue, creating it on first use.
func (l *Loop) Inbox(sessionID string) *msgqueue.Queue {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.inboxes[sessionID]
	if !ok {
		q = msgqueue.New()
		q.SetModes(l.cfg.SteeringMode, l.cfg.FollowUpMode)
		l.inboxes[sessionID] = q
	}
	return q
}

// Enqueue adds a steering or follow-up message for a session.
func (l *Loop) Enqueue(sessionID string, kind msgqueue.Kind, text string) (msgqueue.Message, error) {
	return l.Inbox(sessionID).Enqueue(kind, text)
}

// DrainFollowUps removes pending follow-ups per the follow-up mode.
func (l *Loop) DrainFollowUps(sessionID string) []msgqueue.Message {
	return l.Inbox(sessionID).DrainFollowUps()
}

// Forget drops a session's inbox.
func (l *Loop) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inboxes, sessionID)
}

// Abort cancels the running turn of a session. It reports whether a turn was running.
func (l *Loop) Abort(sessionID string) bool {
	l.mu.Lock()
	run, ok := l.activeRuns[sessionID]
	l.mu.Unlock()
	if !ok {
		l.logger.Debug().Str("session_id", sessionID).Msg("No active turn to abort")
		return false
	}
	l.logger.Info().Str("session_id", sessionID).Msg("Aborting turn")
	run.cancel()
	return true
}

// IsRunning reports whether a turn is executing for the session.
func (l *Loop) IsRunning(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.activeRuns[sessionID]
	return ok
}

// RunTurn appends text as a user entry and drives the session until the model
// answers in plain text. Empty text resumes from the current head. At most
// maxIterations model calls may request tools; zero uses the configured
// limit. Failures are *TurnError values wrapping ErrIterationLimitExceeded,
// ErrCancelled, ErrTransientProvider or the underlying error.
func (l *Loop) RunTurn(ctx context.Context, sess *session.Session, text string, maxIterations int) (TurnResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if sess == nil {
		return TurnResult{}, fmt.Errorf("session is required")
	}
	sessionID := sess.ID()
	ctx = tracing.NewTurnContext(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"agent.run_turn",
		attribute.String("session_id", sessionID),
		attribute.Int("max_iterations", maxIterations),
	)
	defer span.End()

	value, err := l.commandQueue.EnqueueWithContext(ctx, LaneFor(sessionID), func(taskCtx context.Context) (interface{}, error) {
		return l.runTurn(taskCtx, sess, text, maxIterations)
	}, &commandqueue.TaskOptions{
		WarnAfter: 5 * time.Second,
		OnWait: func(wait time.Duration, queuePos int) {
			logger := tracing.LoggerFromContext(ctx, l.logger)
			logger.Info().
				Dur("waited", wait).
				Int("position", queuePos).
				Msg("Turn waiting for session lane")
		},
	})
	if err != nil {
		var turnErr *TurnError
		if !errors.As(err, &turnErr) && isQueueCancellation(err) {
			err = &TurnError{
				SessionID: sessionID,
				State:     StateAwaitingInput,
				Reason:    ReasonCancelled,
				Err:       fmt.Errorf("%w: %w", ErrCancelled, err),
			}
		}
		return TurnResult{}, tracing.FailSpan(span, err)
	}
	result, _ := value.(TurnResult)
	span.SetAttributes(attribute.Int("iterations", result.Iterations))
	return result, nil
}

func isQueueCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, commandqueue.ErrClosed) ||
		errors.Is(err, commandqueue.ErrLaneCleared)
}

func (l *Loop) runTurn(ctx context.Context, sess *session.Session, text string, maxIterations int) (TurnResult, error) {
	sessionID := sess.ID()
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := &activeRun{cancel: cancel}
	l.mu.Lock()
	l.activeRuns[sessionID] = run
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		if l.activeRuns[sessionID] == run {
			delete(l.activeRuns, sessionID)
		}
		l.mu.Unlock()
	}()

	if maxIterations <= 0 {
		maxIterations = l.cfg.MaxIterations
	}
	t := &turn{
		loop:          l,
		sess:          sess,
		logger:        tracing.LoggerFromContext(ctx, l.logger),
		maxIterations: maxIterations,
	}

	result, err := t.run(ctx, text)
	outcome := string(StateDone)
	if err != nil {
		outcome = ReasonSession
		var turnErr *TurnError
		if errors.As(err, &turnErr) {
			outcome = turnErr.Reason
		}
		t.logger.Warn().Err(err).Int("iterations", t.iterations).Msg("Turn failed")
	} else {
		t.logger.Info().
			Int("iterations", t.iterations).
			Int("tool_calls", t.toolCalls).
			Dur("duration", time.Since(start)).
			Msg("Turn completed")
	}
	observability.RecordTurn(outcome, time.Since(start), t.iterations)
	result.Duration = time.Since(start)
	return result, err
}

// turn holds the state of one RunTurn invocation.
type turn struct {
	loop          *Loop
	sess          *session.Session
	logger        zerolog.Logger
	maxIterations int

	state      State
	iterations int
	toolCalls  int
	usage      TokenUsage
}

func (t *turn) run(ctx context.Context, text string) (TurnResult, error) {
	t.setState(StateAwaitingInput)
	if ctx.Err() != nil {
		return TurnResult{}, t.cancelled(ctx)
	}

	closed, err := t.sess.CloseDanglingCall(ctx, session.InterruptedOutput)
	if err != nil {
		return TurnResult{}, t.fail(ReasonSession, fmt.Errorf("failed to close interrupted tool call: %w", err))
	}
	if closed {
		t.logger.Info().Msg("Answered interrupted tool call")
		t.emitHead()
	}

	if strings.TrimSpace(text) != "" {
		if _, err := t.append(ctx, session.RoleUser, session.Text(text), nil); err != nil {
			return TurnResult{}, t.fail(ReasonSession, err)
		}
	} else if !t.resumable() {
		return TurnResult{}, t.fail(ReasonInput, ErrNothingToResume)
	}

	for {
		if ctx.Err() != nil {
			return TurnResult{}, t.cancelled(ctx)
		}

		t.setState(StateGenerating)
		resp, err := t.generate(ctx)
		if err != nil {
			return TurnResult{}, t.generateFailed(ctx, err)
		}
		t.usage.Add(resp.Usage)
		if ctx.Err() != nil {
			return TurnResult{}, t.cancelled(ctx)
		}

		if len(resp.ToolCalls) == 0 {
			entry, err := t.append(ctx, session.RoleAssistant, session.Text(resp.Text), nil)
			if err != nil {
				return TurnResult{}, t.fail(ReasonSession, err)
			}
			t.setState(StateDone)
			return TurnResult{
				SessionID:  t.sess.ID(),
				Text:       resp.Text,
				EntryID:    entry.ID,
				Iterations: t.iterations,
				ToolCalls:  t.toolCalls,
				Usage:      t.usage,
			}, nil
		}

		t.iterations++
		t.setState(StateDispatchingTools)
		for i, call := range resp.ToolCalls {
			assistantText := ""
			if i == 0 {
				assistantText = resp.Text
			}
			if err := t.dispatch(ctx, call, assistantText); err != nil {
				return TurnResult{}, err
			}
		}

		if t.iterations >= t.maxIterations {
			return TurnResult{}, t.fail(ReasonIterationLimit,
				fmt.Errorf("%w: %d model calls requested tools", ErrIterationLimitExceeded, t.iterations))
		}
		if err := t.checkpoint(ctx); err != nil {
			return TurnResult{}, err
		}
	}
}

// resumable reports whether an empty-input turn has something to answer.
func (t *turn) resumable() bool {
	head := t.sess.Head()
	if head == "" {
		return false
	}
	e, err := t.sess.Get(head)
	if err != nil {
		return false
	}
	return e.Role != session.RoleAssistant
}

func (t *turn) generate(ctx context.Context) (*Response, error) {
	l := t.loop
	path, err := t.sess.Transcript()
	if err != nil {
		return nil, fmt.Errorf("failed to build transcript: %w", err)
	}
	system, messages := BuildTranscript(path, l.cfg.SystemPrompt)
	request := Request{
		Messages:     messages,
		Tools:        l.tools.Schemas(),
		SystemPrompt: system,
		Model:        l.cfg.Model,
		Temperature:  l.cfg.Temperature,
		MaxTokens:    l.cfg.MaxTokens,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryInitialInterval
	b.MaxInterval = l.cfg.RetryMaxInterval

	provider := l.model.Name()
	attempts := 0
	operation := func() (*Response, error) {
		attempts++
		resp, err := t.callModel(ctx, request)
		if err == nil {
			observability.RecordModelCall(provider, true)
			return resp, nil
		}
		observability.RecordModelCall(provider, false)
		if ctx.Err() != nil || !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, delay time.Duration) {
		observability.RecordModelRetry(provider)
		t.logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Dur("delay", delay).
			Msg("Retrying model call after transient error")
		t.emit(Event{Type: EventRetry, Delay: delay, Err: err})
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(l.cfg.MaxRetries+1)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if ctx.Err() == nil && IsTransient(err) {
			return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrTransientProvider, attempts, err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("model %s returned no response", provider)
	}
	return resp, nil
}

func (t *turn) callModel(ctx context.Context, request Request) (*Response, error) {
	if t.loop.cfg.CallTimeout <= 0 {
		return t.loop.model.Generate(ctx, request)
	}
	callCtx, cancel := context.WithTimeout(ctx, t.loop.cfg.CallTimeout)
	defer cancel()
	resp, err := t.loop.model.Generate(callCtx, request)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, Transient(fmt.Errorf("model call timed out after %s: %w", t.loop.cfg.CallTimeout, err))
	}
	return resp, err
}

func (t *turn) generateFailed(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return t.cancelled(ctx)
	case errors.Is(err, ErrTransientProvider):
		return t.fail(ReasonTransientProvider, err)
	default:
		return t.fail(ReasonProvider, err)
	}
}

// dispatch runs a tool call, then records the call and its result back to
// back. A cancelled call records nothing. Tool failures become error
// results; only session and cancellation errors end the turn.
func (t *turn) dispatch(ctx context.Context, call ToolCall, assistantText string) error {
	if ctx.Err() != nil {
		return t.cancelled(ctx)
	}

	callID := call.ID
	if callID == "" {
		callID = "call_" + gonanoid.Must(12)
	}
	args := normalizeArguments(call.Arguments)

	toolCtx := toolregistry.ContextWithExecContext(ctx, &toolregistry.ExecutionContext{
		SessionID:    t.sess.ID(),
		CallID:       callID,
		WorkspaceDir: t.loop.workspaceDir,
	})
	output, execErr := t.loop.tools.ExecuteRaw(toolCtx, call.Name, args)
	if ctx.Err() != nil {
		return t.cancelled(ctx)
	}

	isError := execErr != nil
	if isError {
		output = toolErrorOutput(execErr)
	}

	var metadata map[string]string
	if assistantText != "" {
		metadata = map[string]string{metaAssistantText: assistantText}
	}
	if _, err := t.append(ctx, session.RoleToolCall, session.Call(callID, call.Name, args), metadata); err != nil {
		return t.fail(ReasonSession, err)
	}
	t.toolCalls++
	if _, err := t.append(ctx, session.RoleToolResult, session.Result(callID, call.Name, output, isError), nil); err != nil {
		return t.fail(ReasonSession, err)
	}
	return nil
}

// checkpoint injects pending steering before the next model call.
func (t *turn) checkpoint(ctx context.Context) error {
	inbox := t.loop.Inbox(t.sess.ID())
	if !inbox.HasSteering() {
		return nil
	}
	if ctx.Err() != nil {
		return t.cancelled(ctx)
	}
	msgs := inbox.DrainSteering()
	if len(msgs) == 0 {
		return nil
	}
	if _, err := t.append(ctx, session.RoleUser, session.Text(msgqueue.JoinText(msgs)), map[string]string{"queued": string(msgqueue.KindSteering)}); err != nil {
		return t.fail(ReasonSession, err)
	}
	observability.RecordSteeringInjected()
	t.logger.Info().Int("messages", len(msgs)).Msg("Injected steering")
	return nil
}

func (t *turn) append(ctx context.Context, role session.Role, content session.Content, metadata map[string]string) (session.Entry, error) {
	entry, err := t.sess.AppendAtHeadWithMetadata(ctx, role, content, metadata)
	if err != nil {
		return session.Entry{}, err
	}
	t.emit(Event{Type: EventEntry, Entry: &entry})
	return entry, nil
}

func (t *turn) emitHead() {
	if head, err := t.sess.Get(t.sess.Head()); err == nil {
		t.emit(Event{Type: EventEntry, Entry: &head})
	}
}

func (t *turn) setState(state State) {
	t.state = state
	t.emit(Event{Type: EventState, State: state})
}

func (t *turn) emit(event Event) {
	if t.loop.observer == nil {
		return
	}
	event.SessionID = t.sess.ID()
	event.Iteration = t.iterations
	if event.State == "" {
		event.State = t.state
	}
	t.loop.observer(event)
}

func (t *turn) fail(reason string, err error) error {
	failedIn := t.state
	t.state = StateError
	t.emit(Event{Type: EventState, State: StateError, Err: err})
	return &TurnError{
		SessionID:  t.sess.ID(),
		State:      failedIn,
		Reason:     reason,
		Iterations: t.iterations,
		Err:        err,
	}
}

func (t *turn) cancelled(ctx context.Context) error {
	return t.fail(ReasonCancelled, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
}

func normalizeArguments(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(trimmed)) {
		quoted, _ := json.Marshal(trimmed)
		return quoted
	}
	return json.RawMessage(trimmed)
}

// toolErrorOutput renders a tool failure for the model.
func toolErrorOutput(err error) string {
	if errors.Is(err, toolregistry.ErrToolNotFound) {
		return "ToolNotFound: " + err.Error()
	}
	return "ToolExecutionError: " + err.Error()
}
