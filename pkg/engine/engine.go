package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/loom/internal/tracing"
	"github.com/harun/loom/pkg/agent"
	"github.com/harun/loom/pkg/commandqueue"
	"github.com/harun/loom/pkg/hooks"
	"github.com/harun/loom/pkg/msgqueue"
	"github.com/harun/loom/pkg/session"
	"github.com/harun/loom/pkg/toolregistry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "loom.engine"

// Config holds engine dependencies.
type Config struct {
	Sessions *session.Manager
	Model    agent.Model
	Tools    *toolregistry.Registry
	Agent    agent.AgentConfig
	Logger   zerolog.Logger
	Observer agent.Observer
	// Cleanup, when set, is started by Start and stopped by Close.
	Cleanup *session.Cleanup
	// Hooks, when set, run after lifecycle changes. Hook failures are logged.
	Hooks        *hooks.Manager
	WorkspaceDir string
	// ShutdownGrace is how long Close lets running session work finish
	// before cancelling it. Zero cancels immediately.
	ShutdownGrace time.Duration
}

// Engine is the entry point for front ends: session lifecycle, turns, and
// tree edits. Operations that change a session run in that session's lane,
// so they never interleave with a running turn.
type Engine struct {
	sessions *session.Manager
	queue    *commandqueue.CommandQueue
	loop     *agent.Loop
	cleanup  *session.Cleanup
	hooks    *hooks.Manager
	logger   zerolog.Logger
	grace    time.Duration
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	queue := commandqueue.New()
	loop, err := agent.NewLoop(agent.Config{
		Model:        cfg.Model,
		Tools:        cfg.Tools,
		CommandQueue: queue,
		Logger:       cfg.Logger,
		Agent:        cfg.Agent,
		Observer:     cfg.Observer,
		WorkspaceDir: cfg.WorkspaceDir,
	})
	if err != nil {
		_ = queue.Close()
		return nil, fmt.Errorf("failed to create agent loop: %w", err)
	}
	return &Engine{
		sessions: cfg.Sessions,
		queue:    queue,
		loop:     loop,
		cleanup:  cfg.Cleanup,
		hooks:    cfg.Hooks,
		logger:   cfg.Logger,
		grace:    cfg.ShutdownGrace,
	}, nil
}

// Start launches background work such as retention cleanup.
func (e *Engine) Start() error {
	if e.cleanup != nil && !e.cleanup.IsRunning() {
		return e.cleanup.Start()
	}
	return nil
}

// Close waits up to the shutdown grace for running session work, then
// cancels what is left, stops background work, and closes sessions.
func (e *Engine) Close() error {
	var errs []error
	if e.cleanup != nil && e.cleanup.IsRunning() {
		errs = append(errs, e.cleanup.Stop())
	}
	if lanes := e.queue.Stats(); len(lanes) > 0 && e.grace > 0 {
		e.logger.Info().Int("lanes", len(lanes)).Dur("grace", e.grace).Msg("Waiting for running session work")
		if !e.queue.WaitForActive(e.grace) {
			e.logger.Warn().Msg("Shutdown grace expired, cancelling running session work")
		}
	}
	errs = append(errs, e.queue.Close(), e.loop.Close(), e.sessions.Close())
	return errors.Join(errs...)
}

// Sessions returns the underlying session manager.
func (e *Engine) Sessions() *session.Manager {
	return e.sessions
}

// Loop returns the agent loop.
func (e *Engine) Loop() *agent.Loop {
	return e.loop
}

// CreateSession creates an empty session.
func (e *Engine) CreateSession(ctx context.Context, name string) (*session.Session, error) {
	sess, err := e.sessions.Create(ctx, name)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, hooks.EventSessionCreated, map[string]interface{}{
		"session_id": sess.ID(),
		"name":       sess.Name(),
	})
	return sess, nil
}

// ResumeSession opens a session by id, name, or unique id prefix.
func (e *Engine) ResumeSession(ctx context.Context, ref string) (*session.Session, error) {
	id, err := e.sessions.Find(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.sessions.Resume(ctx, id)
}

// ListSessions returns stored sessions, most recently updated first. A
// non-positive limit returns all.
func (e *Engine) ListSessions(ctx context.Context, limit int) ([]session.Stat, error) {
	return e.sessions.List(ctx, limit)
}

// FindSession resolves a session reference to an id.
func (e *Engine) FindSession(ctx context.Context, ref string) (string, error) {
	return e.sessions.Find(ctx, ref)
}

// DeleteSession rejects work queued for the session, aborts any running
// turn, drops pending messages, and removes the session.
func (e *Engine) DeleteSession(ctx context.Context, ref string) error {
	id, err := e.sessions.Find(ctx, ref)
	if err != nil {
		return err
	}
	if n := e.queue.ClearLane(agent.LaneFor(id)); n > 0 {
		e.logger.Info().Str("session_id", id).Int("rejected", n).Msg("Rejected queued work for deleted session")
	}
	e.loop.Abort(id)
	_, err = e.inLane(ctx, id, func(ctx context.Context) (interface{}, error) {
		return nil, e.sessions.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	e.loop.Forget(id)
	e.notify(ctx, hooks.EventSessionDeleted, map[string]interface{}{"session_id": id})
	return nil
}

// RunTurn runs one turn. Empty text resumes from the current head.
func (e *Engine) RunTurn(ctx context.Context, ref, text string, maxIterations int) (agent.TurnResult, error) {
	sess, err := e.ResumeSession(ctx, ref)
	if err != nil {
		return agent.TurnResult{}, err
	}
	result, err := e.loop.RunTurn(ctx, sess, text, maxIterations)
	if err != nil {
		e.notify(ctx, hooks.EventTurnFailed, map[string]interface{}{
			"session_id": sess.ID(),
			"error":      err.Error(),
		})
		return result, err
	}
	e.notify(ctx, hooks.EventTurnCompleted, map[string]interface{}{
		"session_id":    sess.ID(),
		"entry_id":      result.EntryID,
		"iterations":    result.Iterations,
		"tool_calls":    result.ToolCalls,
		"input_tokens":  result.Usage.InputTokens,
		"output_tokens": result.Usage.OutputTokens,
	})
	return result, nil
}

// TreeView describes every entry and branch of a session.
func (e *Engine) TreeView(ctx context.Context, ref string) (session.TreeView, error) {
	sess, err := e.ResumeSession(ctx, ref)
	if err != nil {
		return session.TreeView{}, err
	}
	return sess.View(), nil
}

// Info summarizes a session.
func (e *Engine) Info(ctx context.Context, ref string) (session.Info, error) {
	sess, err := e.ResumeSession(ctx, ref)
	if err != nil {
		return session.Info{}, err
	}
	return sess.Info(), nil
}

// Fork copies the path from the root to entryRef into a new session.
func (e *Engine) Fork(ctx context.Context, ref, entryRef, newName string) (*session.Session, error) {
	sess, err := e.ResumeSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	entryID, err := sess.ResolveEntry(entryRef)
	if err != nil {
		return nil, err
	}
	v, err := e.inLane(ctx, sess.ID(), func(ctx context.Context) (interface{}, error) {
		return e.sessions.Fork(ctx, sess.ID(), entryID, newName)
	})
	if err != nil {
		return nil, err
	}
	forked := v.(*session.Session)
	e.notify(ctx, hooks.EventSessionForked, map[string]interface{}{
		"session_id": forked.ID(),
		"name":       forked.Name(),
		"source_id":  sess.ID(),
		"entry_id":   entryID,
	})
	return forked, nil
}

// Compact replaces the linear run start..end with a summary entry and
// returns the summary id.
func (e *Engine) Compact(ctx context.Context, ref, startRef, endRef, summary string) (string, error) {
	sess, err := e.ResumeSession(ctx, ref)
	if err != nil {
		return "", err
	}
	startID, err := sess.ResolveEntry(startRef)
	if err != nil {
		return "", err
	}
	endID, err := sess.ResolveEntry(endRef)
	if err != nil {
		return "", err
	}
	v, err := e.inLane(ctx, sess.ID(), func(ctx context.Context) (interface{}, error) {
		return sess.Compact(ctx, startID, endID, summary)
	})
	if err != nil {
		return "", err
	}
	summaryID := v.(string)
	e.notify(ctx, hooks.EventSessionCompacted, map[string]interface{}{
		"session_id": sess.ID(),
		"summary_id": summaryID,
		"start_id":   startID,
		"end_id":     endID,
	})
	return summaryID, nil
}

// BranchTo moves a session's head to entryRef.
func (e *Engine) BranchTo(ctx context.Context, ref, entryRef string) error {
	sess, err := e.ResumeSession(ctx, ref)
	if err != nil {
		return err
	}
	entryID, err := sess.ResolveEntry(entryRef)
	if err != nil {
		return err
	}
	_, err = e.inLane(ctx, sess.ID(), func(ctx context.Context) (interface{}, error) {
		return nil, sess.BranchTo(ctx, entryID)
	})
	if err != nil {
		return err
	}
	e.notify(ctx, hooks.EventSessionBranched, map[string]interface{}{
		"session_id": sess.ID(),
		"head":       entryID,
	})
	return nil
}

// Enqueue queues a steering or follow-up message for a session.
func (e *Engine) Enqueue(sessionID string, kind msgqueue.Kind, text string) (msgqueue.Message, error) {
	return e.loop.Enqueue(sessionID, kind, text)
}

// DrainFollowUps removes pending follow-ups per the follow-up mode.
func (e *Engine) DrainFollowUps(sessionID string) []msgqueue.Message {
	return e.loop.DrainFollowUps(sessionID)
}

// QueueStatus describes a session's pending messages and any turns or
// tree edits waiting for its lane.
func (e *Engine) QueueStatus(sessionID string) string {
	status := e.loop.Inbox(sessionID).Status()
	if n := e.queue.QueueSize(agent.LaneFor(sessionID)); n > 0 {
		status += fmt.Sprintf("; %d waiting for the session", n)
	}
	return status
}

// ClearQueue drops a session's pending messages and returns them.
func (e *Engine) ClearQueue(sessionID string) []msgqueue.Message {
	return e.loop.Inbox(sessionID).Clear()
}

// Abort cancels a session's running turn. It reports whether one was running.
func (e *Engine) Abort(sessionID string) bool {
	return e.loop.Abort(sessionID)
}

// IsRunning reports whether a turn is executing for the session.
func (e *Engine) IsRunning(sessionID string) bool {
	return e.loop.IsRunning(sessionID)
}

func (e *Engine) inLane(ctx context.Context, sessionID string, task commandqueue.Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "engine.session_op", attribute.String("session_id", sessionID))
	defer span.End()

	v, err := e.queue.EnqueueWithContext(ctx, agent.LaneFor(sessionID), task, nil)
	if err != nil {
		return nil, tracing.FailSpan(span, err)
	}
	return v, nil
}

// notify runs hooks even when ctx was cancelled, so aborted turns still report.
func (e *Engine) notify(ctx context.Context, event string, data map[string]interface{}) {
	if e.hooks == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.hooks.Notify(tracing.Detach(ctx), event, data)
}
