// Package agent drives tool-calling turns over a session tree.
//
// A turn moves through awaiting_input, generating, dispatching_tools and
// done, or ends in error. Every entry is appended to the session as soon as
// it is produced.
//
// Invariants:
// - Turns are serialized per session through a commandqueue lane.
// - A model call that fails appends nothing; transient failures are retried
//   with exponential backoff before ErrTransientProvider is returned.
// - Tool failures, including unknown tools, are recorded as error results and
//   never retried.
// - Steering messages are injected only after a tool result and before the
//   next model call; follow-ups are left for the caller.
// - At most maxIterations model calls may request tools in one turn.
//
// Usage:
//
//	loop, _ := agent.NewLoop(agent.Config{
//		Model: model,
//		Tools: registry,
//		Agent: agent.DefaultConfig(),
//	})
//	defer loop.Close()
//	result, err := loop.RunTurn(ctx, sess, "hello", 0)
package agent
