// Package engine ties the session store and the agent loop together behind
// one API for front ends such as the CLI.
//
// Invariants:
//   - Every mutation of a session (turns, compaction, branching, forking,
//     deletion) runs in that session's command queue lane, so at most one
//     of them touches a session at a time.
//   - Session references accept an id, a name, or a unique id prefix.
//     Entry references accept an id, a unique prefix or suffix, or "head".
//
// Usage:
//
//	eng, err := engine.New(engine.Config{Sessions: manager, Model: model, Tools: tools})
//	if err != nil {
//		return err
//	}
//	defer eng.Close()
//
//	sess, _ := eng.CreateSession(ctx, "scratch")
//	result, err := eng.RunTurn(ctx, sess.ID(), "list the files", 0)
package engine
