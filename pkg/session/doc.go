// Package session keeps branchable conversation histories in an append-only log.
//
// A Session owns a Tree: an arena of immutable entries keyed by id, linked to
// their parents by id, with a head pointer naming the current leaf. Appending
// off a non-head entry creates a branch. Compaction adds a summary entry that
// stands in for a linear run of entries when building transcripts; the
// originals are kept. Fork copies the path to an entry into a new session.
//
// Invariants:
// - Every record is durably written before the in-memory tree changes.
// - Entry ids are assigned before the write, so replay is idempotent.
// - A tool_call is followed only by its tool_result; an unanswered call is
//   tolerated at head and rejected anywhere else on load.
// - Log rewrites (compaction, partial-line repair) go through temp file + rename.
//
// Usage:
//
//	backend, _ := session.NewJSONLBackend("/tmp/loom/sessions")
//	mgr, _ := session.NewManager(backend)
//	s, _ := mgr.Create(ctx, "scratch")
//	e, _ := s.AppendAtHead(ctx, session.RoleUser, session.Text("hello"))
//	path, _ := s.PathTo(e.ID)
//	_ = path
package session
