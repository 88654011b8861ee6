package session

import (
	"fmt"
)

// Tree is the in-memory arena of a session's entries. Entries are keyed by id,
// parent links are id lookups, and insertion order is preserved for replay.
// Tree is not safe for concurrent use; Session serializes access.
type Tree struct {
	entries  map[string]*Entry
	order    []string
	children map[string][]string
	head     string

	// supersededBy maps every entry inside a compacted range to its summary.
	supersededBy map[string]string
	// summaryByEnd maps the last entry of a compacted range to its summary.
	summaryByEnd map[string]string
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{
		entries:      make(map[string]*Entry),
		children:     make(map[string][]string),
		supersededBy: make(map[string]string),
		summaryByEnd: make(map[string]string),
	}
}

// Len returns the number of entries, superseded ones included.
func (t *Tree) Len() int {
	return len(t.order)
}

// Head returns the current head id, or "" for an empty tree.
func (t *Tree) Head() string {
	return t.head
}

// Has reports whether id names an entry.
func (t *Tree) Has(id string) bool {
	_, ok := t.entries[id]
	return ok
}

// Get returns a copy of the entry with the given id.
func (t *Tree) Get(id string) (Entry, error) {
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	return cloneEntry(e), nil
}

// Entries returns copies of all entries in insertion order.
func (t *Tree) Entries() []Entry {
	out := make([]Entry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, cloneEntry(t.entries[id]))
	}
	return out
}

// Children returns the raw child ids of id in insertion order.
func (t *Tree) Children(id string) []string {
	return append([]string(nil), t.children[id]...)
}

// IsSuperseded reports whether id lies inside a compacted range.
func (t *Tree) IsSuperseded(id string) bool {
	_, ok := t.supersededBy[id]
	return ok
}

// SupersededBy returns the summary id covering id, if any.
func (t *Tree) SupersededBy(id string) (string, bool) {
	s, ok := t.supersededBy[id]
	return s, ok
}

// checkAppend validates that e can be inserted without breaking tree invariants.
func (t *Tree) checkAppend(e *Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	if _, dup := t.entries[e.ID]; dup {
		return fmt.Errorf("%w: duplicate entry id %s", ErrInvalidEntry, e.ID)
	}

	if e.ParentID == "" {
		if len(t.entries) > 0 && e.Supersedes == nil {
			return fmt.Errorf("%w: tree already has a root", ErrInvalidEntry)
		}
		if e.Role == RoleToolResult {
			return fmt.Errorf("%w: tool result without a tool call", ErrInvalidEntry)
		}
		return nil
	}

	parent, ok := t.entries[e.ParentID]
	if !ok {
		return fmt.Errorf("%w: parent entry %s", ErrNotFound, e.ParentID)
	}

	if parent.Role == RoleToolCall {
		if e.Role != RoleToolResult || e.Content.ToolResult.CallID != parent.Content.ToolCall.CallID {
			return fmt.Errorf("%w: tool call %s must be followed by its result", ErrInvalidEntry, parent.Content.ToolCall.CallID)
		}
		if len(t.children[parent.ID]) > 0 {
			return fmt.Errorf("%w: tool call %s already answered", ErrInvalidEntry, parent.Content.ToolCall.CallID)
		}
	}
	if e.Role == RoleToolResult && parent.Role != RoleToolCall {
		return fmt.Errorf("%w: tool result %s does not follow a tool call", ErrInvalidEntry, e.Content.ToolResult.CallID)
	}
	return nil
}

// insert adds an entry that passed checkAppend. Appending at head advances head;
// compaction summaries never move head.
func (t *Tree) insert(e *Entry) {
	var covered []string
	if e.Supersedes != nil {
		covered = t.rangeIDs(e.Supersedes.StartID, e.Supersedes.EndID)
	}

	t.entries[e.ID] = e
	t.order = append(t.order, e.ID)
	if e.ParentID != "" {
		t.children[e.ParentID] = append(t.children[e.ParentID], e.ID)
	}

	if e.Supersedes != nil {
		for _, id := range covered {
			t.supersededBy[id] = e.ID
		}
		t.summaryByEnd[e.Supersedes.EndID] = e.ID
		return
	}

	if t.head == "" || e.ParentID == t.head {
		t.head = e.ID
	}
}

// setHead moves head to an existing entry.
func (t *Tree) setHead(id string) error {
	if _, ok := t.entries[id]; !ok {
		return fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	t.head = id
	return nil
}

// resolvedParent returns the parent of e as seen by transcripts: children of
// a compacted range's last entry hang off the range's summary.
func (t *Tree) resolvedParent(e *Entry) string {
	if s, ok := t.summaryByEnd[e.ParentID]; ok && s != e.ID {
		return s
	}
	return e.ParentID
}

// resolvedChildren returns the live children of id as seen by transcripts.
func (t *Tree) resolvedChildren(id string) []string {
	var out []string
	for _, c := range t.children[id] {
		if !t.IsSuperseded(c) {
			out = append(out, c)
		}
	}
	if e, ok := t.entries[id]; ok && e.Supersedes != nil {
		for _, c := range t.children[e.Supersedes.EndID] {
			if !t.IsSuperseded(c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// PathTo returns the entries from a root to id with compacted ranges replaced
// by their summaries. The last entry of a compacted range resolves to its
// summary; an entry strictly inside a range resolves through the original entries.
func (t *Tree) PathTo(id string) ([]Entry, error) {
	if _, ok := t.entries[id]; !ok {
		return nil, fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	if s, ok := t.summaryByEnd[id]; ok {
		id = s
	}

	var rev []*Entry
	for cur := id; cur != ""; {
		e, ok := t.entries[cur]
		if !ok {
			return nil, fmt.Errorf("%w: dangling parent %s", ErrCorruptLog, cur)
		}
		rev = append(rev, e)
		if len(rev) > len(t.entries) {
			return nil, fmt.Errorf("%w: cycle at %s", ErrCorruptLog, cur)
		}
		cur = t.resolvedParent(e)
	}

	out := make([]Entry, len(rev))
	for i, e := range rev {
		out[len(rev)-1-i] = cloneEntry(e)
	}
	return out, nil
}

// rangeIDs walks from end back to start along resolved parents.
func (t *Tree) rangeIDs(startID, endID string) []string {
	var ids []string
	for cur := endID; cur != ""; {
		ids = append(ids, cur)
		if cur == startID {
			break
		}
		e, ok := t.entries[cur]
		if !ok {
			break
		}
		cur = t.resolvedParent(e)
	}
	return ids
}

// planCompaction validates a compaction range and returns the summary's parent
// and the number of entries covered. A zero count means the range is too
// short and compaction is a no-op.
func (t *Tree) planCompaction(startID, endID string) (string, int, error) {
	for _, id := range []string{startID, endID} {
		if _, ok := t.entries[id]; !ok {
			return "", 0, fmt.Errorf("%w: entry %s", ErrNotFound, id)
		}
		if t.IsSuperseded(id) {
			return "", 0, fmt.Errorf("%w: entry %s is already compacted", ErrInvalidRange, id)
		}
	}

	path, err := t.PathTo(endID)
	if err != nil {
		return "", 0, err
	}

	start := -1
	for i := range path {
		if path[i].ID == startID {
			start = i
			break
		}
	}
	if start < 0 {
		return "", 0, fmt.Errorf("%w: %s is not an ancestor of %s", ErrInvalidRange, startID, endID)
	}

	run := path[start:]
	if len(run) < 2 {
		return "", 0, nil
	}

	for _, e := range run[:len(run)-1] {
		if n := len(t.resolvedChildren(e.ID)); n != 1 {
			return "", 0, fmt.Errorf("%w: entry %s has %d live children", ErrInvalidRange, e.ID, n)
		}
	}
	if run[0].Role == RoleToolResult {
		return "", 0, fmt.Errorf("%w: range starts at a tool result whose call lies outside it", ErrInvalidRange)
	}
	if run[len(run)-1].Role == RoleToolCall {
		return "", 0, fmt.Errorf("%w: range ends at a tool call whose result lies outside it", ErrInvalidRange)
	}

	parent := ""
	if start > 0 {
		parent = path[start-1].ID
	}
	return parent, len(run), nil
}

// checkSummary validates a replayed summary entry against the tree built so far.
func (t *Tree) checkSummary(e *Entry) error {
	parent, n, err := t.planCompaction(e.Supersedes.StartID, e.Supersedes.EndID)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: summary %s covers fewer than two entries", ErrInvalidRange, e.ID)
	}
	if parent != e.ParentID {
		return fmt.Errorf("%w: summary %s parent %q, expected %q", ErrInvalidEntry, e.ID, e.ParentID, parent)
	}
	return nil
}

// DanglingCall reports whether id is a tool_call that has no result yet.
func (t *Tree) DanglingCall(id string) bool {
	e, ok := t.entries[id]
	return ok && e.Role == RoleToolCall && len(t.children[id]) == 0
}

// checkConsistency enforces load-time invariants: head exists and every
// tool call except one sitting at head is answered.
func (t *Tree) checkConsistency() error {
	if len(t.entries) == 0 {
		return nil
	}
	if _, ok := t.entries[t.head]; !ok {
		return fmt.Errorf("%w: head %q does not exist", ErrCorruptLog, t.head)
	}
	for _, id := range t.order {
		if id != t.head && t.DanglingCall(id) {
			return fmt.Errorf("%w: unanswered tool call at %s", ErrCorruptLog, id)
		}
	}
	return nil
}

// Leaves returns live ids without live children, in insertion order.
func (t *Tree) Leaves() []string {
	var out []string
	for _, id := range t.order {
		if !t.IsSuperseded(id) && len(t.resolvedChildren(id)) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// BranchPoints returns ids with more than one live child.
func (t *Tree) BranchPoints() []string {
	var out []string
	for _, id := range t.order {
		if len(t.resolvedChildren(id)) > 1 {
			out = append(out, id)
		}
	}
	return out
}
