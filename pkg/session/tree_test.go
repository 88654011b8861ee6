package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// treeBuilder appends entries with predictable ids straight into a Tree.
type treeBuilder struct {
	t    *testing.T
	tree *Tree
	n    int
}

func newTreeBuilder(t *testing.T) *treeBuilder {
	return &treeBuilder{t: t, tree: NewTree()}
}

func (b *treeBuilder) add(parent string, role Role, content Content) string {
	b.t.Helper()
	b.n++
	e := &Entry{
		ID:        fmt.Sprintf("e%02d", b.n),
		ParentID:  parent,
		Role:      role,
		Content:   content,
		CreatedAt: time.Unix(int64(b.n), 0).UTC(),
	}
	require.NoError(b.t, b.tree.checkAppend(e))
	b.tree.insert(e)
	return e.ID
}

func (b *treeBuilder) text(parent string, role Role, s string) string {
	return b.add(parent, role, Text(s))
}

func (b *treeBuilder) summarize(start, end, text string) string {
	b.t.Helper()
	parent, n, err := b.tree.planCompaction(start, end)
	require.NoError(b.t, err)
	require.NotZero(b.t, n)
	b.n++
	e := &Entry{
		ID:         fmt.Sprintf("s%02d", b.n),
		ParentID:   parent,
		Role:       RoleSummary,
		Content:    Text(text),
		Supersedes: &Range{StartID: start, EndID: end},
	}
	require.NoError(b.t, b.tree.checkAppend(e))
	b.tree.insert(e)
	return e.ID
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestTree_AppendAdvancesHeadOnlyAtHead(t *testing.T) {
	b := newTreeBuilder(t)
	u1 := b.text("", RoleUser, "hi")
	a1 := b.text(u1, RoleAssistant, "hello")
	assert.Equal(t, a1, b.tree.Head())

	alt := b.text(u1, RoleAssistant, "other")
	assert.Equal(t, a1, b.tree.Head(), "sibling append must not move head")
	assert.ElementsMatch(t, []string{a1, alt}, b.tree.Children(u1))
	assert.Equal(t, []string{u1}, b.tree.BranchPoints())
	assert.ElementsMatch(t, []string{a1, alt}, b.tree.Leaves())
}

func TestTree_CheckAppend(t *testing.T) {
	b := newTreeBuilder(t)
	u1 := b.text("", RoleUser, "hi")
	call := b.add(u1, RoleToolCall, Call("c1", "echo", []byte(`{}`)))

	tests := []struct {
		name    string
		entry   Entry
		wantErr error
	}{
		{"unknown parent", Entry{ID: "x1", ParentID: "nope", Role: RoleUser, Content: Text("x")}, ErrNotFound},
		{"second root", Entry{ID: "x2", Role: RoleUser, Content: Text("x")}, ErrInvalidEntry},
		{"text after tool call", Entry{ID: "x3", ParentID: call, Role: RoleAssistant, Content: Text("x")}, ErrInvalidEntry},
		{"mismatched result", Entry{ID: "x4", ParentID: call, Role: RoleToolResult, Content: Result("c2", "echo", "x", false)}, ErrInvalidEntry},
		{"result without call", Entry{ID: "x5", ParentID: u1, Role: RoleToolResult, Content: Result("c1", "echo", "x", false)}, ErrInvalidEntry},
		{"empty user text", Entry{ID: "x6", ParentID: u1, Role: RoleUser}, ErrInvalidEntry},
		{"bad role", Entry{ID: "x7", ParentID: u1, Role: "robot", Content: Text("x")}, ErrInvalidEntry},
		{"duplicate id", Entry{ID: u1, ParentID: u1, Role: RoleUser, Content: Text("x")}, ErrInvalidEntry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.entry
			assert.ErrorIs(t, b.tree.checkAppend(&e), tt.wantErr)
		})
	}

	b.add(call, RoleToolResult, Result("c1", "echo", "ok", false))
	e := Entry{ID: "x8", ParentID: call, Role: RoleToolResult, Content: Result("c1", "echo", "again", false)}
	assert.ErrorIs(t, b.tree.checkAppend(&e), ErrInvalidEntry, "a call is answered once")
}

func TestTree_PathTo(t *testing.T) {
	b := newTreeBuilder(t)
	u1 := b.text("", RoleUser, "q")
	a1 := b.text(u1, RoleAssistant, "a")
	u2 := b.text(a1, RoleUser, "q2")

	path, err := b.tree.PathTo(u2)
	require.NoError(t, err)
	assert.Equal(t, []string{u1, a1, u2}, ids(path))

	_, err = b.tree.PathTo("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTree_CompactionResolvesThroughSummary(t *testing.T) {
	b := newTreeBuilder(t)
	u1 := b.text("", RoleUser, "q1")
	a1 := b.text(u1, RoleAssistant, "a1")
	u2 := b.text(a1, RoleUser, "q2")
	a2 := b.text(u2, RoleAssistant, "a2")
	u3 := b.text(a2, RoleUser, "q3")

	before, err := b.tree.PathTo(u3)
	require.NoError(t, err)

	s := b.summarize(a1, a2, "first exchange")
	assert.Equal(t, u3, b.tree.Head())

	after, err := b.tree.PathTo(u3)
	require.NoError(t, err)
	assert.Equal(t, []string{u1, s, u3}, ids(after))
	assert.Less(t, len(after), len(before))

	endPath, err := b.tree.PathTo(a2)
	require.NoError(t, err)
	assert.Equal(t, []string{u1, s}, ids(endPath), "the range end resolves to its summary")

	inner, err := b.tree.PathTo(u2)
	require.NoError(t, err)
	assert.Equal(t, []string{u1, a1, u2}, ids(inner), "inside the range the originals are used")

	for _, id := range []string{a1, u2, a2} {
		got, ok := b.tree.SupersededBy(id)
		assert.True(t, ok)
		assert.Equal(t, s, got)
	}
	assert.Equal(t, []string{u3}, b.tree.Leaves())

	// appending at head keeps resolving through the summary
	a3 := b.text(u3, RoleAssistant, "a3")
	path, err := b.tree.PathTo(a3)
	require.NoError(t, err)
	assert.Equal(t, []string{u1, s, u3, a3}, ids(path))
}

func TestTree_NestedCompaction(t *testing.T) {
	b := newTreeBuilder(t)
	u1 := b.text("", RoleUser, "q1")
	a1 := b.text(u1, RoleAssistant, "a1")
	u2 := b.text(a1, RoleUser, "q2")
	a2 := b.text(u2, RoleAssistant, "a2")
	u3 := b.text(a2, RoleUser, "q3")
	a3 := b.text(u3, RoleAssistant, "a3")
	u4 := b.text(a3, RoleUser, "q4")

	s1 := b.summarize(u1, a1, "one")
	s2 := b.summarize(s1, a3, "one to three")

	path, err := b.tree.PathTo(u4)
	require.NoError(t, err)
	assert.Equal(t, []string{s2, u4}, ids(path))

	_, _, err = b.tree.planCompaction(u2, a2)
	assert.ErrorIs(t, err, ErrInvalidRange, "already compacted entries cannot be compacted again")
}

func TestTree_PlanCompactionErrors(t *testing.T) {
	b := newTreeBuilder(t)
	u1 := b.text("", RoleUser, "q1")
	call := b.add(u1, RoleToolCall, Call("c1", "echo", []byte(`{"text":"x"}`)))
	res := b.add(call, RoleToolResult, Result("c1", "echo", "x", false))
	a1 := b.text(res, RoleAssistant, "done")
	u2 := b.text(a1, RoleUser, "q2")

	t.Run("unknown entry", func(t *testing.T) {
		_, _, err := b.tree.planCompaction("nope", a1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
	t.Run("not an ancestor", func(t *testing.T) {
		_, _, err := b.tree.planCompaction(u2, u1)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})
	t.Run("ends at tool call", func(t *testing.T) {
		_, _, err := b.tree.planCompaction(u1, call)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})
	t.Run("starts at tool result", func(t *testing.T) {
		_, _, err := b.tree.planCompaction(res, a1)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})
	t.Run("single entry is a no-op", func(t *testing.T) {
		_, n, err := b.tree.planCompaction(a1, a1)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
	t.Run("branch inside range", func(t *testing.T) {
		b.text(a1, RoleUser, "other question")
		_, _, err := b.tree.planCompaction(res, u2)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})
	t.Run("pair kept together", func(t *testing.T) {
		parent, n, err := b.tree.planCompaction(call, res)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, u1, parent)
	})
}

func TestTree_CheckConsistency(t *testing.T) {
	b := newTreeBuilder(t)
	u1 := b.text("", RoleUser, "q1")
	call := b.add(u1, RoleToolCall, Call("c1", "echo", nil))
	assert.NoError(t, b.tree.checkConsistency(), "dangling call at head is tolerated")
	assert.True(t, b.tree.DanglingCall(call))

	require.NoError(t, b.tree.setHead(u1))
	assert.ErrorIs(t, b.tree.checkConsistency(), ErrCorruptLog)
}
