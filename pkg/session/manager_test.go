package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roleContent struct {
	Role    Role
	Content Content
}

func shape(entries []Entry) []roleContent {
	out := make([]roleContent, len(entries))
	for i, e := range entries {
		out[i] = roleContent{Role: e.Role, Content: e.Content}
	}
	return out
}

func TestManager_ForkIsolation(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	ctx := context.Background()

	src, err := m.Create(ctx, "source")
	require.NoError(t, err)
	appendText(t, src, RoleUser, "q1")
	appendToolRoundTrip(t, src, "c1", "echoed")
	a1 := appendText(t, src, RoleAssistant, "a1")
	appendText(t, src, RoleUser, "q2")
	srcHead := src.Head()

	fork, err := m.Fork(ctx, src.ID(), a1.ID, "forked")
	require.NoError(t, err)
	assert.NotEqual(t, src.ID(), fork.ID())
	assert.Equal(t, "forked", fork.Name())
	require.NotNil(t, fork.Header().ForkedFrom)
	assert.Equal(t, a1.ID, fork.Header().ForkedFrom.EntryID)

	want, err := src.PathTo(a1.ID)
	require.NoError(t, err)
	got, err := fork.Transcript()
	require.NoError(t, err)
	if diff := cmp.Diff(shape(want), shape(got)); diff != "" {
		t.Fatalf("fork path differs (-want +got):\n%s", diff)
	}

	srcIDs := make(map[string]bool)
	for _, e := range src.Entries() {
		srcIDs[e.ID] = true
	}
	for _, e := range fork.Entries() {
		assert.False(t, srcIDs[e.ID], "fork must not share entry ids")
	}

	srcCount := len(src.Entries())
	appendText(t, fork, RoleUser, "only in fork")
	assert.Len(t, src.Entries(), srcCount)
	assert.Equal(t, srcHead, src.Head())

	forkCount := len(fork.Entries())
	appendText(t, src, RoleAssistant, "only in source")
	assert.Len(t, fork.Entries(), forkCount)

	_, err = m.Fork(ctx, src.ID(), "missing", "bad")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Fork(ctx, "nosuchsession", a1.ID, "bad")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_ForkCarriesSummaries(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	ctx := context.Background()

	src, err := m.Create(ctx, "summarized")
	require.NoError(t, err)
	appendText(t, src, RoleUser, "q1")
	a1 := appendText(t, src, RoleAssistant, "a1")
	appendText(t, src, RoleUser, "q2")
	a2 := appendText(t, src, RoleAssistant, "a2")
	u3 := appendText(t, src, RoleUser, "q3")
	_, err = src.Compact(ctx, a1.ID, a2.ID, "middle")
	require.NoError(t, err)

	fork, err := m.Fork(ctx, src.ID(), u3.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "summarized-fork", fork.Name())

	path, err := fork.Transcript()
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, RoleSummary, path[1].Role)
	assert.Nil(t, path[1].Supersedes)

	reloaded, err := newTestManager(t, dir).Resume(ctx, fork.ID())
	require.NoError(t, err)
	if diff := cmp.Diff(fork.Entries(), reloaded.Entries()); diff != "" {
		t.Fatalf("fork differs after reload (-want +got):\n%s", diff)
	}
}

func TestManager_ListFindDelete(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	ctx := context.Background()

	older, err := m.Create(ctx, "older")
	require.NoError(t, err)
	newer, err := m.Create(ctx, "newer")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, os.Chtimes(filepath.Join(dir, older.ID()+".jsonl"), now.Add(-time.Hour), now.Add(-time.Hour)))
	require.NoError(t, os.Chtimes(filepath.Join(dir, newer.ID()+".jsonl"), now, now))

	stats, err := m.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, newer.ID(), stats[0].Header.ID)
	assert.Equal(t, "older", stats[1].Header.Name)

	limited, err := m.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	id, err := m.Find(ctx, "older")
	require.NoError(t, err)
	assert.Equal(t, older.ID(), id)

	id, err = m.Find(ctx, newer.ID())
	require.NoError(t, err)
	assert.Equal(t, newer.ID(), id)

	_, err = m.Find(ctx, "no-such-name-or-prefix")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Delete(ctx, older.ID()))
	_, err = m.Resume(ctx, older.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, older.ID()), ErrNotFound)

	_, err = older.AppendAtHead(ctx, RoleUser, Text("after delete"))
	assert.ErrorIs(t, err, ErrClosed)
}

type listCountingBackend struct {
	Backend
	mu    sync.Mutex
	lists int
}

func (b *listCountingBackend) List(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	b.lists++
	b.mu.Unlock()
	return b.Backend.List(ctx)
}

func (b *listCountingBackend) listCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lists
}

func TestManager_FindExactIDSkipsList(t *testing.T) {
	dir := t.TempDir()
	jsonl, err := NewJSONLBackend(dir)
	require.NoError(t, err)
	backend := &listCountingBackend{Backend: jsonl}
	m, err := NewManager(backend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	s, err := m.Create(ctx, "exact")
	require.NoError(t, err)
	id := s.ID()

	got, err := m.Find(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	// a fresh manager has nothing open, so the id is confirmed by Stat
	other, err := NewManager(backend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })
	got, err = other.Find(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Zero(t, backend.listCalls(), "exact ids never list the store")

	got, err = other.Find(ctx, "exact")
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, 1, backend.listCalls(), "names still resolve through List")
}

func TestManager_ListSkipsUnreadable(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	ctx := context.Background()

	_, err := m.Create(ctx, "good")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.jsonl"), []byte("nope\n"), 0600))

	stats, err := m.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "good", stats[0].Header.Name)
}

func TestManager_ConcurrentResumeSharesSession(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestManager(t, dir)
	s, err := first.Create(ctx, "shared")
	require.NoError(t, err)
	appendText(t, s, RoleUser, "hello")
	require.NoError(t, first.Close())

	m := newTestManager(t, dir)
	const n = 16
	got := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := m.Resume(ctx, s.ID())
			assert.NoError(t, err)
			got[i] = sess
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i])
	}
}

func TestManager_ClosedRejectsCreate(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	require.NoError(t, m.Close())

	_, err := m.Create(context.Background(), "late")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLiteBackend_RoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "db", "sessions.db")
	ctx := context.Background()

	backend, err := NewSQLiteBackend(dbPath)
	require.NoError(t, err)
	m, err := NewManager(backend)
	require.NoError(t, err)

	s, err := m.Create(ctx, "sqlite")
	require.NoError(t, err)
	appendText(t, s, RoleUser, "q1")
	a1 := appendText(t, s, RoleAssistant, "a1")
	appendToolRoundTrip(t, s, "c1", "x")
	a2 := appendText(t, s, RoleAssistant, "a2")
	appendText(t, s, RoleUser, "q2")
	_, err = s.Compact(ctx, a1.ID, a2.ID, "compressed")
	require.NoError(t, err)
	require.NoError(t, s.BranchTo(ctx, a1.ID))

	want := s.Entries()
	wantHead := s.Head()
	require.NoError(t, m.Close())

	backend2, err := NewSQLiteBackend(dbPath)
	require.NoError(t, err)
	m2, err := NewManager(backend2)
	require.NoError(t, err)
	defer m2.Close()

	stats, err := m2.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "sqlite", stats[0].Header.Name)

	reloaded, err := m2.Resume(ctx, s.ID())
	require.NoError(t, err)
	if diff := cmp.Diff(want, reloaded.Entries()); diff != "" {
		t.Fatalf("entries differ after reload (-want +got):\n%s", diff)
	}
	assert.Equal(t, wantHead, reloaded.Head())

	require.NoError(t, m2.Delete(ctx, s.ID()))
	_, err = m2.Resume(ctx, s.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	ctx := context.Background()

	stale, err := m.Create(ctx, "stale")
	require.NoError(t, err)
	fresh, err := m.Create(ctx, "fresh")
	require.NoError(t, err)

	old := time.Now().Add(-60 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, stale.ID()+".jsonl"), old, old))

	c, err := NewCleanup(m, 30*24*time.Hour, "")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, c.Retention())

	deleted, err := c.CleanupNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID()}, deleted)

	stats, err := m.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, fresh.ID(), stats[0].Header.ID)
}

func TestCleanup_StartStop(t *testing.T) {
	m := newTestManager(t, t.TempDir())

	_, err := NewCleanup(m, 0, "not a schedule")
	assert.Error(t, err)

	c, err := NewCleanup(m, 0, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultRetention, c.Retention())

	require.NoError(t, c.Start())
	assert.True(t, c.IsRunning())
	assert.Error(t, c.Start())

	require.NoError(t, c.Stop())
	assert.False(t, c.IsRunning())
	assert.Error(t, c.Stop())
}
