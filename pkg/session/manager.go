package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const statConcurrency = 8

// Manager creates, resumes, forks and deletes sessions on a Backend.
// It keeps at most one open *Session per id.
type Manager struct {
	backend Backend

	mu     sync.Mutex
	open   map[string]*Session
	loads  singleflight.Group
	closed bool
}

// NewManager returns a manager over backend.
func NewManager(backend Backend) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	observability.EnsureRegistered()

	log.Info().Str("backend", backend.Name()).Msg("Session manager initialized")
	return &Manager{
		backend: backend,
		open:    make(map[string]*Session),
	}, nil
}

// Backend returns the underlying storage backend.
func (m *Manager) Backend() Backend {
	return m.backend
}

func (m *Manager) cache(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.open[s.ID()]; ok {
		return existing
	}
	m.open[s.ID()] = s
	observability.SetOpenSessions(len(m.open))
	return s
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Create starts a new empty session. An empty name gets a generated one.
func (m *Manager) Create(ctx context.Context, name string) (*Session, error) {
	return m.create(ctx, name, nil, nil)
}

func (m *Manager) create(ctx context.Context, name string, origin *ForkOrigin, seed *Tree) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.isClosed() {
		return nil, ErrClosed
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.create", attribute.String("session_id", id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	name = strings.TrimSpace(name)
	if name == "" {
		name = "session-" + id[:6]
	}
	header := Header{ID: id, Name: name, CreatedAt: time.Now().UTC(), ForkedFrom: origin}

	store, err := m.backend.Create(ctx, id)
	if err != nil {
		return nil, tracing.FailSpan(span, err)
	}

	tree := seed
	if tree == nil {
		tree = NewTree()
	}
	if tree.Len() == 0 {
		err = store.Append(ctx, Record{Type: RecordHeader, Header: &header})
	} else {
		err = store.Rewrite(ctx, snapshot(header, tree))
	}
	if err != nil {
		store.Close()
		if derr := m.backend.Delete(ctx, id); derr != nil {
			logger.Warn().Err(derr).Msg("Failed to remove partially created session")
		}
		return nil, tracing.FailSpan(span, fmt.Errorf("failed to write session header: %w", err))
	}

	s := m.cache(newSession(header, tree, store))
	observability.RecordSessionAudit(ctx, "create", id, "success", map[string]interface{}{"name": name})
	logger.Info().Str("name", name).Int("entries", tree.Len()).Msg("Session created")
	return s, nil
}

// Resume opens a stored session by id, replaying its log. Concurrent calls
// for the same id share one load.
func (m *Manager) Resume(ctx context.Context, id string) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.isClosed() {
		return nil, ErrClosed
	}

	m.mu.Lock()
	if s, ok := m.open[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	v, err, _ := m.loads.Do(id, func() (interface{}, error) {
		return m.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return m.cache(v.(*Session)), nil
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.load", attribute.String("session_id", id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	store, err := m.backend.Open(ctx, id)
	if err != nil {
		return nil, tracing.FailSpan(span, err)
	}
	recs, err := store.Load(ctx)
	if err != nil {
		store.Close()
		return nil, tracing.FailSpan(span, err)
	}
	header, tree, err := replay(recs)
	if err != nil {
		store.Close()
		return nil, tracing.FailSpan(span, fmt.Errorf("session %s: %w", id, err))
	}
	if header.ID != id {
		store.Close()
		return nil, tracing.FailSpan(span, fmt.Errorf("%w: session %s header names %s", ErrCorruptLog, id, header.ID))
	}

	logger.Debug().
		Int("records", len(recs)).
		Int("entries", tree.Len()).
		Str("head", tree.Head()).
		Msg("Session loaded")

	return newSession(header, tree, store), nil
}

// List returns stored sessions, most recently updated first. A positive
// limit caps the result. Unreadable sessions are skipped with a warning.
func (m *Manager) List(ctx context.Context, limit int) ([]Stat, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ids, err := m.backend.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]*Stat, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			st, err := m.backend.Stat(gctx, id)
			if err != nil {
				log.Warn().Str("session_id", id).Err(err).Msg("Skipping unreadable session")
				return nil
			}
			stats[i] = &st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Stat, 0, len(stats))
	for _, st := range stats {
		if st != nil {
			out = append(out, *st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Find resolves a session reference: an exact id, an exact name (newest
// wins), or a unique id prefix. Exact ids are answered from the open set or
// a single backend Stat without listing the store.
func (m *Manager) Find(ctx context.Context, ref string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty session reference", ErrNotFound)
	}

	m.mu.Lock()
	_, open := m.open[ref]
	m.mu.Unlock()
	if open {
		return ref, nil
	}
	if _, err := m.backend.Stat(ctx, ref); err == nil {
		return ref, nil
	}

	stats, err := m.List(ctx, 0)
	if err != nil {
		return "", err
	}

	var prefixed []string
	for _, st := range stats {
		if st.Header.Name == ref {
			return st.Header.ID, nil
		}
		if strings.HasPrefix(st.Header.ID, ref) {
			prefixed = append(prefixed, st.Header.ID)
		}
	}

	switch len(prefixed) {
	case 0:
		return "", fmt.Errorf("%w: session %q", ErrNotFound, ref)
	case 1:
		return prefixed[0], nil
	default:
		return "", fmt.Errorf("session reference %q is ambiguous (%d matches)", ref, len(prefixed))
	}
}

// Fork creates a new session seeded with copies of the resolved path from
// the root to entryID in the source session. The copies get new ids; the
// source is not modified.
func (m *Manager) Fork(ctx context.Context, sourceID, entryID, newName string) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	src, err := m.Resume(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	path, err := src.PathTo(entryID)
	if err != nil {
		return nil, err
	}

	seed := NewTree()
	parent := ""
	for _, orig := range path {
		e := cloneEntry(&orig)
		e.ID = newEntryID()
		e.ParentID = parent
		e.Supersedes = nil
		if err := seed.checkAppend(&e); err != nil {
			return nil, fmt.Errorf("failed to copy entry %s: %w", orig.ID, err)
		}
		seed.insert(&e)
		parent = e.ID
	}

	if strings.TrimSpace(newName) == "" {
		newName = src.Name() + "-fork"
	}
	s, err := m.create(ctx, newName, &ForkOrigin{SessionID: sourceID, EntryID: entryID}, seed)
	if err != nil {
		return nil, err
	}

	observability.RecordSessionAudit(ctx, "fork", sourceID, "success", map[string]interface{}{
		"entry_id": entryID,
		"fork_id":  s.ID(),
	})
	return s, nil
}

// Delete closes and removes a session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.delete", attribute.String("session_id", id))
	defer span.End()

	m.mu.Lock()
	s, ok := m.open[id]
	delete(m.open, id)
	observability.SetOpenSessions(len(m.open))
	m.mu.Unlock()
	if ok {
		if err := s.Close(); err != nil {
			log.Warn().Str("session_id", id).Err(err).Msg("Failed to close session store")
		}
	}

	if err := m.backend.Delete(ctx, id); err != nil {
		return tracing.FailSpan(span, err)
	}

	observability.RecordSessionAudit(ctx, "delete", id, "success", nil)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Msg("Session deleted")
	return nil
}

// Close closes every open session and the backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := m.open
	m.open = make(map[string]*Session)
	observability.SetOpenSessions(0)
	m.mu.Unlock()

	var errs []error
	for _, s := range open {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.backend.Close(); err != nil {
		errs = append(errs, err)
	}

	log.Info().Int("sessions", len(open)).Msg("Session manager closed")
	return errors.Join(errs...)
}
