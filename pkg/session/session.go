package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "loom.session"

// InterruptedOutput is the result recorded for a tool call whose execution
// was cut off before its result was persisted.
const InterruptedOutput = "tool call interrupted before a result was recorded"

// Info summarizes a session.
type Info struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	ForkedFrom  *ForkOrigin `json:"forked_from,omitempty"`
	Head        string      `json:"head,omitempty"`
	Entries     int         `json:"entries"`
	PathLength  int         `json:"path_length"`
	Branches    int         `json:"branches"`
	Turns       int         `json:"turns"`
	ToolCalls   int         `json:"tool_calls"`
	Compactions int         `json:"compactions"`
}

// Session is a named, persisted tree. Every mutation is written to the
// store before the in-memory tree changes. Methods are safe for concurrent use.
type Session struct {
	mu        sync.Mutex
	header    Header
	tree      *Tree
	store     Store
	updatedAt time.Time
	closed    bool
	now       func() time.Time
}

func newSession(header Header, tree *Tree, store Store) *Session {
	s := &Session{
		header:    header,
		tree:      tree,
		store:     store,
		updatedAt: header.CreatedAt,
		now:       time.Now,
	}
	for _, e := range tree.entries {
		if e.CreatedAt.After(s.updatedAt) {
			s.updatedAt = e.CreatedAt
		}
	}
	return s
}

func newEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ID returns the session id.
func (s *Session) ID() string { return s.header.ID }

// Name returns the session name.
func (s *Session) Name() string { return s.header.Name }

// Header returns the persisted session header.
func (s *Session) Header() Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

// Head returns the current head id, or "" if the session is empty.
func (s *Session) Head() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Head()
}

// Get returns the entry with the given id.
func (s *Session) Get(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Get(id)
}

// Entries returns every entry in insertion order, superseded ones included.
func (s *Session) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Entries()
}

// PathTo returns the resolved path from the root to id.
func (s *Session) PathTo(id string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.PathTo(id)
}

// Transcript returns the resolved path to head, empty for an empty session.
// Head keeps its identity across compaction, so when head is the last entry
// of a compacted range the transcript ends at that range's summary.
func (s *Session) Transcript() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree.Head() == "" {
		return nil, nil
	}
	return s.tree.PathTo(s.tree.Head())
}

// Append adds an entry under parentID. Head advances only when parentID is
// the current head; otherwise a sibling branch is created.
func (s *Session) Append(ctx context.Context, parentID string, role Role, content Content) (Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ctx, parentID, role, content, nil)
}

// AppendAtHead adds an entry as a child of the current head.
func (s *Session) AppendAtHead(ctx context.Context, role Role, content Content) (Entry, error) {
	return s.AppendAtHeadWithMetadata(ctx, role, content, nil)
}

// AppendAtHeadWithMetadata is AppendAtHead with entry metadata attached.
func (s *Session) AppendAtHeadWithMetadata(ctx context.Context, role Role, content Content, metadata map[string]string) (Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ctx, s.tree.Head(), role, content, metadata)
}

func (s *Session) appendLocked(ctx context.Context, parentID string, role Role, content Content, metadata map[string]string) (Entry, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"session.append",
		attribute.String("session_id", s.header.ID),
		attribute.String("role", string(role)),
	)
	defer span.End()
	start := time.Now()

	if s.closed {
		return Entry{}, tracing.FailSpan(span, ErrClosed)
	}
	if role == RoleSummary {
		return Entry{}, tracing.FailSpan(span, fmt.Errorf("%w: summaries are created by compaction", ErrInvalidEntry))
	}
	if role == RoleToolCall && parentID != s.tree.Head() {
		return Entry{}, tracing.FailSpan(span, fmt.Errorf("%w: tool calls can only be appended at head", ErrInvalidEntry))
	}

	content, err := normalizeContent(content)
	if err != nil {
		return Entry{}, tracing.FailSpan(span, err)
	}

	e := &Entry{
		ID:        newEntryID(),
		ParentID:  parentID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: s.now().UTC(),
	}
	if parent, ok := s.tree.entries[parentID]; ok && e.CreatedAt.Before(parent.CreatedAt) {
		e.CreatedAt = parent.CreatedAt
	}

	if err := s.tree.checkAppend(e); err != nil {
		return Entry{}, tracing.FailSpan(span, err)
	}
	if err := s.store.Append(ctx, Record{Type: RecordEntry, Entry: e}); err != nil {
		return Entry{}, tracing.FailSpan(span, fmt.Errorf("failed to persist entry: %w", err))
	}
	s.tree.insert(e)
	s.updatedAt = e.CreatedAt

	observability.RecordEntryAppend(string(role), time.Since(start))
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("session_id", s.header.ID).
		Str("entry_id", e.ID).
		Str("role", string(role)).
		Bool("at_head", s.tree.Head() == e.ID).
		Msg("Entry appended")

	return cloneEntry(e), nil
}

// CloseDanglingCall answers a tool call left unanswered at head with an
// error result carrying output. It reports whether an entry was appended.
func (s *Session) CloseDanglingCall(ctx context.Context, output string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeDanglingLocked(ctx, output)
}

func (s *Session) closeDanglingLocked(ctx context.Context, output string) (bool, error) {
	head := s.tree.Head()
	if !s.tree.DanglingCall(head) {
		return false, nil
	}
	call := s.tree.entries[head].Content.ToolCall
	_, err := s.appendLocked(ctx, head, RoleToolResult, Result(call.CallID, call.Name, output, true), nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

// BranchTo moves head to an existing entry. A tool call left dangling at the
// old head is answered first so the log stays loadable.
func (s *Session) BranchTo(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.branch_to",
		attribute.String("session_id", s.header.ID),
		attribute.String("entry_id", id),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return tracing.FailSpan(span, ErrClosed)
	}
	if !s.tree.Has(id) {
		return tracing.FailSpan(span, fmt.Errorf("%w: entry %s", ErrNotFound, id))
	}
	if id == s.tree.Head() {
		return nil
	}
	if _, err := s.closeDanglingLocked(ctx, InterruptedOutput); err != nil {
		return tracing.FailSpan(span, err)
	}

	if err := s.store.Append(ctx, Record{Type: RecordHead, Head: id}); err != nil {
		return tracing.FailSpan(span, fmt.Errorf("failed to persist head: %w", err))
	}
	if err := s.tree.setHead(id); err != nil {
		return tracing.FailSpan(span, err)
	}
	s.updatedAt = s.now().UTC()

	observability.RecordSessionAudit(ctx, "branch", s.header.ID, "success", map[string]interface{}{"head": id})
	return nil
}

// Compact replaces the linear run startID..endID with a summary entry for
// transcript purposes. Original entries are kept. Runs shorter than two
// entries are a no-op that returns the current head.
func (s *Session) Compact(ctx context.Context, startID, endID, summary string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.compact",
		attribute.String("session_id", s.header.ID),
		attribute.String("start_id", startID),
		attribute.String("end_id", endID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_id", s.header.ID).Logger()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", tracing.FailSpan(span, ErrClosed)
	}
	if summary == "" {
		return "", tracing.FailSpan(span, fmt.Errorf("%w: summary text cannot be empty", ErrInvalidEntry))
	}

	parentID, covered, err := s.tree.planCompaction(startID, endID)
	if err != nil {
		return "", tracing.FailSpan(span, err)
	}
	if covered == 0 {
		logger.Debug().Str("start_id", startID).Str("end_id", endID).Msg("Compaction range too short, skipping")
		return s.tree.Head(), nil
	}

	e := &Entry{
		ID:         newEntryID(),
		ParentID:   parentID,
		Role:       RoleSummary,
		Content:    Text(summary),
		Supersedes: &Range{StartID: startID, EndID: endID},
		Metadata: map[string]string{
			"compacted_at": s.now().UTC().Format(time.RFC3339Nano),
		},
		CreatedAt: s.tree.entries[endID].CreatedAt,
	}
	if err := s.tree.checkAppend(e); err != nil {
		return "", tracing.FailSpan(span, err)
	}

	if err := s.store.Rewrite(ctx, snapshot(s.header, s.tree, e)); err != nil {
		return "", tracing.FailSpan(span, fmt.Errorf("failed to rewrite log: %w", err))
	}
	s.tree.insert(e)
	s.updatedAt = s.now().UTC()

	observability.RecordCompaction()
	observability.RecordLogRewrite("compaction")
	observability.RecordSessionAudit(ctx, "compact", s.header.ID, "success", map[string]interface{}{
		"summary_id": e.ID,
		"start_id":   startID,
		"end_id":     endID,
		"entries":    covered,
	})
	logger.Info().
		Str("summary_id", e.ID).
		Int("entries", covered).
		Msg("Range compacted")

	return e.ID, nil
}

// Info returns counters and metadata for the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:         s.header.ID,
		Name:       s.header.Name,
		CreatedAt:  s.header.CreatedAt,
		UpdatedAt:  s.updatedAt,
		ForkedFrom: s.header.ForkedFrom,
		Head:       s.tree.Head(),
		Entries:    s.tree.Len(),
		Branches:   len(s.tree.Leaves()),
	}
	if info.Head != "" {
		if path, err := s.tree.PathTo(info.Head); err == nil {
			info.PathLength = len(path)
		}
	}
	for _, e := range s.tree.entries {
		switch e.Role {
		case RoleUser:
			info.Turns++
		case RoleToolCall:
			info.ToolCalls++
		case RoleSummary:
			info.Compactions++
		}
	}
	return info
}

// View returns a structural description of all entries and branches.
func (s *Session) View() TreeView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return buildView(s.header, s.tree)
}

// Close releases the store. Further mutations fail with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.store.Close()
}

// ResolveEntry maps a full id, or a unique id prefix or suffix as printed
// by TreeView.Render, to an entry id. The literal "head" names the head.
func (s *Session) ResolveEntry(ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref == "head" && s.tree.Head() != "" {
		return s.tree.Head(), nil
	}
	if s.tree.Has(ref) {
		return ref, nil
	}
	var matches []string
	for _, id := range s.tree.order {
		if ref != "" && (strings.HasPrefix(id, ref) || strings.HasSuffix(id, ref)) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: entry %q", ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("entry reference %q is ambiguous (%d matches)", ref, len(matches))
	}
}
