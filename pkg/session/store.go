package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RecordType tags one line of a session log.
type RecordType string

const (
	RecordHeader RecordType = "header"
	RecordEntry  RecordType = "entry"
	RecordHead   RecordType = "head"
)

// ForkOrigin records where a forked session was seeded from.
type ForkOrigin struct {
	SessionID string `json:"session_id"`
	EntryID   string `json:"entry_id"`
}

// Header is the first record of every session log.
type Header struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	CreatedAt  time.Time   `json:"created_at"`
	ForkedFrom *ForkOrigin `json:"forked_from,omitempty"`
}

// Record is one durable log record.
type Record struct {
	Type   RecordType `json:"type"`
	Header *Header    `json:"session,omitempty"`
	Entry  *Entry     `json:"entry,omitempty"`
	Head   string     `json:"head,omitempty"`
}

// Stat describes a stored session without replaying it.
type Stat struct {
	Header    Header
	UpdatedAt time.Time
	Size      int64
}

// Store is the durable log of a single session. Append must not return
// before the record is flushed to stable storage.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Load(ctx context.Context) ([]Record, error)
	Rewrite(ctx context.Context, recs []Record) error
	Close() error
}

// Backend creates, opens and enumerates session stores.
type Backend interface {
	Name() string
	Create(ctx context.Context, id string) (Store, error)
	Open(ctx context.Context, id string) (Store, error)
	Stat(ctx context.Context, id string) (Stat, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// validateSessionID rejects ids that are unsafe as file names.
func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (r Record) validate() error {
	switch r.Type {
	case RecordHeader:
		if r.Header == nil || r.Header.ID == "" {
			return fmt.Errorf("header record without session id")
		}
	case RecordEntry:
		if r.Entry == nil {
			return fmt.Errorf("entry record without entry")
		}
	case RecordHead:
		if r.Head == "" {
			return fmt.Errorf("head record without entry id")
		}
	default:
		return fmt.Errorf("unknown record type %q", r.Type)
	}
	return nil
}

// decodeRecord parses one JSON record.
func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	if err := rec.validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// replay rebuilds a tree from records in log order. Records for an entry id
// already present with an identical payload are skipped, so replaying a log
// that contains a retried write is idempotent.
func replay(recs []Record) (Header, *Tree, error) {
	if len(recs) == 0 || recs[0].Type != RecordHeader {
		return Header{}, nil, fmt.Errorf("%w: log does not start with a header", ErrCorruptLog)
	}
	header := *recs[0].Header
	tree := NewTree()

	for i, rec := range recs[1:] {
		n := i + 2
		switch rec.Type {
		case RecordHeader:
			return Header{}, nil, fmt.Errorf("%w: record %d: duplicate header", ErrCorruptLog, n)

		case RecordHead:
			if err := tree.setHead(rec.Head); err != nil {
				return Header{}, nil, fmt.Errorf("%w: record %d: %v", ErrCorruptLog, n, err)
			}

		case RecordEntry:
			e := cloneEntry(rec.Entry)
			if existing, ok := tree.entries[e.ID]; ok {
				if samePayload(existing, &e) {
					continue
				}
				return Header{}, nil, fmt.Errorf("%w: record %d: conflicting duplicate entry %s", ErrCorruptLog, n, e.ID)
			}
			if err := tree.checkAppend(&e); err != nil {
				if errors.Is(err, ErrNotFound) {
					return Header{}, nil, fmt.Errorf("%w: record %d: orphaned entry %s: %v", ErrCorruptLog, n, e.ID, err)
				}
				return Header{}, nil, fmt.Errorf("%w: record %d: %v", ErrCorruptLog, n, err)
			}
			if e.Supersedes != nil {
				if err := tree.checkSummary(&e); err != nil {
					return Header{}, nil, fmt.Errorf("%w: record %d: %v", ErrCorruptLog, n, err)
				}
			}
			tree.insert(&e)
		}
	}

	if err := tree.checkConsistency(); err != nil {
		return Header{}, nil, err
	}
	return header, tree, nil
}

func samePayload(a, b *Entry) bool {
	x, err1 := json.Marshal(a)
	y, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(x, y)
}

// snapshot renders the full state of a tree as a minimal record sequence,
// with extra entries written after the existing ones.
func snapshot(header Header, tree *Tree, extra ...*Entry) []Record {
	recs := make([]Record, 0, tree.Len()+len(extra)+2)
	h := header
	recs = append(recs, Record{Type: RecordHeader, Header: &h})
	for _, id := range tree.order {
		e := cloneEntry(tree.entries[id])
		recs = append(recs, Record{Type: RecordEntry, Entry: &e})
	}
	for _, x := range extra {
		e := cloneEntry(x)
		recs = append(recs, Record{Type: RecordEntry, Entry: &e})
	}
	if tree.head != "" {
		recs = append(recs, Record{Type: RecordHead, Head: tree.head})
	}
	return recs
}
