package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/harun/loom/internal/observability"
	"github.com/rs/zerolog/log"
)

const jsonlExt = ".jsonl"

// JSONLBackend stores each session as one newline-delimited JSON file.
type JSONLBackend struct {
	dir string
}

// NewJSONLBackend creates the directory if needed.
func NewJSONLBackend(dir string) (*JSONLBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("sessions directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &JSONLBackend{dir: dir}, nil
}

func (b *JSONLBackend) Name() string { return "jsonl" }

// Dir returns the directory holding session logs.
func (b *JSONLBackend) Dir() string { return b.dir }

func (b *JSONLBackend) path(id string) string {
	return filepath.Join(b.dir, id+jsonlExt)
}

func (b *JSONLBackend) Create(ctx context.Context, id string) (Store, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}
	path := b.path(id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("session %s already exists", id)
		}
		return nil, fmt.Errorf("failed to create session file: %w", err)
	}
	file.Close()
	return &jsonlStore{path: path}, nil
}

func (b *JSONLBackend) Open(ctx context.Context, id string) (Store, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}
	path := b.path(id)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to stat session file: %w", err)
	}
	return &jsonlStore{path: path}, nil
}

func (b *JSONLBackend) Stat(ctx context.Context, id string) (Stat, error) {
	if err := validateSessionID(id); err != nil {
		return Stat{}, err
	}
	path := b.path(id)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Stat{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
		}
		return Stat{}, fmt.Errorf("failed to stat session file: %w", err)
	}

	header, err := readHeader(path)
	if err != nil {
		return Stat{}, err
	}
	return Stat{Header: header, UpdatedAt: info.ModTime(), Size: info.Size()}, nil
}

func (b *JSONLBackend) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, jsonlExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, jsonlExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *JSONLBackend) Delete(ctx context.Context, id string) error {
	if err := validateSessionID(id); err != nil {
		return err
	}
	if err := os.Remove(b.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: session %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

func (b *JSONLBackend) Close() error { return nil }

// readHeader decodes only the first line of a log.
func readHeader(path string) (Header, error) {
	file, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	line, err := bufio.NewReader(file).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return Header{}, fmt.Errorf("failed to read session file: %w", err)
	}
	rec, err := decodeRecord(bytes.TrimSpace(line))
	if err != nil || rec.Type != RecordHeader {
		return Header{}, fmt.Errorf("%w: %s has no header", ErrCorruptLog, filepath.Base(path))
	}
	return *rec.Header, nil
}

type jsonlStore struct {
	path string
	mu   sync.Mutex
}

// Append writes one JSON line and syncs it to disk.
func (s *jsonlStore) Append(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

// Load returns all records. A final line cut short by a crash is dropped and
// the file is rewritten without it; any other unreadable line is corruption.
func (s *jsonlStore) Load(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(s.path))
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	lines := bytes.Split(data, []byte{'\n'})
	terminated := len(data) == 0 || data[len(data)-1] == '\n'
	needsRepair := false

	var recs []Record
	for i, line := range lines {
		last := i == len(lines)-1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec, err := decodeRecord(line)
		if err != nil {
			if last && !terminated {
				log.Warn().
					Str("path", s.path).
					Int("line", i+1).
					Int("bytes", len(line)).
					Msg("Discarding partial trailing record")
				needsRepair = true
				break
			}
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorruptLog, i+1, err)
		}
		if last && !terminated {
			needsRepair = true
		}
		recs = append(recs, rec)
	}

	if needsRepair {
		if err := s.Rewrite(ctx, recs); err != nil {
			return nil, fmt.Errorf("failed to repair session file: %w", err)
		}
		observability.RecordLogRewrite("repair")
	}
	return recs, nil
}

// Rewrite replaces the log through a temp file and an atomic rename.
func (s *jsonlStore) Rewrite(ctx context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tempPath := s.path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

func (s *jsonlStore) Close() error { return nil }
