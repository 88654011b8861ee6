package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
`

// SQLiteBackend keeps every session's records in one SQLite database.
// Each append is its own committed transaction.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend opens (or creates) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteBackend{db: db, path: path}, nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query session: %w", err)
	}
	return n > 0, nil
}

func (b *SQLiteBackend) Create(ctx context.Context, id string) (Store, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}
	_, err := b.db.ExecContext(ctx,
		"INSERT INTO sessions (id, updated_at) VALUES (?, ?)",
		id, time.Now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", id, err)
	}
	return &sqliteStore{db: b.db, id: id}, nil
}

func (b *SQLiteBackend) Open(ctx context.Context, id string) (Store, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}
	ok, err := b.exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return &sqliteStore{db: b.db, id: id}, nil
}

func (b *SQLiteBackend) Stat(ctx context.Context, id string) (Stat, error) {
	var (
		updated int64
		payload []byte
		size    int64
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT s.updated_at,
			(SELECT payload FROM records WHERE session_id = s.id ORDER BY seq LIMIT 1),
			(SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM records WHERE session_id = s.id)
		FROM sessions s WHERE s.id = ?`, id,
	).Scan(&updated, &payload, &size)
	if err == sql.ErrNoRows {
		return Stat{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return Stat{}, fmt.Errorf("failed to stat session: %w", err)
	}

	rec, err := decodeRecord(payload)
	if err != nil || rec.Type != RecordHeader {
		return Stat{}, fmt.Errorf("%w: session %s has no header", ErrCorruptLog, id)
	}
	return Stat{Header: *rec.Header, UpdatedAt: time.Unix(0, updated), Size: size}, nil
}

func (b *SQLiteBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT id FROM sessions ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

type sqliteStore struct {
	db *sql.DB
	id string
}

func (s *sqliteStore) Append(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (session_id, seq, payload)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM records WHERE session_id = ?), ?)`,
		s.id, s.id, data,
	); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?", time.Now().UnixNano(), s.id,
	); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

func (s *sqliteStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, payload FROM records WHERE session_id = ? ORDER BY seq", s.id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorruptLog, seq, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return recs, nil
}

// Rewrite swaps the session's records inside one transaction.
func (s *sqliteStore) Rewrite(ctx context.Context, recs []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE session_id = ?", s.id); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO records (session_id, seq, payload) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, s.id, i+1, data); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?", time.Now().UnixNano(), s.id,
	); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error { return nil }
