package cache

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	serializer "github.com/always-cache/offline-worker/pkg/response-serializer"
)

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens the storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite storage: %w", err)
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO generations (name) VALUES (?)", name)
	return err
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM generations ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, tx.Commit()
}

func (s *SQLiteStorage) Get(ctx context.Context, name, key string) (Entry, bool, error) {
	var bts []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE generation = ? AND key = ?", name, key,
	).Scan(&bts)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, err
	}
	entry, err := bytesToEntry(bts)
	return entry, err == nil, err
}

func (s *SQLiteStorage) Put(ctx context.Context, name, key string, entry Entry) error {
	bts, err := entryToBytes(entry)
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO generations (name) VALUES (?)", name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (generation, key, bytes) VALUES (?, ?, ?)", name, key, bts,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Match(ctx context.Context, key string) (Entry, bool, error) {
	var bts []byte
	err := s.db.QueryRowContext(ctx, `SELECT e.bytes
		FROM entries e JOIN generations g ON g.name = e.generation
		WHERE e.key = ? ORDER BY g.id ASC LIMIT 1`, key,
	).Scan(&bts)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, err
	}
	entry, err := bytesToEntry(bts)
	return entry, err == nil, err
}

func (s *SQLiteStorage) Keys(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE generation = ? ORDER BY key ASC", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func entryToBytes(entry Entry) ([]byte, error) {
	return serializer.StoredResponseToBytes(serializer.StoredResponse{
		URL:      entry.URL,
		StoredAt: entry.StoredAt,
		Response: entry.Response(nil),
	})
}

func bytesToEntry(bts []byte) (Entry, error) {
	sRes, err := serializer.BytesToStoredResponse(bts)
	if err != nil {
		return Entry{}, err
	}
	body, err := io.ReadAll(sRes.Response.Body)
	if err != nil {
		return Entry{}, err
	}
	header := sRes.Response.Header
	if header == nil {
		header = http.Header{}
	}
	header.Del("Content-Length")
	return Entry{
		URL:      sRes.URL,
		Status:   sRes.Response.StatusCode,
		Header:   header,
		Body:     bytes.Clone(body),
		StoredAt: sRes.StoredAt,
	}, nil
}
