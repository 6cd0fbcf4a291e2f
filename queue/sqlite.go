package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

type SQLiteQueue struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteQueue opens the queue with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteQueue(filename string) (*SQLiteQueue, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS submissions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		content_type TEXT,
		body BLOB,
		created_at INTEGER
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite queue: %w", err)
	}
	return &SQLiteQueue{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (q *SQLiteQueue) List(ctx context.Context) ([]Submission, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT
		id, url, content_type, body, created_at
		FROM submissions ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	submissions := make([]Submission, 0)
	for rows.Next() {
		var s Submission
		var created int64
		if err := rows.Scan(&s.ID, &s.URL, &s.ContentType, &s.Body, &created); err != nil {
			return submissions, err
		}
		s.CreatedAt = time.Unix(0, created)
		submissions = append(submissions, s)
	}
	return submissions, rows.Err()
}

func (q *SQLiteQueue) Append(ctx context.Context, s Submission) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.ExecContext(ctx, `INSERT INTO submissions
		(id, url, content_type, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.URL, s.ContentType, s.Body, s.CreatedAt.UnixNano())
	return err
}

func (q *SQLiteQueue) Remove(ctx context.Context, id string) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.ExecContext(ctx, "DELETE FROM submissions WHERE id = ?", id)
	return err
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
