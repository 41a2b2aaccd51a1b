package recording

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for unknown recording ids
var ErrNotFound = errors.New("recording not found")

// Store persists recordings by id
type Store interface {
	Get(ctx context.Context, id string) (Recording, error)
	Put(ctx context.Context, rec Recording) error
	// Update applies fn to the stored recording atomically and saves the
	// result. fn must not call back into the store.
	Update(ctx context.Context, id string, fn func(*Recording) error) (Recording, error)
	Delete(ctx context.Context, id string) error
	// List returns every recording, newest first
	List(ctx context.Context) ([]Recording, error)
}

// SQLiteStore keeps recordings as JSON documents in a SQLite table
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the store at path
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection keeps Update transactions simple
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    id TEXT PRIMARY KEY,
    data BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recordings_created ON recordings(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func get(ctx context.Context, q querier, id string) (Recording, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `SELECT data FROM recordings WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, ErrNotFound
	}
	if err != nil {
		return Recording{}, fmt.Errorf("load recording %s: %w", id, err)
	}

	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return Recording{}, fmt.Errorf("decode recording %s: %w", id, err)
	}
	return rec, nil
}

func put(ctx context.Context, q querier, rec Recording) error {
	if rec.ID == "" {
		return fmt.Errorf("recording has no id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode recording %s: %w", rec.ID, err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO recordings(id, data, created_at, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		rec.ID, data, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save recording %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Recording, error) {
	return get(ctx, s.db, id)
}

func (s *SQLiteStore) Put(ctx context.Context, rec Recording) error {
	return put(ctx, s.db, rec)
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*Recording) error) (rec Recording, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Recording{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	rec, err = get(ctx, tx, id)
	if err != nil {
		return Recording{}, err
	}
	if err = fn(&rec); err != nil {
		return Recording{}, err
	}
	rec.ID = id
	if err = put(ctx, tx, rec); err != nil {
		return Recording{}, err
	}
	if err = tx.Commit(); err != nil {
		return Recording{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete recording %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM recordings ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec Recording
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode recording: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
