// Package sqlite persists conversation sessions in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chatbridge/internal/sessions"
)

// SessionStore implements sessions.Store using SQLite.
type SessionStore struct {
	db *sql.DB
}

// Open creates (or opens) the database at dbPath and applies migrations.
func Open(dbPath string) (*SessionStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SessionStore{db: db}, nil
}

func (s *SessionStore) Load(ctx context.Context, id string) (*sessions.Record, error) {
	var raw string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT messages, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	rec := &sessions.Record{ID: id, Updated: time.UnixMilli(updated)}
	if err := json.Unmarshal([]byte(raw), &rec.Messages); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return rec, nil
}

func (s *SessionStore) Save(ctx context.Context, rec *sessions.Record) error {
	msgs, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	updated := rec.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, messages, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		rec.ID, string(msgs), updated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *SessionStore) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions`)
	return err
}

// Count returns the number of stored sessions.
func (s *SessionStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// Ping checks the database connection.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SessionStore) Close() error {
	return s.db.Close()
}

var _ sessions.Store = (*SessionStore)(nil)
