package main

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Directory is the user directory: identity -> (endpoint id, bypass flag).
// Records are written by the management side; this service only reads them
// and auto-registers unknown identities.
type Directory interface {
	Init() error
	// Lookup returns nil, nil when the identity is absent.
	Lookup(ctx context.Context, identity string) (*UserRecord, error)
	// Create inserts a record; it returns false when the identity already exists.
	Create(ctx context.Context, identity string, endpointID int64, bypass bool) (bool, error)
}

// Memory directory
type MemDirectory struct {
	mu    sync.RWMutex
	users map[string]*UserRecord
}

func NewMemoryDirectory() *MemDirectory {
	return &MemDirectory{users: map[string]*UserRecord{}}
}

func (m *MemDirectory) Init() error { return nil }

func (m *MemDirectory) Lookup(_ context.Context, identity string) (*UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[identity]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDirectory) Create(_ context.Context, identity string, endpointID int64, bypass bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[identity]; ok {
		return false, nil
	}
	m.users[identity] = &UserRecord{Identity: identity, EndpointID: endpointID, Bypass: bypass, CreatedAt: time.Now()}
	return true, nil
}

// SQLite directory, same table the management API writes to.
type SQLiteDirectory struct {
	db   *sql.DB
	path string
}

func NewSQLiteDirectory(path string) (*SQLiteDirectory, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single writer; the pragma below is per connection
	d.SetMaxOpenConns(1)
	s := &SQLiteDirectory{db: d, path: path}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDirectory) Init() error {
	queries := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS users (domain_and_username TEXT PRIMARY KEY UNIQUE, telegram_id INTEGER, is_bypass BOOLEAN NOT NULL DEFAULT FALSE);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteDirectory) Lookup(ctx context.Context, identity string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT domain_and_username,telegram_id,is_bypass FROM users WHERE domain_and_username = ?`, identity)
	var u UserRecord
	var endpoint sql.NullInt64
	if err := row.Scan(&u.Identity, &endpoint, &u.Bypass); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.EndpointID = endpoint.Int64
	return &u, nil
}

func (s *SQLiteDirectory) Create(ctx context.Context, identity string, endpointID int64, bypass bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO users(domain_and_username,telegram_id,is_bypass) VALUES(?,?,?) ON CONFLICT(domain_and_username) DO NOTHING`, identity, endpointID, bypass)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// lifecycle helpers
func (m *MemDirectory) close() error { return nil }
func (m *MemDirectory) ping() bool   { return true }

func (s *SQLiteDirectory) close() error { return s.db.Close() }
func (s *SQLiteDirectory) ping() bool   { return s.db.Ping() == nil }
