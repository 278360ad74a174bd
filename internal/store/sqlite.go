package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createKVTable = `
CREATE TABLE IF NOT EXISTS kv (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    expires_at INTEGER
)`

const createIndexTable = `
CREATE TABLE IF NOT EXISTS kv_index (
    name       TEXT NOT NULL,
    member     TEXT NOT NULL,
    expires_at INTEGER,
    PRIMARY KEY (name, member)
)`

// live matches rows that have no expiry or expire after the bound time.
const live = `(expires_at IS NULL OR expires_at > ?)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite. Expiry is stored as unix
// milliseconds and enforced on read; PurgeExpired reclaims the rows.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createKVTable, createIndexTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetClock replaces the time source used to evaluate expiry.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLiteStore) nowMS() int64 {
	return s.now().UnixMilli()
}

func (s *SQLiteStore) expiry(ttl time.Duration) *int64 {
	if ttl <= 0 {
		return nil
	}
	at := s.now().Add(ttl).UnixMilli()
	return &at
}

// Get returns the live value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND `+live, key, s.nowMS(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts value under key with the given ttl.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, s.expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Take deletes key and returns the value it held, in one statement.
func (s *SQLiteStore) Take(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM kv WHERE key = ? AND `+live+` RETURNING value`, key, s.nowMS(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take %s: %w", key, err)
	}
	return value, nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// AddToIndex adds member to index and moves the expiry of every member of
// the index to now+ttl, mirroring a Redis set with EXPIRE.
func (s *SQLiteStore) AddToIndex(ctx context.Context, index, member string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	exp := s.expiry(ttl)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv_index (name, member, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name, member) DO NOTHING`, index, member, exp,
	); err != nil {
		return fmt.Errorf("add to index %s: %w", index, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE kv_index SET expires_at = ? WHERE name = ?`, exp, index,
	); err != nil {
		return fmt.Errorf("refresh index %s: %w", index, err)
	}
	return tx.Commit()
}

// RemoveFromIndex removes member from index.
func (s *SQLiteStore) RemoveFromIndex(ctx context.Context, index, member string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_index WHERE name = ? AND member = ?`, index, member)
	if err != nil {
		return fmt.Errorf("remove from index %s: %w", index, err)
	}
	return nil
}

// Members returns the live members of index ordered by member.
func (s *SQLiteStore) Members(ctx context.Context, index string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM kv_index WHERE name = ? AND `+live+` ORDER BY member`,
		index, s.nowMS())
	if err != nil {
		return nil, fmt.Errorf("members %s: %w", index, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CountPrefix counts live keys starting with prefix.
func (s *SQLiteStore) CountPrefix(ctx context.Context, prefix string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv WHERE substr(key, 1, ?) = ? AND `+live,
		len(prefix), prefix, s.nowMS(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", prefix, err)
	}
	return n, nil
}

// PurgeExpired deletes expired keys and index members, returning the number
// of rows removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.nowMS()
	var total int64
	for _, table := range []string{"kv", "kv_index"} {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
