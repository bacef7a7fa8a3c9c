package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Storage is a collection of named stores.
// A store is created implicitly the first time it is opened and lives until
// it is deleted explicitly. Store names usually encode a cache generation.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the store with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Store, error)
	// Names returns the names of all existing stores in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete destroys the store with the given name and all of its entries.
	// It reports whether the store existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// Store is a named collection of request key -> serialized response entries.
// Insertion order is significant: Keys returns the oldest entry first.
// Putting an existing key replaces the value and makes it the newest entry.
//
// Implementations must be thread-safe!
type Store interface {
	// Name returns the name the store was opened with.
	Name() string
	// Keys returns all keys in insertion order, oldest first.
	Keys(ctx context.Context) ([]string, error)
	// Get returns the stored value for the given key, if it exists.
	// It also returns a boolean indicating whether the key was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the given value under the given key.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes the entry for the given key.
	// It reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)
}

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// counts in-memory databases, so each storage gets its own
var memoryDatabases atomic.Int64

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened that no other storage shares.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:cachefirst-%d?mode=memory&cache=shared", memoryDatabases.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, fmt.Errorf("could not open sqlite db %s: %w", filename, err)
	}
	// writes are serialized anyway, a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			UNIQUE (store, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_store_idx ON entries (store, id)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("could not initialize sqlite db: %w", err)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying database.
func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)", name, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	return sqliteStore{storage: s, name: name}, nil
}

func (s SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (s SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

type sqliteStore struct {
	storage SQLiteStorage
	name    string
}

func (s sqliteStore) Name() string {
	return s.name
}

func (s sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.storage.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE store = ? ORDER BY id ASC", s.name)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (s sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.storage.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE store = ? AND key = ?", s.name, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

// Put replaces any previous row, which hands out a new id
// and thereby moves the key to the end of the insertion order.
func (s sqliteStore) Put(ctx context.Context, key string, value []byte) error {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	_, err := s.storage.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (store, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		s.name, key, time.Now().Unix(), value)
	return err
}

func (s sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	result, err := s.storage.db.ExecContext(ctx,
		"DELETE FROM entries WHERE store = ? AND key = ?", s.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return values, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}
