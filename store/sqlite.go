package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS locations (
	url TEXT PRIMARY KEY,
	content BLOB,
	last_modified INTEGER NOT NULL
)`

const (
	insertEntrySQL    = `INSERT INTO locations (url, content, last_modified) VALUES (?, ?, ?)`
	updateEntrySQL    = `UPDATE locations SET content = ?, last_modified = ? WHERE url = ?`
	selectEntrySQL    = `SELECT content, last_modified FROM locations WHERE url = ?`
	selectModifiedSQL = `SELECT last_modified FROM locations WHERE url = ?`
	clearEntriesSQL   = `DELETE FROM locations`
)

//Retry tuning for transient "database is busy/locked" conditions.
// Retrying is bounded so sustained external contention surfaces as an error
// instead of hanging the caller forever.
const (
	busyRetryBaseDelay = 5 * time.Millisecond
	busyRetryMaxDelay  = 250 * time.Millisecond
	busyRetryAttempts  = 32
)

//SQLiteStore persists cache entries in a single SQLite table.
// All operations are serialized behind one lock, transient busy errors from
// the database are retried with exponential backoff.
type SQLiteStore struct {
	db *sql.DB

	mu sync.Mutex

	//tx holds the open batch transaction when Add was called with commit false
	tx *sql.Tx
}

//Timestamps are stored as UTC epoch milliseconds so the on-disk value is
// independent of the local timezone.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

//OpenSQLite opens or creates a SQLite-backed store at the given path.
// The backing table is created if it doesn't exist, so it is safe to call
// on every process start.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	//A single connection keeps all reads and writes, including uncommitted
	// batch inserts, on the same database handle
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &SQLiteStore{db: sqlDB}

	err = store.withLock("create table", func() error {
		_, err := sqlDB.Exec(createTableSQL)
		return err
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return store, nil
}

//Close releases the database handle. Writes buffered by Add with commit set
// to false that were never flushed are discarded.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}

	return s.db.Close()
}

//LastModified returns the stored modification time for a URL.
// The boolean is false when no entry exists.
func (s *SQLiteStore) LastModified(url string) (time.Time, bool, error) {
	var millis int64
	found := false

	err := s.withLock("last modified", func() error {
		err := s.querier().QueryRow(selectModifiedSQL, url).Scan(&millis)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("query last modified: %w", err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return time.Time{}, false, err
	}

	return fromMillis(millis), true, nil
}

//Add inserts a new entry for the URL.
// A conflicting entry is left untouched unless overwrite is true, in which
// case content and modification time are replaced in a single statement pair
// inside the same locked section.
// With commit set to false the write joins an open batch transaction which is
// made durable by the next Add with commit true, Flush or Clear.
func (s *SQLiteStore) Add(url string, content []byte, overwrite, commit bool) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("url is required")
	}

	return s.withLock("add", func() error {
		execer, err := s.execerForWrite(commit)
		if err != nil {
			return err
		}

		now := toMillis(time.Now())

		_, err = execer.Exec(insertEntrySQL, url, content, now)
		if err != nil {
			if !isUniqueViolation(err) {
				return fmt.Errorf("insert entry: %w", err)
			}
			if overwrite {
				if _, err := execer.Exec(updateEntrySQL, content, now, url); err != nil {
					return fmt.Errorf("overwrite entry: %w", err)
				}
			}
		}

		if commit {
			return s.flushLocked()
		}
		return nil
	})
}

//Load returns the stored entry for a URL or nil if no entry exists.
func (s *SQLiteStore) Load(url string) (*Entry, error) {
	var entry *Entry

	err := s.withLock("load", func() error {
		var content []byte
		var millis int64

		err := s.querier().QueryRow(selectEntrySQL, url).Scan(&content, &millis)
		if errors.Is(err, sql.ErrNoRows) {
			entry = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("query entry: %w", err)
		}

		entry = &Entry{
			URL:          url,
			Content:      content,
			LastModified: fromMillis(millis),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

//Flush durably commits writes buffered by Add with commit set to false.
func (s *SQLiteStore) Flush() error {
	return s.withLock("flush", s.flushLocked)
}

//Clear deletes all entries and durably flushes the deletion.
func (s *SQLiteStore) Clear() error {
	return s.withLock("clear", func() error {
		if _, err := s.querier().Exec(clearEntriesSQL); err != nil {
			return fmt.Errorf("clear entries: %w", err)
		}
		return s.flushLocked()
	})
}

//sqlRunner is the subset of sql.DB and sql.Tx the store uses, so operations
// can run either in autocommit mode or inside the open batch transaction.
type sqlRunner interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

//querier must be called with the lock held
func (s *SQLiteStore) querier() sqlRunner {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

//execerForWrite must be called with the lock held.
// It opens the batch transaction lazily when a buffered write is requested.
func (s *SQLiteStore) execerForWrite(commit bool) (sqlRunner, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	if commit {
		return s.db, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin batch transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

//flushLocked must be called with the lock held
func (s *SQLiteStore) flushLocked() error {
	if s.tx == nil {
		return nil
	}

	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit batch transaction: %w", err)
	}
	return nil
}

//withLock serializes the operation behind the store lock and retries it while
// the database reports a transient busy or locked condition.
// Any other error propagates immediately.
func (s *SQLiteStore) withLock(op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := busyRetryBaseDelay

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isBusy(err) {
			return err
		}

		if attempt >= busyRetryAttempts {
			return fmt.Errorf("%s: database still busy after %d attempts: %w", op, attempt, err)
		}

		time.Sleep(delay)
		if delay < busyRetryMaxDelay {
			delay *= 2
		}
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database table is locked")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "locations.url")
}

var _ Store = (*SQLiteStore)(nil)
