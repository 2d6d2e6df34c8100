package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

//LevelDBStore persists cache entries in a LevelDB database.
// Entries are gob encoded under their URL. Writes buffered by Add with commit
// set to false are kept in memory and written as a single synced batch on the
// next durable operation.
type LevelDBStore struct {
	db *leveldb.DB

	mu sync.Mutex

	//pending holds buffered writes until the next flush
	pending map[string]Entry
}

var syncedWrite = &opt.WriteOptions{Sync: true}

//OpenLevelDB opens or creates a LevelDB-backed store at the given directory.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}

	return &LevelDBStore{
		db:      db,
		pending: make(map[string]Entry),
	}, nil
}

//Close releases the database handle. Unflushed buffered writes are discarded.
func (s *LevelDBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = make(map[string]Entry)
	return s.db.Close()
}

//LastModified returns the stored modification time for a URL.
// The boolean is false when no entry exists.
func (s *LevelDBStore) LastModified(url string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.loadLocked(url)
	if err != nil || entry == nil {
		return time.Time{}, false, err
	}
	return entry.LastModified, true, nil
}

//Add inserts a new entry for the URL.
// A conflicting entry is left untouched unless overwrite is true.
func (s *LevelDBStore) Add(url string, content []byte, overwrite, commit bool) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("url is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !overwrite {
		existing, err := s.loadLocked(url)
		if err != nil {
			return err
		}
		if existing != nil {
			//Conflicting insert without overwrite is a silent no-op
			if commit {
				return s.flushLocked()
			}
			return nil
		}
	}

	s.pending[url] = Entry{
		URL:          url,
		Content:      content,
		LastModified: time.Now().UTC(),
	}

	if commit {
		return s.flushLocked()
	}
	return nil
}

//Load returns the stored entry for a URL or nil if no entry exists.
func (s *LevelDBStore) Load(url string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked(url)
}

//Flush durably commits buffered writes as one synced batch.
func (s *LevelDBStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.flushLocked()
}

//Clear deletes all entries, buffered and persisted, and durably flushes.
func (s *LevelDBStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = make(map[string]Entry)

	batch := new(leveldb.Batch)

	it := s.db.NewIterator(nil, nil)
	for it.Next() {
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		batch.Delete(key)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("iterate entries: %w", err)
	}

	if err := s.db.Write(batch, syncedWrite); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return nil
}

//loadLocked must be called with the lock held.
// Buffered writes shadow persisted entries so a batch behaves like the
// transaction it replaces.
func (s *LevelDBStore) loadLocked(url string) (*Entry, error) {
	if entry, ok := s.pending[url]; ok {
		return &entry, nil
	}

	raw, err := s.db.Get([]byte(url), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}

	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}

//flushLocked must be called with the lock held
func (s *LevelDBStore) flushLocked() error {
	if len(s.pending) == 0 {
		return nil
	}

	batch := new(leveldb.Batch)

	for url, entry := range s.pending {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		batch.Put([]byte(url), buf.Bytes())
	}

	if err := s.db.Write(batch, syncedWrite); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	s.pending = make(map[string]Entry)
	return nil
}

var _ Store = (*LevelDBStore)(nil)
