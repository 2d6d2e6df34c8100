package store

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

//The MemoryStore keeps entries in memory.
// It satisfies the Store contract without persistence and is mostly useful
// for tests and short-lived processes.
type MemoryStore struct {
	lock sync.RWMutex

	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry, 64),
	}
}

func (s *MemoryStore) LastModified(url string) (time.Time, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if entry, found := s.entries[url]; found {
		return entry.LastModified, true, nil
	}
	return time.Time{}, false, nil
}

func (s *MemoryStore) Add(url string, content []byte, overwrite, commit bool) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("url is required")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, found := s.entries[url]; found && !overwrite {
		return nil
	}

	buf := make([]byte, len(content))
	copy(buf, content)

	s.entries[url] = Entry{
		URL:          url,
		Content:      buf,
		LastModified: time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) Load(url string) (*Entry, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if entry, found := s.entries[url]; found {
		return &entry, nil
	}
	return nil, nil
}

//Flush is a no-op, memory writes are never buffered.
func (s *MemoryStore) Flush() error {
	return nil
}

func (s *MemoryStore) Clear() error {
	s.lock.Lock()
	s.entries = make(map[string]Entry, 64)
	s.lock.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
