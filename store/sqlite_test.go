package store

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTempSQLite(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close sqlite store: %v", err)
		}
	})
	return s
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLite(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s.Add("https://example.com/a", []byte("v"), false, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	//Reopening must not disturb existing entries
	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()

	entry, err := s.Load("https://example.com/a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if entry == nil || string(entry.Content) != "v" {
		t.Fatalf("entry = %v, want content %q", entry, "v")
	}
}

func TestSQLiteAddLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTempSQLite(t)

	before := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Add("https://example.com/data", []byte("Hello world!"), false, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	after := time.Now().UTC()

	entry, err := s.Load("https://example.com/data")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if entry == nil {
		t.Fatal("entry is nil after add")
	}
	if !bytes.Equal(entry.Content, []byte("Hello world!")) {
		t.Fatalf("content = %q, want %q", entry.Content, "Hello world!")
	}
	if entry.LastModified.Before(before) || entry.LastModified.After(after) {
		t.Fatalf("last modified %v outside [%v, %v]", entry.LastModified, before, after)
	}

	modified, found, err := s.LastModified("https://example.com/data")
	if err != nil {
		t.Fatalf("last modified: %v", err)
	}
	if !found {
		t.Fatal("last modified not found after add")
	}
	if !modified.Equal(entry.LastModified) {
		t.Fatalf("last modified %v, want %v", modified, entry.LastModified)
	}
}

func TestSQLiteAbsentKey(t *testing.T) {
	t.Parallel()

	s := openTempSQLite(t)

	entry, err := s.Load("https://example.com/missing")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if entry != nil {
		t.Fatalf("entry = %v, want nil", entry)
	}

	_, found, err := s.LastModified("https://example.com/missing")
	if err != nil {
		t.Fatalf("last modified: %v", err)
	}
	if found {
		t.Fatal("last modified found for absent key")
	}
}

func TestSQLiteConflictWithoutOverwriteIsNoOp(t *testing.T) {
	t.Parallel()

	s := openTempSQLite(t)

	if err := s.Add("https://example.com/k", []byte("v1"), false, true); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.Add("https://example.com/k", []byte("v2"), false, true); err != nil {
		t.Fatalf("conflicting add: %v", err)
	}

	entry, err := s.Load("https://example.com/k")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(entry.Content) != "v1" {
		t.Fatalf("content = %q, want %q", entry.Content, "v1")
	}
}

func TestSQLiteOverwriteReplacesContentAndTimestamp(t *testing.T) {
	t.Parallel()

	s := openTempSQLite(t)

	if err := s.Add("https://example.com/k", []byte("v1"), false, true); err != nil {
		t.Fatalf("first add: %v", err)
	}

	first, _, err := s.LastModified("https://example.com/k")
	if err != nil {
		t.Fatalf("last modified: %v", err)
	}

	//Timestamps have millisecond resolution
	time.Sleep(5 * time.Millisecond)

	if err := s.Add("https://example.com/k", []byte("v2"), true, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	entry, err := s.Load("https://example.com/k")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(entry.Content) != "v2" {
		t.Fatalf("content = %q, want %q", entry.Content, "v2")
	}
	if !entry.LastModified.After(first) {
		t.Fatalf("last modified %v not after %v", entry.LastModified, first)
	}
}

func TestSQLiteClearEmptiesStore(t *testing.T) {
	t.Parallel()

	s := openTempSQLite(t)

	keys := []string{"https://example.com/a", "https://example.com/b"}
	for _, key := range keys {
		if err := s.Add(key, []byte("v"), false, true); err != nil {
			t.Fatalf("add %s: %v", key, err)
		}
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	for _, key := range keys {
		entry, err := s.Load(key)
		if err != nil {
			t.Fatalf("load %s: %v", key, err)
		}
		if entry != nil {
			t.Fatalf("entry for %s survived clear", key)
		}
	}
}

func TestSQLiteBatchedAddsVisibleAfterFlush(t *testing.T) {
	t.Parallel()

	s := openTempSQLite(t)

	for _, key := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		if err := s.Add(key, []byte("batched"), false, false); err != nil {
			t.Fatalf("buffered add %s: %v", key, err)
		}
	}

	//Buffered writes are already visible through the store itself
	entry, err := s.Load("https://example.com/2")
	if err != nil {
		t.Fatalf("load before flush: %v", err)
	}
	if entry == nil {
		t.Fatal("buffered entry not visible before flush")
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	entry, err = s.Load("https://example.com/2")
	if err != nil {
		t.Fatalf("load after flush: %v", err)
	}
	if entry == nil || string(entry.Content) != "batched" {
		t.Fatalf("entry after flush = %v, want content %q", entry, "batched")
	}
}

func TestSQLiteConcurrentAdds(t *testing.T) {
	t.Parallel()

	s := openTempSQLite(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Add("https://example.com/contended", []byte("v"), true, true); err != nil {
				t.Errorf("concurrent add: %v", err)
			}
		}()
	}
	wg.Wait()

	entry, err := s.Load("https://example.com/contended")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if entry == nil || string(entry.Content) != "v" {
		t.Fatalf("entry = %v, want content %q", entry, "v")
	}
}
