package store

import (
	"time"
)

//Entry is a single cached resource as persisted by a Store.
type Entry struct {
	//URL is the canonical resource identifier the entry is keyed by
	URL string

	//Content is the cached response body
	Content []byte

	//LastModified is the moment the entry was written or last overwritten, always in UTC
	LastModified time.Time
}

//A Store persists fetched resources keyed by their canonical URL.
// There is at most one entry per URL. Adding a second entry for the same URL
// without requesting an overwrite leaves the existing entry untouched.
//
// All operations of a store must be safe for concurrent use by multiple goroutines.
// Store implementations serialize operations behind a single lock, they are not
// designed for fine-grained per-key locking.
type Store interface {

	//LastModified returns the stored modification time for a URL.
	// The boolean is false if no entry exists for the URL.
	// An error is only returned for storage failures, not for absent entries.
	LastModified(url string) (time.Time, bool, error)

	//Add inserts a new entry for the URL.
	// If an entry already exists the call is a no-op unless overwrite is true,
	// in which case content and modification time are replaced atomically.
	// If commit is false the write may be buffered to speed up bulk inserts,
	// a final Flush makes all buffered writes durable.
	Add(url string, content []byte, overwrite, commit bool) error

	//Load returns the stored entry for a URL or nil if no entry exists.
	Load(url string) (*Entry, error)

	//Flush durably commits any writes buffered by Add with commit set to false.
	Flush() error

	//Clear deletes all entries and durably flushes the deletion.
	Clear() error

	//Close releases the underlying storage handle.
	Close() error
}
