package cachefetch_test

import (
	"context"
	"fmt"
	"time"

	"github.com/cachefetch/cachefetch"
	"github.com/cachefetch/cachefetch/store"
)

//Example demonstrates the most basic setup, a client backed by a SQLite cache
// fetching the same resource twice. The second call is answered from the
// cache without a network round trip.
func Example() {

	cache, err := store.OpenSQLite("cache.db")
	if err != nil {
		fmt.Printf("Opening cache failed: %s", err.Error())
		return
	}
	defer cache.Close()

	client := &cachefetch.Client{
		Store: cache,
	}

	result, err := client.Fetch(context.Background(), "https://example.com/data.csv", nil)
	if err != nil {
		fmt.Printf("Fetch failed: %s", err.Error())
		return
	}

	fmt.Printf("fresh: %t, %d bytes\n", result.Fresh, len(result.Body))

	result, err = client.Fetch(context.Background(), "https://example.com/data.csv", nil)
	if err != nil {
		fmt.Printf("Fetch failed: %s", err.Error())
		return
	}

	fmt.Printf("fresh: %t, %d bytes\n", result.Fresh, len(result.Body))
}

//Example_refresh demonstrates a forced revalidation. Outside the cooldown
// window the client sends a conditional request and the origin can answer
// with 304 Not Modified instead of resending the body.
func Example_refresh() {

	cache, err := store.OpenSQLite("cache.db")
	if err != nil {
		fmt.Printf("Opening cache failed: %s", err.Error())
		return
	}
	defer cache.Close()

	client := &cachefetch.Client{
		Store:           cache,
		RefreshCooldown: 300 * time.Second,
	}

	opts := cachefetch.NewFetchOptions()
	opts.Refresh = true
	opts.Delay = 2 * time.Second // be polite to the origin

	result, err := client.Fetch(context.Background(), "https://example.com/data.csv", opts)
	if err != nil {
		fmt.Printf("Fetch failed: %s", err.Error())
		return
	}

	fmt.Printf("fresh: %t\n", result.Fresh)
}
