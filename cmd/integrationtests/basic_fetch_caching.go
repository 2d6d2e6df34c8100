package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cachefetch/cachefetch"
	"github.com/cachefetch/cachefetch/store"
)

func init() {
	Scenarios = append(Scenarios,
		helloCachingScenario(),
		refreshCooldownScenario(),
		notModifiedRevalidationScenario(),
		redirectScenario(),
	)
}

func newMemoryClient() *cachefetch.Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return &cachefetch.Client{
		Store:  store.NewMemoryStore(),
		Logger: logger,
	}
}

func expectBody(expected string, fresh bool) func(result *cachefetch.FetchResult, err error) error {
	return func(result *cachefetch.FetchResult, err error) error {
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}
		if string(result.Body) != expected {
			return fmt.Errorf("body = %q, want %q", result.Body, expected)
		}
		if result.Fresh != fresh {
			return fmt.Errorf("fresh = %t, want %t", result.Fresh, fresh)
		}
		return nil
	}
}

func helloHandler(resp http.ResponseWriter, req *http.Request) {
	_, _ = resp.Write([]byte("Hello world!"))
}

//helloCachingScenario confirms the second fetch of a cached resource is
// served from the store without an origin round trip
func helloCachingScenario() IntegrationTestScenario {
	return IntegrationTestScenario{
		Name:      "Cache on first fetch, serve from store on second",
		NewClient: newMemoryClient,
		Steps: []IntegrationTestScenarioStep{
			{
				Name:                  "First fetch",
				Path:                  "/hello",
				ExpectRequestToOrigin: true,
				OriginHandler:         helloHandler,
				ResultChecker:         expectBody("Hello world!", true),
			},
			{
				Name:                  "Second fetch",
				Path:                  "/hello",
				ExpectRequestToOrigin: false,
				OriginHandler:         helloHandler,
				ResultChecker:         expectBody("Hello world!", false),
			},
		},
	}
}

//refreshCooldownScenario confirms a refresh inside the cooldown window never
// reaches the origin
func refreshCooldownScenario() IntegrationTestScenario {
	refreshOpts := cachefetch.NewFetchOptions()
	refreshOpts.Refresh = true

	return IntegrationTestScenario{
		Name:      "Refresh inside cooldown is served from store",
		NewClient: newMemoryClient,
		Steps: []IntegrationTestScenarioStep{
			{
				Name:                  "Populate cache",
				Path:                  "/hello",
				ExpectRequestToOrigin: true,
				OriginHandler:         helloHandler,
				ResultChecker:         expectBody("Hello world!", true),
			},
			{
				Name:                  "Refresh immediately",
				Path:                  "/hello",
				Options:               refreshOpts,
				ExpectRequestToOrigin: false,
				OriginHandler:         helloHandler,
				ResultChecker:         expectBody("Hello world!", false),
			},
		},
	}
}

//notModifiedRevalidationScenario confirms a refresh outside the cooldown
// sends a conditional request and a 304 answer serves the cached body
func notModifiedRevalidationScenario() IntegrationTestScenario {
	refreshOpts := cachefetch.NewFetchOptions()
	refreshOpts.Refresh = true

	notModifiedHandler := func(resp http.ResponseWriter, req *http.Request) {
		if req.Header.Get("If-Modified-Since") == "" {
			http.Error(resp, "expected a conditional request", http.StatusInternalServerError)
			return
		}
		resp.WriteHeader(http.StatusNotModified)
	}

	return IntegrationTestScenario{
		Name: "Refresh after cooldown revalidates with If-Modified-Since",
		NewClient: func() *cachefetch.Client {
			client := newMemoryClient()
			client.RefreshCooldown = time.Nanosecond
			return client
		},
		Steps: []IntegrationTestScenarioStep{
			{
				Name:                  "Populate cache",
				Path:                  "/hello",
				ExpectRequestToOrigin: true,
				OriginHandler:         helloHandler,
				ResultChecker:         expectBody("Hello world!", true),
			},
			{
				Name:                  "Refresh after cooldown",
				Path:                  "/hello",
				Options:               refreshOpts,
				ExpectRequestToOrigin: true,
				OriginHandler:         notModifiedHandler,
				ResultChecker:         expectBody("Hello world!", false),
			},
		},
	}
}

//redirectScenario confirms redirects are surfaced as data when not followed
// and cached under the original key when followed
func redirectScenario() IntegrationTestScenario {
	noFollowOpts := cachefetch.NewFetchOptions()
	noFollowOpts.FollowRedirects = false

	countdownHandler := func(resp http.ResponseWriter, req *http.Request) {
		step := strings.TrimPrefix(req.URL.Path, "/countdown/")
		remaining, err := strconv.Atoi(step)
		if err != nil {
			http.NotFound(resp, req)
			return
		}
		if remaining <= 0 {
			_, _ = resp.Write([]byte("Zero"))
			return
		}
		http.Redirect(resp, req, "/countdown/"+strconv.Itoa(remaining-1), http.StatusFound)
	}

	return IntegrationTestScenario{
		Name:      "Redirects surfaced or followed on request",
		NewClient: newMemoryClient,
		Steps: []IntegrationTestScenarioStep{
			{
				Name:                  "Surface redirect destination",
				Path:                  "/countdown/2",
				Options:               noFollowOpts,
				ExpectRequestToOrigin: true,
				OriginHandler:         countdownHandler,
				ResultChecker: func(result *cachefetch.FetchResult, err error) error {
					if err != nil {
						return fmt.Errorf("fetch failed: %w", err)
					}
					if !result.Fresh {
						return errors.New("surfaced redirect should be fresh")
					}
					if !strings.HasSuffix(string(result.Body), "/countdown/1") {
						return fmt.Errorf("body = %q, want the redirect destination", result.Body)
					}
					return nil
				},
			},
			{
				Name:                  "Follow redirect chain",
				Path:                  "/countdown/2",
				ExpectRequestToOrigin: true,
				OriginHandler:         countdownHandler,
				ResultChecker: func(result *cachefetch.FetchResult, err error) error {
					if err != nil {
						return fmt.Errorf("fetch failed: %w", err)
					}
					if string(result.Body) != "Zero" {
						return fmt.Errorf("body = %q, want %q", result.Body, "Zero")
					}
					if !strings.HasSuffix(result.ResourceKey, "/countdown/2") {
						return fmt.Errorf("resource key = %q, want the originally requested URL", result.ResourceKey)
					}
					return nil
				},
			},
		},
	}
}
