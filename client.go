package cachefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cachefetch/cachefetch/store"
)

const (
	locationHeader        = "Location"
	ifModifiedSinceHeader = "If-Modified-Since"
	userAgentHeader       = "User-Agent"
)

//ErrNotCached is returned when a fetch should be answered from the store but
// no entry exists for the resource. It indicates broken cache state, for
// example an entry deleted between the metadata read and the load.
var ErrNotCached = errors.New("resource is not in the cache")

//A FetchResult is the uniform outcome of a successful fetch.
type FetchResult struct {

	//Body is the response body, after archive extraction if it was requested
	Body []byte

	//ResourceKey is the canonical form of the originally requested URL.
	// It never changes to a redirect target, even when redirects were followed.
	ResourceKey string

	//Fresh is true when the body came from a live origin round trip in this
	// call and false when it was served entirely from the store
	Fresh bool
}

//FetchOptions control a single fetch.
type FetchOptions struct {

	//Refresh requests a genuine revalidation attempt at the origin.
	// Without it any cached entry is served, however old.
	Refresh bool

	//Cache stores a successfully fetched body, overwriting any previous entry
	Cache bool

	//FollowRedirects makes the transport follow redirect chains internally.
	// When false a redirect response is surfaced as data, the result body is
	// the redirect target location.
	FollowRedirects bool

	//Delay suspends the fetch for this duration before returning,
	// a rate-limiting courtesy to the origin. It applies to every path that
	// attempted an origin round trip, including failed ones.
	Delay time.Duration

	//Extract names an archive member to extract from the fetched body
	Extract string

	//Header holds extra request headers merged into the origin request
	Header http.Header
}

//NewFetchOptions creates FetchOptions with the defaults, caching enabled and
// redirects followed.
func NewFetchOptions() *FetchOptions {
	return &FetchOptions{
		Cache:           true,
		FollowRedirects: true,
	}
}

//The Client is a conditional-fetch HTTP client which interposes a persistent
// cache between the caller and origin servers. When the origin reports no
// change since the cached copy the download is skipped and the cached body is
// served instead.
type Client struct {

	//Store holds the persisted cache entries, it is required
	Store store.Store

	//The transport used to contact origin servers
	// if nil a transport is built from the TransportConfig on first use
	Transport http.RoundTripper

	//TransportConfig tunes the transport built when Transport is nil
	// if nil the defaults from NewTransportConfig are used
	TransportConfig *TransportConfig

	//RefreshCooldown is the minimum age a cached entry must reach before a
	// refresh actually contacts the origin again
	// if zero DefaultRefreshCooldown is used
	RefreshCooldown time.Duration

	//The Logger which will be used for logging
	// if nil the default logger will be used
	Logger *logrus.Logger
}

//Fetch retrieves a resource, consulting the cache first.
//
//Ordinary network and origin failures are logged and returned as an error
// with a nil result, they never panic. The result is nil exactly when the
// error is non-nil.
func (client *Client) Fetch(ctx context.Context, target string, opts *FetchOptions) (*FetchResult, error) {

	if client.Logger == nil {
		client.Logger = logrus.New()
	}

	if client.TransportConfig == nil {
		client.TransportConfig = NewTransportConfig()
	}

	cooldown := client.RefreshCooldown
	if cooldown == 0 {
		cooldown = DefaultRefreshCooldown
	}

	if client.Store == nil {
		return nil, errors.New("client has no store")
	}

	if opts == nil {
		opts = NewFetchOptions()
	}

	key, err := canonicalKey(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target url %q: %w", target, err)
	}

	log := client.Logger.WithField("url", key)
	log.Debug("Fetching resource")

	lastModified, cached, err := client.Store.LastModified(key)
	if err != nil {
		log.WithError(err).Error("Error while reading cache metadata")
		return nil, err
	}

	action := decideRevalidation(opts.Refresh, cached, lastModified, cooldown)

	if action == serveFromStore {
		log.Debug("Have cached entry, not contacting origin")
		return client.loadCached(log, key)
	}

	//From here on an origin round trip is attempted, so the courtesy delay
	// applies regardless of the outcome
	if opts.Delay > 0 {
		delayCtx := ctx
		defer func() {
			log.WithField("delay", opts.Delay).Debug("Pausing before returning")
			select {
			case <-time.After(opts.Delay):
			case <-delayCtx.Done():
			}
		}()
	}

	if client.TransportConfig.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, client.TransportConfig.RequestTimeout)
		defer cancel()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %q: %w", target, err)
	}

	for header, values := range opts.Header {
		request.Header[header] = values
	}

	if request.Header.Get(userAgentHeader) == "" {
		request.Header.Set(userAgentHeader, client.TransportConfig.UserAgent)
	}

	if action == contactOriginConditional {
		request.Header.Set(ifModifiedSinceHeader, lastModified.UTC().Format(http.TimeFormat))
	}

	response, err := client.do(request, opts.FollowRedirects)
	if err != nil {
		log.WithError(err).Error("Error while contacting origin")
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotModified:
		log.Debug("Origin reports resource unchanged, using cached version")
		return client.loadCached(log, key)

	case isRedirect(response.StatusCode) && !opts.FollowRedirects:
		location := response.Header.Get(locationHeader)
		log.WithField("location", location).Debug("Redirected, not following")

		//The caller receives the destination as data instead of being
		// silently redirected
		return &FetchResult{
			Body:        []byte(location),
			ResourceKey: key,
			Fresh:       true,
		}, nil

	case response.StatusCode >= 400:
		err := fmt.Errorf("fetch %s: origin returned status %d", key, response.StatusCode)
		log.WithField("status", response.StatusCode).Error("Origin returned an error status")
		return nil, err
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		log.WithError(err).Error("Error while reading origin response")
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}

	log.Debug("Got fresh resource from origin")

	if opts.Extract != "" {
		body, err = Extract(body, opts.Extract)
		if err != nil {
			log.WithError(err).WithField("member", opts.Extract).Error("Error while extracting archive member")
			return nil, fmt.Errorf("extract %q from %s: %w", opts.Extract, key, err)
		}
	}

	if opts.Cache {
		log.Debug("Caching resource")

		//The entry is keyed by the originally requested URL even when the
		// transport followed redirects to a different final URL
		if err := client.Store.Add(key, body, true, true); err != nil {
			log.WithError(err).Error("Error while writing response to cache")
			return nil, err
		}
	}

	return &FetchResult{
		Body:        body,
		ResourceKey: key,
		Fresh:       true,
	}, nil
}

//loadCached serves a result from the store with Fresh set to false.
func (client *Client) loadCached(log *logrus.Entry, key string) (*FetchResult, error) {
	entry, err := client.Store.Load(key)
	if err != nil {
		log.WithError(err).Error("Error while loading cached entry")
		return nil, err
	}
	if entry == nil {
		log.Error("Cache metadata points at a missing entry")
		return nil, fmt.Errorf("%w: %s", ErrNotCached, key)
	}

	return &FetchResult{
		Body:        entry.Content,
		ResourceKey: key,
		Fresh:       false,
	}, nil
}

//do issues the request, following redirects only when asked to.
func (client *Client) do(request *http.Request, followRedirects bool) (*http.Response, error) {

	transport := client.Transport
	if transport == nil {
		var err error
		transport, err = client.TransportConfig.RoundTripper()
		if err != nil {
			return nil, err
		}
		client.Transport = transport
	}

	httpClient := &http.Client{Transport: transport}

	if !followRedirects {
		httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return httpClient.Do(request)
}

func isRedirect(statusCode int) bool {
	switch statusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

//canonicalKey normalizes a target URL into the cache key form.
// The query is re-encoded in sorted order so two spellings of the same
// request share one cache entry.
func canonicalKey(target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("target must be an absolute url")
	}

	queryValues, err := url.ParseQuery(parsed.RawQuery)
	if err == nil {
		parsed.RawQuery = queryValues.Encode()
	}

	return parsed.String(), nil
}
