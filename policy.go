package cachefetch

import "time"

//revalidateAction is the outcome of the staleness decision for one fetch.
type revalidateAction int

const (
	//serveFromStore means the cached entry is returned without contacting the origin
	serveFromStore revalidateAction = iota

	//contactOrigin means the origin is fetched unconditionally
	contactOrigin

	//contactOriginConditional means the origin is fetched with an
	// If-Modified-Since precondition carrying the stored timestamp
	contactOriginConditional
)

//decideRevalidation decides whether a fetch can be answered from the store or
// has to go to the origin, and if so whether a conditional request is allowed.
//
// Without refresh any cached entry is good enough, however old. With refresh
// a genuine revalidation is requested, but inside the cooldown window the
// store is trusted without a round trip so rapid refresh calls don't turn
// into a revalidation storm at the origin.
func decideRevalidation(refresh, cached bool, lastModified time.Time, cooldown time.Duration) revalidateAction {

	//Never cached, nothing to revalidate against
	if !cached {
		return contactOrigin
	}

	if !refresh {
		return serveFromStore
	}

	if time.Since(lastModified) < cooldown {
		return serveFromStore
	}

	return contactOriginConditional
}
