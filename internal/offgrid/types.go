package offgrid

import "net/http"

// Classification decides which strategy a request goes through.
type Classification int

const (
	// ClassIgnored requests bypass the cache layer entirely (cross-origin
	// or non-HTTP); they are forwarded untouched and never cached.
	ClassIgnored Classification = iota
	ClassAPI
	ClassNavigation
	ClassStaticAsset
)

func (c Classification) String() string {
	switch c {
	case ClassAPI:
		return "api"
	case ClassNavigation:
		return "navigation"
	case ClassStaticAsset:
		return "static"
	default:
		return "ignored"
	}
}

// RequestKey is the cache identity of a request. Only GET keys ever end up
// in a generation.
type RequestKey struct {
	Method string
	URL    string // request URI (path + query)
}

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// SyncTask is a deferred mutation waiting for connectivity. Payload is the
// original request body, replayed verbatim.
type SyncTask struct {
	Tag      string
	Payload  []byte
	QueuedAt int64 // unix seconds
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}
