package swcache

import (
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ResponseType mirrors the response tainting a browser applies to fetches.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
)

type CacheEntry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	Type     ResponseType
	StoredAt int64 // unix seconds

	// Digest is the xxhash of Body. It is informational only, bodies are never
	// validated against it.
	Digest uint64
}

// Request is an intercepted request as seen by the Manager.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   io.Reader

	// Navigate marks a top-level document load.
	Navigate bool
}

// NewRequest builds a Request from a method and an absolute URL.
func NewRequest(method, rawURL string) (Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Request{}, err
	}
	return Request{Method: method, URL: u, Header: make(http.Header)}, nil
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// Key returns the cache key of the request.
func (r Request) Key() string { return RequestKey(r.method(), r.URL) }

// RequestKey canonicalizes a request identifier: upper-cased method, a space,
// and the absolute URL without its fragment.
func RequestKey(method string, u *url.URL) string {
	m := strings.ToUpper(method)
	if m == "" {
		m = http.MethodGet
	}
	if u == nil {
		return m + " "
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return m + " " + c.String()
}

// Source tells where a Resolve result came from.
type Source int

const (
	// SourceIgnored means the request is not handled at all; the caller must
	// perform it by itself.
	SourceIgnored Source = iota
	SourceBypass
	SourceCache
	SourceNetwork
	SourceOffline
)

func (s Source) String() string {
	switch s {
	case SourceIgnored:
		return "ignored"
	case SourceBypass:
		return "bypass"
	case SourceCache:
		return "hit"
	case SourceNetwork:
		return "miss"
	case SourceOffline:
		return "offline"
	}
	return "unknown"
}

type Result struct {
	Entry  CacheEntry
	Source Source
}
