package swcache

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Fetcher performs live network requests.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (CacheEntry, error)
}

type HTTPFetcher struct {
	Client *http.Client
	// Scope decides which responses are "basic" (same origin).
	Scope *url.URL
	// Upstream, when set, is dialed instead of the scope origin.
	Upstream *url.URL
}

var _ Fetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(scope *url.URL, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}, Scope: scope}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r Request) (CacheEntry, error) {
	if r.URL == nil {
		return CacheEntry{}, networkErr(errEmptyURL, "fetch")
	}
	target := r.URL.String()
	dial := r.URL
	if f.Upstream != nil && f.Scope != nil && sameOrigin(r.URL, f.Scope) {
		u := *r.URL
		u.Scheme = f.Upstream.Scheme
		u.Host = f.Upstream.Host
		dial = &u
	}
	req, err := http.NewRequestWithContext(ctx, r.method(), dial.String(), r.Body)
	if err != nil {
		return CacheEntry{}, networkErr(err, "build request %s", target)
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.Client.Do(req)
	if err != nil {
		return CacheEntry{}, networkErr(err, "fetch %s", target)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, networkErr(err, "read %s", target)
	}

	ent := CacheEntry{
		URL:      target,
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		Type:     f.classify(r.URL, resp.Header),
		StoredAt: time.Now().Unix(),
		Digest:   xxhash.Sum64(body),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func (f *HTTPFetcher) classify(u *url.URL, h http.Header) ResponseType {
	if f.Scope == nil || sameOrigin(u, f.Scope) {
		return TypeBasic
	}
	if h.Get("Access-Control-Allow-Origin") != "" {
		return TypeCORS
	}
	return TypeOpaque
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(originHost(a), originHost(b))
}

// originHost returns host:port with the scheme's default port made explicit.
func originHost(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return u.Hostname() + ":80"
	case "https":
		return u.Hostname() + ":443"
	}
	return u.Host
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
