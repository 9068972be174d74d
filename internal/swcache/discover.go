package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// Discoverer supplies extra precache locators at install time.
type Discoverer interface {
	Discover(ctx context.Context) ([]string, error)
}

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// SitemapDiscoverer walks sitemaps and sitemap indexes (plain or gzipped) and
// returns the page URLs that belong to the scope and are not excluded.
// Sitemaps are requested through Fetcher, so they reach the same upstream as
// every other request of the scope.
type SitemapDiscoverer struct {
	Fetcher  Fetcher
	Scope    *url.URL
	Sitemaps []string
	Exclude  []Matcher
}

func (d *SitemapDiscoverer) Discover(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	found := map[string]struct{}{}
	var out []string

	queue := make([]string, 0, len(d.Sitemaps))
	for _, sm := range d.Sitemaps {
		if u := d.resolve(sm); u != nil {
			queue = append(queue, u.String())
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := d.fetch(ctx, smURL)
		if err != nil {
			return out, errors.Wrapf(err, "fetch sitemap %q", smURL)
		}
		for _, nested := range doc.Sitemaps {
			if u := d.resolve(nested); u != nil {
				queue = append(queue, u.String())
			}
		}

		kept := 0
		for _, loc := range doc.URLs {
			u := d.resolve(loc)
			if u == nil || !d.inScope(u) || d.excluded(u) {
				continue
			}
			s := u.String()
			if _, ok := found[s]; ok {
				continue
			}
			found[s] = struct{}{}
			out = append(out, s)
			kept++
		}
		log.Printf("discover sitemap=%q urls=%d kept=%d", smURL, len(doc.URLs), kept)
	}
	return out, nil
}

func (d *SitemapDiscoverer) resolve(loc string) *url.URL {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return nil
	}
	u, err := url.Parse(loc)
	if err != nil {
		return nil
	}
	if d.Scope != nil {
		u = d.Scope.ResolveReference(u)
	}
	u.Fragment = ""
	return u
}

func (d *SitemapDiscoverer) inScope(u *url.URL) bool {
	if d.Scope == nil {
		return true
	}
	return sameOrigin(u, d.Scope) && strings.HasPrefix(u.Path, d.Scope.Path)
}

func (d *SitemapDiscoverer) excluded(u *url.URL) bool {
	for _, m := range d.Exclude {
		if m.Match(u) {
			return true
		}
	}
	return false
}

func (d *SitemapDiscoverer) fetch(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := NewRequest(http.MethodGet, sitemapURL)
	if err != nil {
		return sitemapDoc{}, err
	}
	f := d.Fetcher
	if f == nil {
		f = NewHTTPFetcher(d.Scope, 0)
	}
	ent, err := f.Fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if ent.Status < 200 || ent.Status >= 300 {
		b := ent.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, errors.Newf("unexpected status %d: %s", ent.Status, strings.TrimSpace(string(b)))
	}
	body := ent.Body

	// Gzipped sitemaps are not always named *.gz, so sniff the magic bytes
	// as well as the extension.
	gz := strings.HasSuffix(strings.ToLower(req.URL.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if gz {
		if zr, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(zr); err == nil {
				body = unzipped
			}
			_ = zr.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, errors.Wrap(err, "parse sitemap")
	}
	return doc, nil
}
