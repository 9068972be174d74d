package swcache

import (
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// Matcher selects request URLs.
type Matcher interface {
	Match(u *url.URL) bool
}

type containsMatcher struct{ Substr string }

func (m containsMatcher) Match(u *url.URL) bool { return strings.Contains(u.String(), m.Substr) }

// hostMatcher matches the host itself and any of its subdomains.
type hostMatcher struct{ Host string }

func (m hostMatcher) Match(u *url.URL) bool {
	h := strings.ToLower(u.Hostname())
	return h == m.Host || strings.HasSuffix(h, "."+m.Host)
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(u *url.URL) bool { return strings.HasPrefix(u.Path, m.Prefix) }

type anyMatcher []Matcher

func (ms anyMatcher) Match(u *url.URL) bool {
	for _, m := range ms {
		if m.Match(u) {
			return true
		}
	}
	return false
}

// ParseMatcher compiles an exclusion expression. Alternatives are separated by
// "|"; each one is Contains(s), Host(h), PathPrefix(/p) or a bare substring.
func ParseMatcher(expr string) (Matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make(anyMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		m, err := parseOne(p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, errors.New("no valid matchers")
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func parseOne(p string) (Matcher, error) {
	fn, arg, ok := splitCall(p)
	if !ok {
		return containsMatcher{Substr: p}, nil
	}
	if arg == "" {
		return nil, errors.Newf("empty argument in %q", p)
	}
	switch fn {
	case "Contains":
		return containsMatcher{Substr: arg}, nil
	case "Host":
		return hostMatcher{Host: strings.ToLower(strings.TrimPrefix(arg, "."))}, nil
	case "PathPrefix":
		if !strings.HasPrefix(arg, "/") {
			return nil, errors.Newf("invalid prefix %q", arg)
		}
		return pathPrefixMatcher{Prefix: arg}, nil
	}
	return nil, errors.Newf("unknown matcher %q", fn)
}

// splitCall splits "Name(arg)". Anything else is not a call.
func splitCall(p string) (fn, arg string, ok bool) {
	open := strings.IndexByte(p, '(')
	if open <= 0 || !strings.HasSuffix(p, ")") {
		return "", "", false
	}
	fn = p[:open]
	for _, r := range fn {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return "", "", false
		}
	}
	return fn, strings.TrimSpace(p[open+1 : len(p)-1]), true
}
