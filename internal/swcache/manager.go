package swcache

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle position of a Manager.
type State int32

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateActive
	StateSuperseded
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	}
	return "unknown"
}

const defaultPrecacheConcurrency = 8

type ManagerOptions struct {
	// Version names the cache generation owned by the manager.
	Version string
	// Scope is the absolute base URL; relative locators resolve against it.
	Scope *url.URL

	Precache        []string
	Exclude         []Matcher
	OfflineFallback string

	Store   Store
	Fetcher Fetcher

	// Discoverer, when set, extends Precache at install time.
	Discoverer Discoverer

	PrecacheConcurrency int
	Metrics             *Metrics
	LogResolve          bool
}

type PrecacheFailure struct {
	URL string
	Err error
}

type InstallReport struct {
	Version string
	Stored  int
	Failed  []PrecacheFailure
}

type CleanupReport struct {
	Kept    string
	Deleted []string
}

// Manager owns one cache generation: it precaches into it, answers requests
// cache-first out of it, and removes the generations of other versions.
type Manager struct {
	id       string
	version  string
	scope    *url.URL
	precache []string
	exclude  []Matcher
	fallback string

	store      Store
	fetcher    Fetcher
	discoverer Discoverer

	concurrency int
	metrics     *Metrics
	logResolve  bool
	netLog      *rateLimitedLogger

	flight   singleflight.Group
	inflight atomic.Int64

	// writeMu is held shared around cache writes of Resolve and exclusively
	// by Supersede, so no write lands after the manager is superseded.
	writeMu sync.RWMutex

	mu       sync.Mutex
	state    State
	promoted bool
	bucket   Bucket
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if strings.TrimSpace(opts.Version) == "" {
		return nil, errors.New("version is required")
	}
	if opts.Scope == nil || !opts.Scope.IsAbs() {
		return nil, errors.New("scope must be an absolute URL")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewHTTPFetcher(opts.Scope, 0)
	}
	if opts.PrecacheConcurrency <= 0 {
		opts.PrecacheConcurrency = defaultPrecacheConcurrency
	}

	m := &Manager{
		id:          uuid.NewString(),
		version:     opts.Version,
		scope:       opts.Scope,
		precache:    opts.Precache,
		exclude:     opts.Exclude,
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		discoverer:  opts.Discoverer,
		concurrency: opts.PrecacheConcurrency,
		metrics:     opts.Metrics,
		logResolve:  opts.LogResolve,
		netLog:      newRateLimitedLogger(time.Minute),
	}
	if opts.OfflineFallback != "" {
		u, err := m.resolveLocator(opts.OfflineFallback)
		if err != nil {
			return nil, errors.Wrap(err, "offline fallback")
		}
		m.fallback = RequestKey(http.MethodGet, u)
	}
	return m, nil
}

func (m *Manager) ID() string      { return m.id }
func (m *Manager) Version() string { return m.version }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Promoted reports whether NotifyAndPromote was called.
func (m *Manager) Promoted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.promoted
}

// InFlight is the number of Resolve calls currently running.
func (m *Manager) InFlight() int64 { return m.inflight.Load() }

// NotifyAndPromote asks for this generation to take effect without waiting
// for the current one to drain.
func (m *Manager) NotifyAndPromote() {
	m.mu.Lock()
	m.promoted = true
	m.mu.Unlock()
}

// Supersede marks the terminal state and stops all further cache writes. It
// waits for writes already in progress.
func (m *Manager) Supersede() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	m.state = StateSuperseded
	m.mu.Unlock()
}

// resume undoes a Supersede whose successor failed to activate.
func (m *Manager) resume() {
	_ = m.transition(StateActive, StateSuperseded)
}

func (m *Manager) transition(to State, from ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range from {
		if m.state == f {
			m.state = to
			return nil
		}
	}
	return errors.Mark(errors.Newf("%s: cannot become %s while %s", m.version, to, m.state), ErrInvalidState)
}

// Install creates the generation and fetches every precache locator into it.
// Failed items are reported, never returned: only a store that cannot open
// the generation fails the install.
func (m *Manager) Install(ctx context.Context) (InstallReport, error) {
	if err := m.transition(StateInstalling, StateUninstalled); err != nil {
		return InstallReport{}, err
	}
	log.Printf("install %s (%s)", m.version, m.id)

	b, err := m.store.Open(ctx, m.version)
	if err != nil {
		m.metrics.observeStoreError()
		_ = m.transition(StateUninstalled, StateInstalling)
		return InstallReport{}, errors.Wrapf(err, "install %s", m.version)
	}

	m.mu.Lock()
	m.bucket = b
	m.mu.Unlock()

	report := InstallReport{Version: m.version}
	var mu sync.Mutex

	// Items record their own failure in the report; the group never fails.
	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	for _, u := range m.precacheURLs(ctx) {
		g.Go(func() error {
			err := m.precacheOne(ctx, b, u)
			m.metrics.observePrecache(err == nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("precache %s: %v", u, err)
				report.Failed = append(report.Failed, PrecacheFailure{URL: u.String(), Err: err})
				return nil
			}
			report.Stored++
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].URL < report.Failed[j].URL })
	if err := m.transition(StateInstalled, StateInstalling); err != nil {
		return report, err
	}
	log.Printf("installed %s: stored=%d failed=%d", m.version, report.Stored, len(report.Failed))
	return report, nil
}

func (m *Manager) precacheURLs(ctx context.Context) []*url.URL {
	locs := append([]string(nil), m.precache...)
	if m.discoverer != nil {
		found, err := m.discoverer.Discover(ctx)
		if err != nil {
			log.Printf("discover for %s: %v", m.version, err)
		}
		locs = append(locs, found...)
	}

	seen := make(map[string]struct{}, len(locs))
	out := make([]*url.URL, 0, len(locs))
	for _, loc := range locs {
		u, err := m.resolveLocator(loc)
		if err != nil {
			log.Printf("precache %q: %v", loc, err)
			continue
		}
		s := u.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, u)
	}
	return out
}

func (m *Manager) precacheOne(ctx context.Context, b Bucket, u *url.URL) error {
	if err := ctx.Err(); err != nil {
		return errors.Mark(errors.Wrap(err, "install cancelled"), ErrPrecacheItemFailed)
	}
	req := Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
	ent, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return errors.Mark(err, ErrPrecacheItemFailed)
	}
	if ent.Status < 200 || ent.Status >= 300 {
		return errors.Mark(errors.Newf("unexpected status %d", ent.Status), ErrPrecacheItemFailed)
	}
	if err := b.Put(ctx, req.Key(), ent); err != nil {
		m.metrics.observeStoreError()
		return errors.Mark(err, ErrPrecacheItemFailed)
	}
	return nil
}

// generation returns the handle of the manager's own generation.
func (m *Manager) generation(ctx context.Context) (Bucket, error) {
	m.mu.Lock()
	b := m.bucket
	m.mu.Unlock()
	if b != nil {
		return b, nil
	}
	b, err := m.store.Open(ctx, m.version)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.bucket = b
	m.mu.Unlock()
	return b, nil
}

func (m *Manager) resolveLocator(loc string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(loc))
	if err != nil {
		return nil, err
	}
	u := m.scope.ResolveReference(ref)
	u.Fragment = ""
	return u, nil
}

// Activate removes every other generation and makes the manager active.
func (m *Manager) Activate(ctx context.Context) (CleanupReport, error) {
	st := m.State()
	if st != StateInstalled && st != StateActive {
		return CleanupReport{}, errors.Mark(errors.Newf("%s: cannot activate while %s", m.version, st), ErrInvalidState)
	}
	report, err := m.Cleanup(ctx, m.version)
	if err != nil {
		return report, err
	}
	if err := m.transition(StateActive, StateInstalled, StateActive); err != nil {
		return report, err
	}
	log.Printf("activated %s (%s)", m.version, m.id)
	return report, nil
}

// Cleanup deletes every generation whose name is not target. An empty target
// keeps the manager's own version. A failing delete does not stop the others;
// the first error is returned.
func (m *Manager) Cleanup(ctx context.Context, target string) (CleanupReport, error) {
	return m.cleanup(ctx, target)
}

// cleanup also spares the extra generations, e.g. one waiting to activate.
func (m *Manager) cleanup(ctx context.Context, target string, spare ...string) (CleanupReport, error) {
	if target == "" {
		target = m.version
	}
	report := CleanupReport{Kept: target}
	names, err := m.store.Names(ctx)
	if err != nil {
		m.metrics.observeStoreError()
		return report, errors.Wrap(err, "cleanup")
	}

	var first error
	for _, name := range names {
		if name == target || slices.Contains(spare, name) {
			continue
		}
		ok, err := m.store.Delete(ctx, name)
		if err != nil {
			m.metrics.observeStoreError()
			log.Printf("cleanup: delete %q: %v", name, err)
			if first == nil {
				first = errors.Wrap(err, "cleanup")
			}
			continue
		}
		if ok {
			log.Printf("cleanup: deleted stale generation %q", name)
			report.Deleted = append(report.Deleted, name)
		}
	}
	m.metrics.observeDeleted(len(report.Deleted))
	return report, first
}

func (m *Manager) excluded(u *url.URL) bool {
	for _, ex := range m.exclude {
		if ex.Match(u) {
			return true
		}
	}
	return false
}

// Resolve answers a request cache-first. See Source for the possible outcomes.
func (m *Manager) Resolve(ctx context.Context, req Request) (Result, error) {
	m.inflight.Add(1)
	defer m.inflight.Add(-1)

	res, err := m.resolve(ctx, req)
	if err == nil {
		m.metrics.observeResolve(res.Source, len(res.Entry.Body))
		if m.logResolve && res.Source != SourceIgnored {
			log.Printf("resolve %s %s: %s", req.method(), req.URL, res.Source)
		}
	}
	return res, err
}

func (m *Manager) resolve(ctx context.Context, req Request) (Result, error) {
	if req.URL == nil {
		return Result{Source: SourceIgnored}, nil
	}
	switch strings.ToLower(req.URL.Scheme) {
	case "http", "https":
	default:
		return Result{Source: SourceIgnored}, nil
	}

	if req.method() != http.MethodGet || m.excluded(req.URL) {
		ent, err := m.fetcher.Fetch(ctx, req)
		if err != nil {
			return Result{}, err
		}
		return Result{Entry: ent, Source: SourceBypass}, nil
	}

	b, err := m.generation(ctx)
	if err != nil {
		m.metrics.observeStoreError()
		return Result{}, err
	}

	key := req.Key()
	ent, ok, err := b.Match(ctx, key)
	if err != nil {
		m.metrics.observeStoreError()
		return Result{}, err
	}
	if ok {
		return Result{Entry: ent, Source: SourceCache}, nil
	}

	// The fetch is shared by every caller of key, so it runs detached from
	// the caller that started it. Each caller still stops on its own ctx.
	ch := m.flight.DoChan(key, func() (any, error) {
		return m.fetchAndStore(context.WithoutCancel(ctx), b, req, key)
	})
	var shared singleflight.Result
	select {
	case shared = <-ch:
	case <-ctx.Done():
		return Result{}, networkErr(ctx.Err(), "fetch %s", req.URL)
	}
	if shared.Err == nil {
		return Result{Entry: shared.Val.(CacheEntry), Source: SourceNetwork}, nil
	}
	err = shared.Err

	m.netLog.Printf(req.URL.Host, "network fetch %s: %v", req.URL, err)
	if !req.Navigate || m.fallback == "" {
		return Result{}, err
	}
	fb, ok, ferr := b.Match(ctx, m.fallback)
	if ferr != nil {
		m.metrics.observeStoreError()
		return Result{}, errors.CombineErrors(err, ferr)
	}
	if !ok {
		return Result{}, errors.Wrapf(err, "offline fallback %s not cached", m.fallback)
	}
	return Result{Entry: fb, Source: SourceOffline}, nil
}

func (m *Manager) fetchAndStore(ctx context.Context, b Bucket, req Request, key string) (CacheEntry, error) {
	ent, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return CacheEntry{}, err
	}
	if !cacheable(ent) {
		return ent, nil
	}
	m.writeMu.RLock()
	defer m.writeMu.RUnlock()
	if m.State() == StateSuperseded {
		return ent, nil
	}
	if err := b.Put(ctx, key, ent); err != nil {
		m.metrics.observeStoreError()
		log.Printf("store %s: %v", key, err)
	}
	return ent, nil
}

func cacheable(ent CacheEntry) bool {
	if ent.Status != http.StatusOK || ent.Type != TypeBasic {
		return false
	}
	return !strings.Contains(strings.ToLower(ent.Header.Get("Cache-Control")), "no-store")
}
