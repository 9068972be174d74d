package swcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testScope = "https://app.test/"

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]CacheEntry
	offline   bool
	calls     []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: map[string]CacheEntry{}}
}

func (f *fakeFetcher) serve(rawURL, body string, typ ResponseType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[rawURL] = CacheEntry{
		URL:    rawURL,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
		Type:   typ,
	}
}

func (f *fakeFetcher) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(_ context.Context, r Request) (CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := r.URL.String()
	f.calls = append(f.calls, u)
	if f.offline {
		return CacheEntry{}, networkErr(errors.New("connection refused"), "fetch %s", u)
	}
	ent, ok := f.responses[u]
	if !ok {
		return CacheEntry{URL: u, Status: http.StatusNotFound, Header: http.Header{}, Type: TypeBasic}, nil
	}
	return ent, nil
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func newTestManager(t *testing.T, st Store, f Fetcher, version string, mod ...func(*ManagerOptions)) *Manager {
	t.Helper()
	opts := ManagerOptions{
		Version:         version,
		Scope:           mustURL(t, testScope),
		Precache:        []string{"./", "./index.html", "./app.css"},
		OfflineFallback: "./index.html",
		Store:           st,
		Fetcher:         f,
	}
	for _, fn := range mod {
		fn(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	return m
}

func getRequest(t *testing.T, raw string) Request {
	t.Helper()
	req, err := NewRequest(http.MethodGet, raw)
	require.NoError(t, err)
	return req
}

func seedSite(f *fakeFetcher) {
	f.serve(testScope, "root", TypeBasic)
	f.serve(testScope+"index.html", "<html>offline shell</html>", TypeBasic)
	f.serve(testScope+"app.css", "body{}", TypeBasic)
}

func TestInstallSurvivesMissingAsset(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/icon-512.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("asset " + r.URL.Path))
	}))
	defer upstream.Close()

	scope := mustURL(t, upstream.URL+"/")
	st := NewMemoryStore(0)
	m, err := NewManager(ManagerOptions{
		Version:  "v1",
		Scope:    scope,
		Precache: []string{"./", "./index.html", "./manifest.json", "./icon-192.png", "./icon-512.png"},
		Store:    st,
		Fetcher:  NewHTTPFetcher(scope, 0),
	})
	require.NoError(t, err)

	report, err := m.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, m.State())
	assert.Equal(t, 4, report.Stored)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, upstream.URL+"/icon-512.png", report.Failed[0].URL)
	assert.True(t, errors.Is(report.Failed[0].Err, ErrPrecacheItemFailed))

	b, err := st.Open(context.Background(), "v1")
	require.NoError(t, err)
	keys, err := b.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

func TestInstallDeduplicatesLocators(t *testing.T) {
	f := newFakeFetcher()
	seedSite(f)
	m := newTestManager(t, NewMemoryStore(0), f, "v1", func(o *ManagerOptions) {
		o.Precache = []string{"./index.html", "index.html", "/index.html#top", "./app.css"}
	})

	report, err := m.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Stored)
	assert.Equal(t, 2, f.callCount())
}

type brokenStore struct{ Store }

func (brokenStore) Open(context.Context, string) (Bucket, error) {
	return nil, storeErr(errors.New("disk gone"), "open")
}

func TestInstallStoreUnavailable(t *testing.T) {
	f := newFakeFetcher()
	m := newTestManager(t, brokenStore{NewMemoryStore(0)}, f, "v1")

	_, err := m.Install(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCacheStoreUnavailable))
	assert.Equal(t, StateUninstalled, m.State())
	assert.Zero(t, f.callCount())
}

func TestInstallTwiceIsRejected(t *testing.T) {
	f := newFakeFetcher()
	seedSite(f)
	m := newTestManager(t, NewMemoryStore(0), f, "v1")
	_, err := m.Install(context.Background())
	require.NoError(t, err)
	_, err = m.Install(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestActivateRequiresInstall(t *testing.T) {
	m := newTestManager(t, NewMemoryStore(0), newFakeFetcher(), "v1")
	_, err := m.Activate(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, StateUninstalled, m.State())
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(0)
	f := newFakeFetcher()
	seedSite(f)

	old := newTestManager(t, st, f, "v1")
	_, err := old.Install(ctx)
	require.NoError(t, err)
	_, err = old.Activate(ctx)
	require.NoError(t, err)

	next := newTestManager(t, st, f, "v2")
	_, err = next.Install(ctx)
	require.NoError(t, err)

	names, err := st.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, names)

	report, err := next.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, report.Deleted)
	assert.Equal(t, StateActive, next.State())

	names, err = st.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, names)

	stale := &memBucket{s: st.(*memoryStore), name: "v1"}
	_, ok, err := stale.Match(ctx, RequestKey(http.MethodGet, mustURL(t, testScope+"index.html")))
	require.NoError(t, err)
	assert.False(t, ok)

	f.resetCalls()
	res, err := next.Resolve(ctx, getRequest(t, testScope+"index.html"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Zero(t, f.callCount())
}

func TestActivateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	seedSite(f)
	m := newTestManager(t, NewMemoryStore(0), f, "v1")
	_, err := m.Install(ctx)
	require.NoError(t, err)
	_, err = m.Activate(ctx)
	require.NoError(t, err)
	report, err := m.Activate(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Deleted)
	assert.Equal(t, StateActive, m.State())
}

func TestCleanupKeepsTarget(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(0)
	for _, name := range []string{"v1", "v2", "v3"} {
		_, err := st.Open(ctx, name)
		require.NoError(t, err)
	}
	m := newTestManager(t, st, newFakeFetcher(), "v3")

	report, err := m.Cleanup(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", report.Kept)
	assert.Equal(t, []string{"v1", "v3"}, report.Deleted)

	names, err := st.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, names)
}

func TestResolveHitSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	seedSite(f)
	m := newTestManager(t, NewMemoryStore(0), f, "v1")
	_, err := m.Install(ctx)
	require.NoError(t, err)
	f.resetCalls()

	// A cached entry is served verbatim even when the network has newer bytes.
	f.serve(testScope+"app.css", "body{color:red}", TypeBasic)
	res, err := m.Resolve(ctx, getRequest(t, testScope+"app.css#frag"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "body{}", string(res.Entry.Body))
	assert.Zero(t, f.callCount())
}

func TestResolveMissPopulatesCache(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	seedSite(f)
	f.serve(testScope+"app.js", "console.log(1)", TypeBasic)
	st := NewMemoryStore(0)
	m := newTestManager(t, st, f, "v1")
	_, err := m.Install(ctx)
	require.NoError(t, err)
	f.resetCalls()

	res, err := m.Resolve(ctx, getRequest(t, testScope+"app.js"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, "console.log(1)", string(res.Entry.Body))
	assert.Equal(t, 1, f.callCount())

	b, err := st.Open(ctx, "v1")
	require.NoError(t, err)
	stored, ok, err := b.Match(ctx, "GET "+testScope+"app.js")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Entry.Body, stored.Body)

	res, err = m.Resolve(ctx, getRequest(t, testScope+"app.js"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, 1, f.callCount())
}

func TestResolveDoesNotStoreUncacheable(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.serve("https://cdn.other/lib.js", "lib", TypeCORS)
	f.serve(testScope+"private", "secret", TypeBasic)
	f.mu.Lock()
	ent := f.responses[testScope+"private"]
	ent.Header.Set("Cache-Control", "private, no-store")
	f.responses[testScope+"private"] = ent
	f.mu.Unlock()

	m := newTestManager(t, NewMemoryStore(0), f, "v1", func(o *ManagerOptions) { o.Precache = nil })
	_, err := m.Install(ctx)
	require.NoError(t, err)

	for _, raw := range []string{"https://cdn.other/lib.js", testScope + "private", testScope + "missing"} {
		for i := 0; i < 2; i++ {
			res, err := m.Resolve(ctx, getRequest(t, raw))
			require.NoError(t, err)
			assert.Equal(t, SourceNetwork, res.Source, raw)
		}
	}
	assert.Equal(t, 6, f.callCount())
}

func TestResolveNavigationOffline(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	seedSite(f)
	m := newTestManager(t, NewMemoryStore(0), f, "v1")
	_, err := m.Install(ctx)
	require.NoError(t, err)
	f.setOffline(true)

	nav := getRequest(t, testScope+"reports/42")
	nav.Navigate = true
	res, err := m.Resolve(ctx, nav)
	require.NoError(t, err)
	assert.Equal(t, SourceOffline, res.Source)
	assert.Equal(t, "<html>offline shell</html>", string(res.Entry.Body))

	_, err = m.Resolve(ctx, getRequest(t, testScope+"img/logo.png"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetworkFetchFailed))
}

func TestResolveNavigationOfflineWithoutFallback(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.setOffline(true)
	m := newTestManager(t, NewMemoryStore(0), f, "v1")
	_, err := m.Install(ctx)
	require.NoError(t, err)

	nav := getRequest(t, testScope+"reports/42")
	nav.Navigate = true
	_, err = m.Resolve(ctx, nav)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetworkFetchFailed))
}

func TestResolveExcludedAlwaysHitsNetwork(t *testing.T) {
	ctx := context.Background()
	const api = "https://script.google.com/macros/s/abc/exec"
	ex, err := ParseMatcher("script.google.com")
	require.NoError(t, err)

	st := NewMemoryStore(0)
	f := newFakeFetcher()
	f.serve(api, "live", TypeCORS)
	m := newTestManager(t, st, f, "v1", func(o *ManagerOptions) {
		o.Precache = nil
		o.Exclude = []Matcher{ex}
	})
	_, err = m.Install(ctx)
	require.NoError(t, err)

	b, err := st.Open(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "GET "+api, CacheEntry{Status: 200, Body: []byte("stale"), Type: TypeBasic}))

	for i := 0; i < 2; i++ {
		res, err := m.Resolve(ctx, getRequest(t, api))
		require.NoError(t, err)
		assert.Equal(t, SourceBypass, res.Source)
		assert.Equal(t, "live", string(res.Entry.Body))
	}
	assert.Equal(t, 2, f.callCount())

	f.setOffline(true)
	nav := getRequest(t, api)
	nav.Navigate = true
	_, err = m.Resolve(ctx, nav)
	assert.True(t, errors.Is(err, ErrNetworkFetchFailed))
}

func TestResolveIgnoresNonHTTP(t *testing.T) {
	f := newFakeFetcher()
	m := newTestManager(t, NewMemoryStore(0), f, "v1")
	for _, raw := range []string{"chrome-extension://abc/script.js", "data:text/plain,hi", "blob:https://app.test/1"} {
		res, err := m.Resolve(context.Background(), getRequest(t, raw))
		require.NoError(t, err)
		assert.Equal(t, SourceIgnored, res.Source, raw)
	}
	assert.Zero(t, f.callCount())
}

func TestResolveNonGetBypasses(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.serve(testScope+"submit", "ok", TypeBasic)
	st := NewMemoryStore(0)
	m := newTestManager(t, st, f, "v1")

	req, err := NewRequest(http.MethodPost, testScope+"submit")
	require.NoError(t, err)
	res, err := m.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceBypass, res.Source)

	names, err := st.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestResolveConcurrentMissesShareFetch(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	f := &blockingFetcher{release: release, started: make(chan struct{}, 16)}
	m := newTestManager(t, NewMemoryStore(0), f, "v1", func(o *ManagerOptions) { o.Precache = nil })

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Resolve(ctx, getRequest(t, testScope+"big.bin"))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	<-f.started
	require.Eventually(t, func() bool { return m.InFlight() == 4 }, timeoutShort, tick)
	// let the followers reach the shared fetch
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for _, res := range results {
		assert.Equal(t, "payload", string(res.Entry.Body))
	}
}

func TestResolveCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	f := &blockingFetcher{release: make(chan struct{}), started: make(chan struct{}, 16)}
	st := NewMemoryStore(0)
	m := newTestManager(t, st, f, "v1", func(o *ManagerOptions) { o.Precache = nil })

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := m.Resolve(leaderCtx, getRequest(t, testScope+"big.bin"))
		leaderErr <- err
	}()
	<-f.started

	type outcome struct {
		res Result
		err error
	}
	follower := make(chan outcome, 1)
	go func() {
		res, err := m.Resolve(context.Background(), getRequest(t, testScope+"big.bin"))
		follower <- outcome{res, err}
	}()
	require.Eventually(t, func() bool { return m.InFlight() == 2 }, timeoutShort, tick)
	// let the follower join the shared fetch
	time.Sleep(50 * time.Millisecond)

	cancel()
	err := <-leaderErr
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	close(f.release)
	got := <-follower
	require.NoError(t, got.err)
	assert.Equal(t, SourceNetwork, got.res.Source)
	assert.Equal(t, "payload", string(got.res.Entry.Body))
	assert.Equal(t, int32(1), f.calls.Load())

	b, err := st.Open(context.Background(), "v1")
	require.NoError(t, err)
	_, ok, err := b.Match(context.Background(), "GET "+testScope+"big.bin")
	require.NoError(t, err)
	assert.True(t, ok, "the shared fetch is stored despite the cancelled caller")
}

func TestInstallCancelledStopsFetching(t *testing.T) {
	f := newFakeFetcher()
	seedSite(f)
	m := newTestManager(t, NewMemoryStore(0), f, "v1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := m.Install(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, m.State())
	assert.Zero(t, report.Stored)
	require.Len(t, report.Failed, 3)
	for _, fail := range report.Failed {
		assert.True(t, errors.Is(fail.Err, ErrPrecacheItemFailed))
		assert.True(t, errors.Is(fail.Err, context.Canceled))
	}
	assert.Zero(t, f.callCount())
}

func TestSupersedeStopsWrites(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.serve(testScope+"late.js", "late", TypeBasic)
	st := NewMemoryStore(0)
	m := newTestManager(t, st, f, "v1", func(o *ManagerOptions) { o.Precache = nil })
	_, err := m.Install(ctx)
	require.NoError(t, err)

	m.Supersede()
	_, err = st.Delete(ctx, "v1")
	require.NoError(t, err)

	res, err := m.Resolve(ctx, getRequest(t, testScope+"late.js"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)

	names, err := st.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "uninstalled", StateUninstalled.String())
	assert.Equal(t, "installing", StateInstalling.String())
	assert.Equal(t, "installed", StateInstalled.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "superseded", StateSuperseded.String())
	assert.Equal(t, "hit", SourceCache.String())
	assert.Equal(t, "miss", SourceNetwork.String())
}

func TestRequestKey(t *testing.T) {
	assert.Equal(t, "GET https://app.test/a?b=1", RequestKey("get", mustURL(t, "https://app.test/a?b=1#c")))
	assert.Equal(t, "GET https://app.test/", RequestKey("", mustURL(t, "https://app.test/")))
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(ManagerOptions{Scope: mustURL(t, testScope), Store: NewMemoryStore(0)})
	assert.Error(t, err)
	_, err = NewManager(ManagerOptions{Version: "v1", Scope: mustURL(t, "/relative"), Store: NewMemoryStore(0)})
	assert.Error(t, err)
	_, err = NewManager(ManagerOptions{Version: "v1", Scope: mustURL(t, testScope)})
	assert.Error(t, err)
}
