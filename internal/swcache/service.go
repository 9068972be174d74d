package swcache

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const controlBodyLimit = 64 << 10

// Service puts the cache manager in front of an upstream origin over HTTP.
type Service struct {
	cfg Config

	store   Store
	redis   *redis.Client
	fetcher *HTTPFetcher
	metrics *Metrics

	registry *Registry

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewService(cfg Config) (*Service, error) {
	if cfg.scope == nil {
		return nil, errors.New("config is not compiled, use LoadConfig or ParseConfig")
	}
	store, rc, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	fetcher, err := newFetcher(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	metrics := NewMetrics()
	s := &Service{
		cfg:      cfg,
		store:    store,
		redis:    rc,
		fetcher:  fetcher,
		metrics:  metrics,
		registry: NewRegistry(metrics),
		stopCh:   make(chan struct{}),
	}

	if cfg.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEveryDur)
		}()
	}
	return s, nil
}

func openStore(cfg Config) (Store, *redis.Client, error) {
	switch cfg.Storage.Driver {
	case DriverLevelDB:
		st, err := NewLevelDBStore(cfg.Storage.LevelDB.Path)
		return st, nil, err
	case DriverRedis:
		opts, err := redis.ParseURL(cfg.Storage.Redis.URL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "storage.redis.url")
		}
		client := redis.NewClient(opts)
		return NewRedisStore(client, cfg.Storage.Redis.Prefix), client, nil
	}
	return NewMemoryStore(cfg.ramMax), nil, nil
}

func newFetcher(cfg Config) (*HTTPFetcher, error) {
	f := NewHTTPFetcher(cfg.scope, cfg.fetchTimeout)
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, errors.Wrap(err, "server.origin")
	}
	if origin.Host != "" && !sameOrigin(origin, cfg.scope) {
		f.Upstream = origin
	}
	return f, nil
}

// NewManager builds an uninstalled manager for cfg over the service's store.
func (s *Service) NewManager(cfg Config) (*Manager, error) {
	m, err := NewManager(cfg.ManagerOptions(s.store, s.fetcher, s.metrics))
	if err != nil {
		return nil, err
	}
	if cfg.Cache.SkipWaiting {
		m.NotifyAndPromote()
	}
	return m, nil
}

// Start installs the configured version.
func (s *Service) Start(ctx context.Context) (InstallReport, error) {
	return s.Reload(ctx, s.cfg)
}

// Reload deploys the version of cfg. Store and server settings of cfg are
// ignored; they only take effect on restart.
func (s *Service) Reload(ctx context.Context, cfg Config) (InstallReport, error) {
	if a := s.registry.Active(); a != nil && a.Version() == cfg.Cache.Version {
		log.Printf("reload: %s is already active", cfg.Cache.Version)
		return InstallReport{Version: cfg.Cache.Version}, nil
	}
	m, err := s.NewManager(cfg)
	if err != nil {
		return InstallReport{}, err
	}
	return s.registry.Deploy(ctx, m)
}

func (s *Service) Registry() *Registry { return s.registry }
func (s *Service) Store() Store        { return s.store }

func (s *Service) Close() {
	s.once.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.registry.Wait()
		if err := s.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
		if s.redis != nil {
			_ = s.redis.Close()
		}
	})
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_swcache/control", s.handleControl)
	mux.HandleFunc("GET /_swcache/status", s.handleStatus)
	if s.cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req := Request{
		Method:   r.Method,
		URL:      s.publicURL(r),
		Header:   r.Header.Clone(),
		Body:     r.Body,
		Navigate: isNavigation(r),
	}
	res, err := s.registry.Resolve(r.Context(), req)
	if err != nil {
		setCacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if res.Source == SourceIgnored {
		http.Error(w, "request not handled", http.StatusBadRequest)
		return
	}
	writeEntry(w, res.Entry, res.Source.String())
}

// publicURL places the request under the scope origin.
func (s *Service) publicURL(r *http.Request) *url.URL {
	u := &url.URL{
		Scheme:   s.cfg.scope.Scheme,
		Host:     s.cfg.scope.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	return u
}

func isNavigation(r *http.Request) bool {
	mode := r.Header.Get("Sec-Fetch-Mode")
	if mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-swcache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setCacheHeaders(h http.Header, source string) {
	if source != "" {
		h.Set("X-Swcache", source)
	}
	// Custom headers are unreadable by browser JS in a CORS context unless
	// exposed.
	ensureExposedHeader(h, "X-Swcache")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) handleControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, controlBodyLimit))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	msg, err := ParseControlMessage(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.registry.Control(r.Context(), msg)
	if err != nil {
		log.Printf("control %s: %v", msg.Type, err)
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidState) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, res)
}

type statusDoc struct {
	Active      *managerDoc `json:"active,omitempty"`
	Waiting     *managerDoc `json:"waiting,omitempty"`
	Generations []string    `json:"generations"`
}

type managerDoc struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	State    string `json:"state"`
	InFlight int64  `json:"inFlight"`
}

func describe(m *Manager) *managerDoc {
	if m == nil {
		return nil
	}
	return &managerDoc{ID: m.ID(), Version: m.Version(), State: m.State().String(), InFlight: m.InFlight()}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.Names(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, statusDoc{
		Active:      describe(s.registry.Active()),
		Waiting:     describe(s.registry.Waiting()),
		Generations: names,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	names, err := s.store.Names(ctx)
	if err != nil {
		log.Printf("stats: %v", err)
		return
	}
	version, entries := "-", 0
	if m := s.registry.Active(); m != nil {
		version = m.Version()
		if b, err := s.store.Open(ctx, version); err == nil {
			if keys, err := b.Keys(ctx); err == nil {
				entries = len(keys)
			}
		}
	}
	rss := "n/a"
	if v, ok := processRSSBytes(); ok {
		rss = formatBytes(v)
		if total := systemMemoryBytes(); total > 0 {
			rss += " of " + formatBytes(total)
		}
	}
	ss := s.metrics.sizes()
	log.Printf(
		"Generations: %d, Active: %s (%d entries), Resp min/avg/max %s/%s/%s, RSS: %s",
		len(names),
		version,
		entries,
		formatBytes(ss.MinBytes),
		formatBytes(ss.AvgBytes),
		formatBytes(ss.MaxBytes),
		rss,
	)
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
