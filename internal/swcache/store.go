package swcache

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Store is a set of named cache generations.
type Store interface {
	// Open returns the named generation, creating it when missing.
	Open(ctx context.Context, name string) (Bucket, error)
	Has(ctx context.Context, name string) (bool, error)
	// Names lists every generation, sorted.
	Names(ctx context.Context) ([]string, error)
	// Delete drops the generation with all its entries. It reports whether the
	// generation existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Bucket is one cache generation.
type Bucket interface {
	Name() string
	Match(ctx context.Context, key string) (CacheEntry, bool, error)
	Put(ctx context.Context, key string, ent CacheEntry) error
	Keys(ctx context.Context) ([]string, error)
}

var errEmptyName = errors.New("empty generation name")

// ---- memory store ----

type memItem struct {
	gen  string
	key  string
	ent  CacheEntry
	size int64
	prev *memItem
	next *memItem
}

type memoryStore struct {
	maxBytes int64

	mu    sync.Mutex
	gens  map[string]map[string]*memItem
	head  *memItem
	tail  *memItem
	total int64
}

var _ Store = (*memoryStore)(nil)

// NewMemoryStore returns an in-process Store. When maxBytes > 0 the least
// recently used entries of any generation are evicted to stay under it.
func NewMemoryStore(maxBytes int64) Store {
	return &memoryStore{maxBytes: maxBytes, gens: map[string]map[string]*memItem{}}
}

func (s *memoryStore) Open(_ context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, storeErr(errEmptyName, "open")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gens[name]; !ok {
		s.gens[name] = map[string]*memItem{}
	}
	return &memBucket{s: s, name: name}, nil
}

func (s *memoryStore) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.gens[name]
	return ok, nil
}

func (s *memoryStore) Names(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.gens))
	for n := range s.gens {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, ok := s.gens[name]
	if !ok {
		return false, nil
	}
	for _, it := range items {
		s.unlink(it)
		s.total -= it.size
	}
	delete(s.gens, name)
	return true, nil
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) match(gen, key string) (CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.gens[gen][key]
	if !ok {
		return CacheEntry{}, false
	}
	s.moveToFront(it)
	return it.ent, true
}

func (s *memoryStore) put(gen, key string, ent CacheEntry) error {
	sz := entrySize(key, ent)
	if s.maxBytes > 0 && sz > s.maxBytes {
		return storeErr(errors.Newf("entry of %d bytes exceeds quota of %d", sz, s.maxBytes), "put %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.gens[gen]
	if !ok {
		items = map[string]*memItem{}
		s.gens[gen] = items
	}
	if it, ok := items[key]; ok {
		s.total -= it.size
		it.ent = ent
		it.size = sz
		s.total += sz
		s.moveToFront(it)
		s.evictLocked()
		return nil
	}

	it := &memItem{gen: gen, key: key, ent: ent, size: sz}
	items[key] = it
	s.addToFront(it)
	s.total += sz
	s.evictLocked()
	return nil
}

func (s *memoryStore) keys(gen string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.gens[gen]))
	for k := range s.gens[gen] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// evictLocked never evicts the most recently used entry.
func (s *memoryStore) evictLocked() {
	for s.maxBytes > 0 && s.total > s.maxBytes && s.tail != nil && s.tail != s.head {
		it := s.tail
		s.unlink(it)
		delete(s.gens[it.gen], it.key)
		s.total -= it.size
	}
}

func (s *memoryStore) addToFront(it *memItem) {
	it.prev = nil
	it.next = s.head
	if s.head != nil {
		s.head.prev = it
	}
	s.head = it
	if s.tail == nil {
		s.tail = it
	}
}

func (s *memoryStore) unlink(it *memItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		s.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		s.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (s *memoryStore) moveToFront(it *memItem) {
	if s.head == it {
		return
	}
	s.unlink(it)
	s.addToFront(it)
}

func entrySize(key string, ent CacheEntry) int64 {
	n := len(key) + len(ent.URL) + len(ent.Body)
	for k, vs := range ent.Header {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return int64(n)
}

type memBucket struct {
	s    *memoryStore
	name string
}

func (b *memBucket) Name() string { return b.name }

func (b *memBucket) Match(_ context.Context, key string) (CacheEntry, bool, error) {
	ent, ok := b.s.match(b.name, key)
	return ent, ok, nil
}

func (b *memBucket) Put(_ context.Context, key string, ent CacheEntry) error {
	return b.s.put(b.name, key, ent)
}

func (b *memBucket) Keys(_ context.Context) ([]string, error) {
	return b.s.keys(b.name), nil
}
