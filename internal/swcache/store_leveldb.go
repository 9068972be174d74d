package swcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<name>              generation marker (gob genMeta)
//	e:<name>\x00<key>     entry (gob CacheEntry)
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

type genMeta struct {
	CreatedAt int64
}

type levelDBStore struct {
	db *leveldb.DB

	// serializes generation create/delete against entry writes
	mu sync.Mutex
}

var _ Store = (*levelDBStore)(nil)

// NewLevelDBStore opens (or creates) a LevelDB database at path.
func NewLevelDBStore(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, storeErr(err, "open leveldb %s", path)
	}
	return newLevelDBStoreFromDB(db), nil
}

func newLevelDBStoreFromDB(db *leveldb.DB) *levelDBStore {
	return &levelDBStore{db: db}
}

func validGenName(name string) error {
	if name == "" {
		return errEmptyName
	}
	if strings.Contains(name, keySep) {
		return errors.Newf("generation name %q contains NUL", name)
	}
	return nil
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + keySep)
}

func (s *levelDBStore) Open(_ context.Context, name string) (Bucket, error) {
	if err := validGenName(name); err != nil {
		return nil, storeErr(err, "open")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureGenLocked(name); err != nil {
		return nil, err
	}
	return &levelDBBucket{s: s, name: name}, nil
}

func (s *levelDBStore) ensureGenLocked(name string) error {
	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	if err != nil {
		return storeErr(err, "has generation %q", name)
	}
	if ok {
		return nil
	}
	b, err := encodeGob(genMeta{CreatedAt: time.Now().Unix()})
	if err != nil {
		return storeErr(err, "encode generation %q", name)
	}
	return storeErr(s.db.Put([]byte(genPrefix+name), b, nil), "create generation %q", name)
}

func (s *levelDBStore) Has(_ context.Context, name string) (bool, error) {
	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	if err != nil {
		return false, storeErr(err, "has generation %q", name)
	}
	return ok, nil
}

func (s *levelDBStore) Names(_ context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(genPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, storeErr(err, "list generations")
	}
	sort.Strings(out)
	return out, nil
}

func (s *levelDBStore) Delete(_ context.Context, name string) (bool, error) {
	if validGenName(name) != nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	if err != nil {
		return false, storeErr(err, "has generation %q", name)
	}
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, storeErr(err, "scan generation %q", name)
	}
	batch.Delete([]byte(genPrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, storeErr(err, "delete generation %q", name)
	}
	return true, nil
}

func (s *levelDBStore) Close() error {
	return storeErr(s.db.Close(), "close leveldb")
}

type levelDBBucket struct {
	s    *levelDBStore
	name string
}

func (b *levelDBBucket) Name() string { return b.name }

func (b *levelDBBucket) Match(_ context.Context, key string) (CacheEntry, bool, error) {
	raw, err := b.s.db.Get(append(entryKeyPrefix(b.name), key...), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, storeErr(err, "get %q", key)
	}
	var ent CacheEntry
	if err := decodeGob(raw, &ent); err != nil {
		return CacheEntry{}, false, storeErr(err, "decode %q", key)
	}
	return ent, true, nil
}

func (b *levelDBBucket) Put(_ context.Context, key string, ent CacheEntry) error {
	raw, err := encodeGob(ent)
	if err != nil {
		return storeErr(err, "encode %q", key)
	}
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.ensureGenLocked(b.name); err != nil {
		return err
	}
	return storeErr(b.s.db.Put(append(entryKeyPrefix(b.name), key...), raw, nil), "put %q", key)
}

func (b *levelDBBucket) Keys(_ context.Context) ([]string, error) {
	prefix := entryKeyPrefix(b.name)
	it := b.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, storeErr(err, "list %q", b.name)
	}
	return out, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
