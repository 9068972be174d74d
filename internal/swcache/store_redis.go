package swcache

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultQueryTimeout bounds every redis round trip.
const DefaultQueryTimeout = 5 * time.Second

type redisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

var _ Store = (*redisStore)(nil)

// NewRedisStore returns a Store shared by every process pointed at the same
// redis and prefix. The caller owns the client; Close is a no-op on it.
func NewRedisStore(client *redis.Client, prefix string) Store {
	if prefix == "" {
		prefix = "swcache"
	}
	return &redisStore{client: client, prefix: prefix, timeout: DefaultQueryTimeout}
}

func (s *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func (s *redisStore) setKey() string { return s.prefix + ":generations" }

func (s *redisStore) genKey(name string) string { return s.prefix + ":gen:" + name }

func (s *redisStore) Open(ctx context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, storeErr(errEmptyName, "open")
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if err := s.client.SAdd(qctx, s.setKey(), name).Err(); err != nil {
		return nil, storeErr(err, "create generation %q", name)
	}
	return &redisBucket{s: s, name: name}, nil
}

func (s *redisStore) Has(ctx context.Context, name string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	ok, err := s.client.SIsMember(qctx, s.setKey(), name).Result()
	if err != nil {
		return false, storeErr(err, "has generation %q", name)
	}
	return ok, nil
}

func (s *redisStore) Names(ctx context.Context) ([]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	names, err := s.client.SMembers(qctx, s.setKey()).Result()
	if err != nil {
		return nil, storeErr(err, "list generations")
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStore) Delete(ctx context.Context, name string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.Del(qctx, s.genKey(name))
		removed = pipe.SRem(qctx, s.setKey(), name)
		return nil
	})
	if err != nil {
		return false, storeErr(err, "delete generation %q", name)
	}
	return removed.Val() > 0, nil
}

func (s *redisStore) Close() error { return nil }

type redisBucket struct {
	s    *redisStore
	name string
}

func (b *redisBucket) Name() string { return b.name }

func (b *redisBucket) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	qctx, cancel := b.s.queryCtx(ctx)
	defer cancel()
	data, err := b.s.client.HGet(qctx, b.s.genKey(b.name), key).Bytes()
	if err == redis.Nil {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, storeErr(err, "get %q", key)
	}
	var ent CacheEntry
	if err := msgpack.Unmarshal(data, &ent); err != nil {
		return CacheEntry{}, false, storeErr(err, "decode %q", key)
	}
	return ent, true, nil
}

func (b *redisBucket) Put(ctx context.Context, key string, ent CacheEntry) error {
	data, err := msgpack.Marshal(ent)
	if err != nil {
		return storeErr(err, "encode %q", key)
	}
	qctx, cancel := b.s.queryCtx(ctx)
	defer cancel()
	pipe := b.s.client.Pipeline()
	pipe.SAdd(qctx, b.s.setKey(), b.name)
	pipe.HSet(qctx, b.s.genKey(b.name), key, data)
	_, err = pipe.Exec(qctx)
	return storeErr(err, "put %q", key)
}

func (b *redisBucket) Keys(ctx context.Context) ([]string, error) {
	qctx, cancel := b.s.queryCtx(ctx)
	defer cancel()
	keys, err := b.s.client.HKeys(qctx, b.s.genKey(b.name)).Result()
	if err != nil {
		return nil, storeErr(err, "list %q", b.name)
	}
	sort.Strings(keys)
	return keys, nil
}
