// Package cache implements the edge response cache: a cache-aside
// coordinator over redis with an in-process LRU front. Cached entries
// are complete responses (status, headers, body) keyed by the exact
// request shape, so a hit is replayed verbatim without touching the
// backing store.
package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/est/p.est.im/metrics"
	"github.com/est/p.est.im/svc/util"
)

// Entry is a cached response clone.
type Entry struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

type item struct {
	entry *Entry
	exp   time.Time
}

// Coordinator mediates between the response cache and response
// builders. The backing store stays the source of truth: a stale hit
// is an accepted inconsistency bounded by the entry TTL, except right
// after an explicit delete, for which Invalidate is called.
type Coordinator struct {
	rdb     *redis.Client
	front   *lru.Cache[string, item]
	mu      sync.Mutex
	group   singleflight.Group
	timeout time.Duration
}

func New(redisURL string, frontSize int, timeout time.Duration) (*Coordinator, error) {
	if frontSize <= 0 {
		return nil, errors.New("cache front size must be positive")
	}
	front, err := lru.New[string, item](frontSize)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{front: front, timeout: timeout}
	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		opt.PoolSize = 50
		opt.MinIdleConns = 10
		opt.MaxRetries = 3
		client := redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, errors.Wrap(err, "ping redis")
		}
		c.rdb = client
	}
	return c, nil
}

// NewWithClient builds a coordinator around an existing redis client.
func NewWithClient(client *redis.Client, frontSize int, timeout time.Duration) (*Coordinator, error) {
	front, err := lru.New[string, item](frontSize)
	if err != nil {
		return nil, err
	}
	return &Coordinator{rdb: client, front: front, timeout: timeout}, nil
}

// Key derives the cache key from the request shape. The variant folds
// in the headers that change the response (currently the negotiated
// representation of markdown pastes).
func Key(method, path, variant string) string {
	return "resp:" + method + ":" + path + ":" + variant
}

// Lookup returns the cached entry for key, or nil on miss. The LRU
// front is consulted before redis; redis hits refresh the front.
func (c *Coordinator) Lookup(ctx context.Context, key string) *Entry {
	c.mu.Lock()
	it, ok := c.front.Get(key)
	if ok && time.Now().After(it.exp) {
		c.front.Remove(key)
		ok = false
	}
	c.mu.Unlock()
	if ok {
		metrics.CacheHits.Inc()
		return it.entry
	}
	if c.rdb == nil {
		metrics.CacheMisses.Inc()
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.Inc()
		return nil
	}
	if err != nil {
		util.Warn().Err(err).Str("key", key).Msg("cache lookup failed")
		metrics.CacheMisses.Inc()
		return nil
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		util.Warn().Err(err).Str("key", key).Msg("cache entry corrupt, dropping")
		c.Invalidate(key)
		metrics.CacheMisses.Inc()
		return nil
	}
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = c.timeout
	}
	c.mu.Lock()
	c.front.Add(key, item{entry: &e, exp: time.Now().Add(ttl)})
	c.mu.Unlock()
	metrics.CacheHits.Inc()
	return &e
}

// Fetch is the read-through path: a hit is returned as-is; on miss,
// concurrent callers for the same key are collapsed onto one build,
// and the built entry is stored asynchronously with the given TTL.
// Build errors pass through uncached.
func (c *Coordinator) Fetch(ctx context.Context, key string, build func() (*Entry, time.Duration, error)) (*Entry, bool, error) {
	if e := c.Lookup(ctx, key); e != nil {
		return e, true, nil
	}
	type built struct {
		entry *Entry
		ttl   time.Duration
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		e, ttl, err := build()
		if err != nil {
			return nil, err
		}
		return built{entry: e, ttl: ttl}, nil
	})
	if err != nil {
		return nil, false, err
	}
	b := v.(built)
	c.Store(key, b.entry, b.ttl)
	return b.entry, false, nil
}

// Store populates the cache with a response clone. It never blocks the
// caller: the redis write runs in a fire-and-forget goroutine whose
// failure is logged, not surfaced.
func (c *Coordinator) Store(key string, e *Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.front.Add(key, item{entry: e, exp: time.Now().Add(ttl)})
	c.mu.Unlock()
	if c.rdb == nil {
		return
	}
	go func() {
		defer logPanic("cache store")
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		data, err := json.Marshal(e)
		if err != nil {
			util.Warn().Err(err).Str("key", key).Msg("failed to encode cache entry")
			return
		}
		if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
			util.Warn().Err(err).Str("key", key).Msg("failed to populate cache")
		}
	}()
}

// Invalidate drops the given keys, best effort. The redis delete is
// fire-and-forget; the front is cleared synchronously so the local
// process stops serving the entry immediately.
func (c *Coordinator) Invalidate(keys ...string) {
	c.mu.Lock()
	for _, key := range keys {
		c.front.Remove(key)
	}
	c.mu.Unlock()
	if c.rdb == nil || len(keys) == 0 {
		return
	}
	go func() {
		defer logPanic("cache invalidate")
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			util.Warn().Err(err).Strs("keys", keys).Msg("failed to invalidate cache")
		}
	}()
}

func (c *Coordinator) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *Coordinator) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func logPanic(op string) {
	if r := recover(); r != nil {
		util.Error().Interface("panic", r).Str("op", op).Msg("cache side effect panicked")
	}
}
