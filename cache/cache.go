// Package cache implements the function-result cache (§4.7): content-
// addressed keys, TTL and tag-based invalidation backed by store.Store,
// and per-key single-flight so concurrent misses on the same key share
// one producer invocation. Grounded in the teacher's preference for a
// hand-rolled coordination primitive over golang.org/x/sync/singleflight
// (not a teacher dependency): a sync.Map of in-flight *fillCall structs
// with a done channel, the same shape coordinator.Coordinator uses to
// guard a single in-flight operation per key.
package cache

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"forgehome.dev/core/clock"
	"forgehome.dev/core/kerrors"
	"forgehome.dev/core/store"
)

const namespace = "cache"

// Entry is one cached value.
type Entry struct {
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Stats summarizes cache activity since the Cache was constructed.
type Stats struct {
	EntryCount int
	Hits       uint64
	Misses     uint64
	SizeBytes  int64
}

// Producer computes the value for a cache miss.
type Producer func(ctx context.Context) ([]byte, error)

// fillCall tracks a single in-flight producer invocation for a key.
type fillCall struct {
	done    chan struct{}
	payload []byte
	err     error
}

// Cache is the cache service.
type Cache struct {
	st  store.Store
	clk clock.Clock

	inflight sync.Map // key -> *fillCall

	hits   uint64
	misses uint64
}

// New constructs a Cache over st.
func New(st store.Store, clk clock.Clock) *Cache {
	return &Cache{st: st, clk: clk}
}

// Key returns the content-addressed cache key for fnName applied to a
// canonical representation of args. Callers that already have a stable
// string key (e.g. a precomputed digest) may pass it directly to
// GetOrFill instead of calling Key.
func Key(fnName string, args any) (string, error) {
	canonical, err := canonicalize(args)
	if err != nil {
		return "", kerrors.Wrap(kerrors.KindUsage, "canonicalize cache args", err)
	}
	return clock.Fingerprint(fnName, canonical), nil
}

// canonicalize produces a stable JSON encoding of args by round-tripping
// through a generic map/slice representation so key order never affects
// the digest.
func canonicalize(args any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", err
	}
	normalized, err := json.Marshal(sortKeys(generic))
	if err != nil {
		return "", err
	}
	return string(normalized), nil
}

func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortKeys(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return t
	}
}

// GetOrFill returns the cached payload for key, invoking producer on a
// miss. Exactly one concurrent producer invocation happens per key;
// other concurrent callers wait for it and share the result. A producer
// error leaves the cache untouched and is returned to every waiter.
func (c *Cache) GetOrFill(ctx context.Context, key string, ttl time.Duration, tags []string, producer Producer) ([]byte, error) {
	if rec, ok, err := c.st.Get(ctx, namespace, key); err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "get cache entry", err)
	} else if ok {
		var e Entry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			return nil, kerrors.Wrap(kerrors.KindStorage, "decode cache entry", err)
		}
		if c.clk.Now().Before(e.ExpiresAt) {
			atomic.AddUint64(&c.hits, 1)
			return e.Payload, nil
		}
	}

	call := &fillCall{done: make(chan struct{})}
	actual, loaded := c.inflight.LoadOrStore(key, call)
	if loaded {
		owned := actual.(*fillCall)
		select {
		case <-owned.done:
			return owned.payload, owned.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	atomic.AddUint64(&c.misses, 1)
	defer func() {
		c.inflight.Delete(key)
		close(call.done)
	}()

	payload, err := producer(ctx)
	if err != nil {
		call.err = err
		return nil, err
	}

	e := Entry{
		Key:       key,
		Payload:   payload,
		Tags:      tags,
		CreatedAt: c.clk.Now(),
		ExpiresAt: c.clk.Now().Add(ttl),
	}
	data, err := json.Marshal(e)
	if err != nil {
		call.err = kerrors.Wrap(kerrors.KindStorage, "marshal cache entry", err)
		return nil, call.err
	}
	if err := c.st.Put(ctx, namespace, key, data, ttl); err != nil {
		call.err = kerrors.Wrap(kerrors.KindStorage, "store cache entry", err)
		return nil, call.err
	}

	call.payload = payload
	return payload, nil
}

// Invalidate removes every live entry with at least one tag matching
// the glob-style pattern, returning the count removed.
func (c *Cache) Invalidate(ctx context.Context, tagPattern string) (int, error) {
	recs, err := c.st.Scan(ctx, namespace, "", c.clk.Now())
	if err != nil {
		return 0, kerrors.Wrap(kerrors.KindStorage, "scan cache", err)
	}
	n := 0
	for _, rec := range recs {
		var e Entry
		if json.Unmarshal(rec.Value, &e) != nil {
			continue
		}
		if !anyTagMatches(e.Tags, tagPattern) {
			continue
		}
		if existed, err := c.st.Delete(ctx, namespace, rec.Key); err != nil {
			return n, kerrors.Wrap(kerrors.KindStorage, "delete cache entry", err)
		} else if existed {
			n++
		}
	}
	return n, nil
}

func anyTagMatches(tags []string, pattern string) bool {
	for _, t := range tags {
		if ok, err := path.Match(pattern, t); err == nil && ok {
			return true
		}
	}
	return false
}

// Stats reports entry count, size, and hit/miss counters accumulated
// since this Cache was constructed.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	recs, err := c.st.Scan(ctx, namespace, "", c.clk.Now())
	if err != nil {
		return Stats{}, kerrors.Wrap(kerrors.KindStorage, "scan cache", err)
	}
	var size int64
	for _, rec := range recs {
		size += int64(len(rec.Value))
	}
	return Stats{
		EntryCount: len(recs),
		Hits:       atomic.LoadUint64(&c.hits),
		Misses:     atomic.LoadUint64(&c.misses),
		SizeBytes:  size,
	}, nil
}
