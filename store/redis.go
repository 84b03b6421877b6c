package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"forgehome.dev/core/kerrors"
)

// Redis is the distributed Store backend, grounded in the teacher's
// Redis job queue (prefix-scoped keys, a single shared client). Where
// the teacher queue used lists and sorted sets for job state, this
// backend uses the same primitives for a general record store: a
// string key per record (so Redis's own PX expiry reclaims memory),
// a per-namespace sorted set tracking insertion order for Scan, and a
// per-namespace list for the append-only log.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	URL       string // e.g. redis://localhost:6379/0
	KeyPrefix string // defaults to "coreruntime:"
}

// OpenRedis connects to Redis and verifies reachability with a Ping.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	url := cfg.URL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindUsage, "parse redis url", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "connect to redis", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "coreruntime:"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

// OpenRedisClient wraps an already-constructed client, the shape used
// by tests running against a miniredis instance.
func OpenRedisClient(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "coreruntime:"
	}
	return &Redis{client: client, prefix: keyPrefix}
}

type redisEnvelope struct {
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Version   uint64    `json:"version"`
}

// Expired reports whether the envelope's TTL, if any, has elapsed as of now.
func (e redisEnvelope) Expired(now time.Time) bool {
	return Record{ExpiresAt: e.ExpiresAt}.Expired(now)
}

func (r *Redis) recordKey(namespace, key string) string {
	return fmt.Sprintf("%srec:%s:%s", r.prefix, namespace, key)
}

func (r *Redis) indexKey(namespace string) string {
	return fmt.Sprintf("%sidx:%s", r.prefix, namespace)
}

func (r *Redis) seqKey(namespace string) string {
	return fmt.Sprintf("%sseq:%s", r.prefix, namespace)
}

func (r *Redis) logKey(namespace string) string {
	return fmt.Sprintf("%slog:%s", r.prefix, namespace)
}

func (r *Redis) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	env := redisEnvelope{Value: value, CreatedAt: now, Version: 1}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl)
	}
	rk := r.recordKey(namespace, key)

	pipe := r.client.TxPipeline()
	existing, getErr := r.client.Get(ctx, rk).Bytes()
	if getErr == nil {
		var prev redisEnvelope
		if json.Unmarshal(existing, &prev) == nil {
			env.Version = prev.Version + 1
		}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "marshal record", err)
	}
	if ttl > 0 {
		pipe.Set(ctx, rk, data, ttl)
	} else {
		pipe.Set(ctx, rk, data, 0)
	}
	seq, err := r.client.Incr(ctx, r.seqKey(namespace)).Result()
	if err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "allocate index sequence", err)
	}
	pipe.ZAdd(ctx, r.indexKey(namespace), redis.Z{Score: float64(seq), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "put "+namespace+"/"+key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, namespace, key string) (Record, bool, error) {
	data, err := r.client.Get(ctx, r.recordKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, kerrors.Wrap(kerrors.KindStorage, "get "+namespace+"/"+key, err)
	}
	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Record{}, false, kerrors.Wrap(kerrors.KindStorage, "decode record", err)
	}
	if env.Expired(time.Now()) {
		return Record{}, false, nil
	}
	return Record{Key: key, Value: env.Value, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt, Version: env.Version}, true, nil
}

func (r *Redis) Delete(ctx context.Context, namespace, key string) (bool, error) {
	rk := r.recordKey(namespace, key)
	n, err := r.client.Del(ctx, rk).Result()
	if err != nil {
		return false, kerrors.Wrap(kerrors.KindStorage, "delete "+namespace+"/"+key, err)
	}
	r.client.ZRem(ctx, r.indexKey(namespace), key)
	return n > 0, nil
}

func (r *Redis) Scan(ctx context.Context, namespace, prefix string, now time.Time) ([]Record, error) {
	members, err := r.client.ZRangeWithScores(ctx, r.indexKey(namespace), 0, -1).Result()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "scan index "+namespace, err)
	}
	type ordered struct {
		rec Record
		seq float64
	}
	var out []ordered
	for _, m := range members {
		key, _ := m.Member.(string)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		data, err := r.client.Get(ctx, r.recordKey(namespace, key)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, kerrors.Wrap(kerrors.KindStorage, "scan get "+namespace+"/"+key, err)
		}
		var env redisEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, kerrors.Wrap(kerrors.KindStorage, "decode scanned record", err)
		}
		if env.Expired(now) {
			continue
		}
		out = append(out, ordered{rec: Record{Key: key, Value: env.Value, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt, Version: env.Version}, seq: m.Score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	recs := make([]Record, len(out))
	for i, o := range out {
		recs[i] = o.rec
	}
	return recs, nil
}

func (r *Redis) CAS(ctx context.Context, namespace, key string, expectedVersion uint64, value []byte, ttl time.Duration) (uint64, error) {
	rk := r.recordKey(namespace, key)
	var newVersion uint64

	txf := func(tx *redis.Tx) error {
		var currentVersion uint64
		existing, err := tx.Get(ctx, rk).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			var prev redisEnvelope
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			currentVersion = prev.Version
		}
		if currentVersion != expectedVersion {
			return kerrors.New(kerrors.KindConflict, fmt.Sprintf("cas mismatch on %s/%s: expected version %d, found %d", namespace, key, expectedVersion, currentVersion))
		}
		now := time.Now()
		env := redisEnvelope{Value: value, CreatedAt: now, Version: currentVersion + 1}
		if ttl > 0 {
			env.ExpiresAt = now.Add(ttl)
		}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		newVersion = env.Version
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if ttl > 0 {
				pipe.Set(ctx, rk, data, ttl)
			} else {
				pipe.Set(ctx, rk, data, 0)
			}
			pipe.ZAdd(ctx, r.indexKey(namespace), redis.Z{Score: float64(newVersion), Member: key})
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, rk)
	if err != nil {
		if kerrors.Is(err, kerrors.KindConflict) {
			return 0, err
		}
		return 0, kerrors.Wrap(kerrors.KindStorage, "cas "+namespace+"/"+key, err)
	}
	return newVersion, nil
}

func (r *Redis) Append(ctx context.Context, namespace string, value []byte) (uint64, error) {
	seq, err := r.client.Incr(ctx, r.seqKey(namespace)+":log").Result()
	if err != nil {
		return 0, kerrors.Wrap(kerrors.KindStorage, "allocate log sequence", err)
	}
	rec := LogRecord{Seq: uint64(seq), Value: value, CreatedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.KindStorage, "marshal log record", err)
	}
	if err := r.client.RPush(ctx, r.logKey(namespace), data).Err(); err != nil {
		return 0, kerrors.Wrap(kerrors.KindStorage, "append "+namespace, err)
	}
	return uint64(seq), nil
}

func (r *Redis) LogRange(ctx context.Context, namespace string, from uint64, limit int) ([]LogRecord, error) {
	raw, err := r.client.LRange(ctx, r.logKey(namespace), 0, -1).Result()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "log range "+namespace, err)
	}
	var out []LogRecord
	for _, data := range raw {
		var rec LogRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, kerrors.Wrap(kerrors.KindStorage, "decode log record", err)
		}
		if rec.Seq < from {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *Redis) TrimLog(ctx context.Context, namespace string, keepFrom uint64) error {
	raw, err := r.client.LRange(ctx, r.logKey(namespace), 0, -1).Result()
	if err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "trim log "+namespace, err)
	}
	kept := make([]any, 0, len(raw))
	for _, data := range raw {
		var rec LogRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return kerrors.Wrap(kerrors.KindStorage, "decode log record", err)
		}
		if rec.Seq >= keepFrom {
			kept = append(kept, data)
		}
	}
	lk := r.logKey(namespace)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, lk)
	if len(kept) > 0 {
		pipe.RPush(ctx, lk, kept...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "trim log "+namespace, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
