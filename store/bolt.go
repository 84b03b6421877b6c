package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"forgehome.dev/core/kerrors"
)

// Bolt is the default, embedded Store backend, grounded in the bucket-
// per-namespace bbolt wrapper pattern: one bucket holds every record
// namespace, one holds every append-only log namespace, keyed by an
// 8-byte big-endian sequence so that bbolt's natural key ordering is
// also log order.
type Bolt struct {
	db *bolt.DB
}

const (
	boltRecordsBucket = "records"
	boltLogBucket     = "logs"
)

// boltEnvelope is the on-disk JSON shape for a record, matching the
// teacher's PutJSON/GetJSON convention of storing a small envelope
// rather than raw bytes so CAS versions and expiry survive restarts.
type boltEnvelope struct {
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Version   uint64    `json:"version"`
}

// Expired reports whether the envelope's TTL, if any, has elapsed as of now.
func (e boltEnvelope) Expired(now time.Time) bool {
	return Record{ExpiresAt: e.ExpiresAt}.Expired(now)
}

// OpenBolt opens or creates a bbolt database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "open bbolt database", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(boltRecordsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(boltLogBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, kerrors.Wrap(kerrors.KindStorage, "initialize buckets", err)
	}
	return &Bolt{db: db}, nil
}

func recordKey(namespace, key string) []byte {
	return []byte(namespace + "\x00" + key)
}

func logNamespacePrefix(namespace string) []byte {
	return []byte(namespace + "\x00")
}

func logKey(namespace string, seq uint64) []byte {
	buf := make([]byte, len(namespace)+1+8)
	copy(buf, namespace)
	buf[len(namespace)] = 0
	binary.BigEndian.PutUint64(buf[len(namespace)+1:], seq)
	return buf
}

func (b *Bolt) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	env := boltEnvelope{Value: value, CreatedAt: now, Version: 1}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(boltRecordsBucket))
		rk := recordKey(namespace, key)
		if existing := bkt.Get(rk); existing != nil {
			var prev boltEnvelope
			if err := json.Unmarshal(existing, &prev); err == nil {
				env.Version = prev.Version + 1
			}
		}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return bkt.Put(rk, data)
	})
}

func (b *Bolt) Get(ctx context.Context, namespace, key string) (Record, bool, error) {
	var rec Record
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(boltRecordsBucket))
		data := bkt.Get(recordKey(namespace, key))
		if data == nil {
			return nil
		}
		var env boltEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		if env.Expired(time.Now()) {
			return nil
		}
		rec = Record{Key: key, Value: env.Value, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt, Version: env.Version}
		found = true
		return nil
	})
	if err != nil {
		return Record{}, false, kerrors.Wrap(kerrors.KindStorage, "get "+namespace+"/"+key, err)
	}
	return rec, found, nil
}

func (b *Bolt) Delete(ctx context.Context, namespace, key string) (bool, error) {
	existed := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(boltRecordsBucket))
		rk := recordKey(namespace, key)
		if bkt.Get(rk) != nil {
			existed = true
		}
		return bkt.Delete(rk)
	})
	if err != nil {
		return false, kerrors.Wrap(kerrors.KindStorage, "delete "+namespace+"/"+key, err)
	}
	return existed, nil
}

func (b *Bolt) Scan(ctx context.Context, namespace, prefix string, now time.Time) ([]Record, error) {
	var recs []Record
	nsPrefix := namespace + "\x00" + prefix
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(boltRecordsBucket))
		c := bkt.Cursor()
		for k, v := c.Seek([]byte(nsPrefix)); k != nil && strings.HasPrefix(string(k), nsPrefix); k, v = c.Next() {
			var env boltEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if env.Expired(now) {
				continue
			}
			key := strings.TrimPrefix(string(k), namespace+"\x00")
			recs = append(recs, Record{Key: key, Value: env.Value, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt, Version: env.Version})
		}
		return nil
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "scan "+namespace, err)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func (b *Bolt) CAS(ctx context.Context, namespace, key string, expectedVersion uint64, value []byte, ttl time.Duration) (uint64, error) {
	var newVersion uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(boltRecordsBucket))
		rk := recordKey(namespace, key)
		existing := bkt.Get(rk)
		var currentVersion uint64
		if existing != nil {
			var prev boltEnvelope
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			currentVersion = prev.Version
		}
		if currentVersion != expectedVersion {
			return kerrors.New(kerrors.KindConflict, fmt.Sprintf("cas mismatch on %s/%s: expected version %d, found %d", namespace, key, expectedVersion, currentVersion))
		}
		now := time.Now()
		env := boltEnvelope{Value: value, CreatedAt: now, Version: currentVersion + 1}
		if ttl > 0 {
			env.ExpiresAt = now.Add(ttl)
		}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		newVersion = env.Version
		return bkt.Put(rk, data)
	})
	if err != nil {
		if kerrors.Is(err, kerrors.KindConflict) {
			return 0, err
		}
		return 0, kerrors.Wrap(kerrors.KindStorage, "cas "+namespace+"/"+key, err)
	}
	return newVersion, nil
}

func (b *Bolt) Append(ctx context.Context, namespace string, value []byte) (uint64, error) {
	var seq uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(boltLogBucket))
		next, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		seq = next
		rec := LogRecord{Seq: seq, Value: value, CreatedAt: time.Now()}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bkt.Put(logKey(namespace, seq), data)
	})
	if err != nil {
		return 0, kerrors.Wrap(kerrors.KindStorage, "append "+namespace, err)
	}
	return seq, nil
}

func (b *Bolt) LogRange(ctx context.Context, namespace string, from uint64, limit int) ([]LogRecord, error) {
	var recs []LogRecord
	prefix := logNamespacePrefix(namespace)
	start := logKey(namespace, from)
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(boltLogBucket))
		c := bkt.Cursor()
		for k, v := c.Seek(start); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var rec LogRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			if limit > 0 && len(recs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "log range "+namespace, err)
	}
	return recs, nil
}

func (b *Bolt) TrimLog(ctx context.Context, namespace string, keepFrom uint64) error {
	prefix := logNamespacePrefix(namespace)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(boltLogBucket))
		c := bkt.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			seq := binary.BigEndian.Uint64(k[len(prefix):])
			if seq < keepFrom {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "trim log "+namespace, err)
	}
	return nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
