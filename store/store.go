// Package store provides the runtime's persistent key-value layer: a
// single Store interface with an embedded bbolt-backed implementation
// (the default, single-process deployment target) and a Redis-backed
// implementation for multi-process deployments. Every other package
// (messaging, state, health, cache, workflow, scheduler) is built on
// top of Store and never touches bbolt or Redis directly.
package store

import (
	"context"
	"time"
)

// Record is one stored value together with the bookkeeping the store
// itself owns: when it was written, an optional expiry, and a version
// counter used for compare-and-set.
type Record struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
	Version   uint64
}

// Expired reports whether the record's TTL, if any, has elapsed as of now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// LogRecord is one entry appended to a namespace's append-only log,
// used for health samples.
type LogRecord struct {
	Seq       uint64
	Value     []byte
	CreatedAt time.Time
}

// Store is the contract every backend implements. Namespace and key
// are plain UTF-8 strings; values are opaque bytes, almost always a
// JSON envelope chosen by the calling package.
type Store interface {
	// Put writes value under namespace/key, replacing any existing
	// record and incrementing its version (a new key starts at 1). A
	// zero ttl means no expiry.
	Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error

	// Get returns the record at namespace/key. ok is false if the key
	// is absent or has expired.
	Get(ctx context.Context, namespace, key string) (rec Record, ok bool, err error)

	// Delete removes namespace/key, reporting whether it existed.
	Delete(ctx context.Context, namespace, key string) (existed bool, err error)

	// Scan returns every live record in namespace whose key has the
	// given prefix (empty prefix matches everything), in insertion
	// order, excluding anything expired as of now.
	Scan(ctx context.Context, namespace, prefix string, now time.Time) ([]Record, error)

	// CAS performs an atomic compare-and-set: the write succeeds only
	// if the current version at namespace/key equals expectedVersion
	// (0 meaning "must not exist yet"). On success returns the new
	// version. On mismatch returns a conflict error.
	CAS(ctx context.Context, namespace, key string, expectedVersion uint64, value []byte, ttl time.Duration) (newVersion uint64, err error)

	// Append adds record to namespace's append-only log and returns
	// its sequence number.
	Append(ctx context.Context, namespace string, value []byte) (seq uint64, err error)

	// LogRange returns log entries in namespace with seq >= from, in
	// ascending order, up to limit entries (0 meaning no limit).
	LogRange(ctx context.Context, namespace string, from uint64, limit int) ([]LogRecord, error)

	// TrimLog permanently discards every log entry in namespace with
	// seq < keepFrom. Used by retention/cleanup sweeps over
	// append-only logs (health samples).
	TrimLog(ctx context.Context, namespace string, keepFrom uint64) error

	// Close releases backend resources.
	Close() error
}
