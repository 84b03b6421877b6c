// Package state implements Shared State (§4.5): a TTL-scoped
// write-through key/value store layered on store.Store, plus named
// exclusive locks with FIFO wait-queues, lease expiry, and a
// with-lock scoped-acquisition helper that guarantees release on
// every exit path. Locks never survive a process restart — they are
// purely in-memory, unlike the kv side which is durable. Grounded in
// coordinator.Coordinator's mutex-guarded shared state and callback
// idiom; the FIFO wait-queue shape is new (no direct teacher
// ancestor) but follows the same explicit-channel-and-mutex style.
package state

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"forgehome.dev/core/clock"
	"forgehome.dev/core/kerrors"
	"forgehome.dev/core/store"
)

const namespace = "shared"

type envelope struct {
	Payload []byte `json:"payload"`
}

// Store is the shared-state service: TTL kv plus named locks.
type Store struct {
	st  store.Store
	clk clock.Clock

	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	holder      string
	acquiredAt  time.Time
	lease       time.Duration
	waitQueue   *list.List // of *waiter
}

type waiter struct {
	holder string
	lease  time.Duration
	result chan acquireResult
}

type acquireResult struct {
	ok  bool
	err error
}

// New constructs a Store over st.
func New(st store.Store, clk clock.Clock) *Store {
	return &Store{st: st, clk: clk, locks: make(map[string]*lockEntry)}
}

// Set writes key with a write-through to the store. A zero ttl means
// no expiry.
func (s *Store) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	env := envelope{Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "marshal shared value", err)
	}
	if err := s.st.Put(ctx, namespace, key, data, ttl); err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "set "+key, err)
	}
	return nil
}

// Get returns key's payload, or ok=false if never set or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	rec, ok, err := s.st.Get(ctx, namespace, key)
	if err != nil {
		return nil, false, kerrors.Wrap(kerrors.KindStorage, "get "+key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var env envelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		return nil, false, kerrors.Wrap(kerrors.KindStorage, "decode shared value", err)
	}
	return env.Payload, true, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.st.Delete(ctx, namespace, key); err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "delete "+key, err)
	}
	return nil
}

// forfeit reports whether the current holder of lock has exceeded its
// lease as of now. Must be called with s.mu held.
func (l *lockEntry) forfeit(now time.Time) bool {
	return l.holder != "" && now.After(l.acquiredAt.Add(l.lease))
}

// Acquire blocks until name is held by holder, timeout elapses, or ctx
// is cancelled. Re-acquiring with the same holder while already
// holding refreshes the lease (renewal).
func (s *Store) Acquire(ctx context.Context, name, holder string, lease, timeout time.Duration) error {
	s.mu.Lock()
	entry, ok := s.locks[name]
	if !ok {
		entry = &lockEntry{waitQueue: list.New()}
		s.locks[name] = entry
	}
	now := s.clk.Now()

	if entry.holder == holder {
		entry.acquiredAt = now
		entry.lease = lease
		s.mu.Unlock()
		return nil
	}

	if entry.forfeit(now) {
		// A forfeited lease hands off to the front of the FIFO
		// wait-queue first, so existing waiters are never jumped by
		// a brand new caller.
		s.handOff(entry)
	}

	if entry.holder == "" {
		entry.holder = holder
		entry.acquiredAt = now
		entry.lease = lease
		s.mu.Unlock()
		return nil
	}

	w := &waiter{holder: holder, lease: lease, result: make(chan acquireResult, 1)}
	elem := entry.waitQueue.PushBack(w)
	s.mu.Unlock()

	var timer *time.Timer
	var timerCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerCh = timer.C
		defer timer.Stop()
	}

	select {
	case res := <-w.result:
		if res.err != nil {
			return res.err
		}
		return nil
	case <-timerCh:
		s.mu.Lock()
		removeWaiter(entry.waitQueue, elem)
		s.mu.Unlock()
		return kerrors.New(kerrors.KindTimeout, "acquire "+name+" timed out")
	case <-ctx.Done():
		s.mu.Lock()
		removeWaiter(entry.waitQueue, elem)
		s.mu.Unlock()
		return kerrors.Wrap(kerrors.KindCancelled, "acquire "+name+" cancelled", ctx.Err())
	}
}

func removeWaiter(q *list.List, elem *list.Element) {
	for e := q.Front(); e != nil; e = e.Next() {
		if e == elem {
			q.Remove(e)
			return
		}
	}
}

// Release frees name if held by holder; a no-op otherwise. The next
// waiter in FIFO order, if any, becomes the new holder.
func (s *Store) Release(name, holder string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.locks[name]
	if !ok || entry.holder != holder {
		return
	}
	s.handOff(entry)
}

// handOff passes the lock to the next waiter, or clears the holder if
// the wait-queue is empty. Must be called with s.mu held.
func (s *Store) handOff(entry *lockEntry) {
	front := entry.waitQueue.Front()
	if front == nil {
		entry.holder = ""
		return
	}
	entry.waitQueue.Remove(front)
	w := front.Value.(*waiter)
	entry.holder = w.holder
	entry.acquiredAt = s.clk.Now()
	entry.lease = w.lease
	w.result <- acquireResult{ok: true}
}

// WithLock acquires name for holder, runs fn, and releases the lock on
// every exit path (success, fn error, or cancellation), guaranteeing
// the lock is never left held past the call.
func (s *Store) WithLock(ctx context.Context, name, holder string, lease, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := s.Acquire(ctx, name, holder, lease, timeout); err != nil {
		return err
	}
	defer s.Release(name, holder)
	return fn(ctx)
}

// Reset releases every lock and clears every wait-queue, matching the
// invariant that locks never survive a restart.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, entry := range s.locks {
		for e := entry.waitQueue.Front(); e != nil; e = e.Next() {
			w := e.Value.(*waiter)
			w.result <- acquireResult{err: kerrors.New(kerrors.KindCancelled, "lock "+name+" reset")}
		}
		entry.waitQueue.Init()
		entry.holder = ""
	}
}

// LockStatus is the read-only view of one lock for inspection.
type LockStatus struct {
	Name       string
	Holder     string
	AcquiredAt time.Time
	Lease      time.Duration
	WaitCount  int
	Forfeit    bool
}

// Locks returns the status of every lock the process has seen.
func (s *Store) Locks() []LockStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	out := make([]LockStatus, 0, len(s.locks))
	for name, entry := range s.locks {
		out = append(out, LockStatus{
			Name:       name,
			Holder:     entry.holder,
			AcquiredAt: entry.acquiredAt,
			Lease:      entry.lease,
			WaitCount:  entry.waitQueue.Len(),
			Forfeit:    entry.forfeit(now),
		})
	}
	return out
}
