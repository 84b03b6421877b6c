// Package clock provides the runtime's notion of time and identity: a
// small interface over time.Now so tests can fake it, plus the ID and
// fingerprint helpers used across messaging, caching, and workflow runs.
package clock

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so components can be driven by a
// FakeClock in tests instead of the real clock.
type Clock interface {
	Now() time.Time
	// Monotonic returns elapsed time since the clock was created,
	// independent of wall-clock adjustments.
	Monotonic() time.Duration
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock backed by the real wall clock.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() time.Time { return time.Now() }

func (c *SystemClock) Monotonic() time.Duration { return time.Since(c.start) }

// FakeClock is a manually advanced Clock for deterministic tests.
type FakeClock struct {
	mu    sync.Mutex
	now   time.Time
	start time.Time
}

// NewFakeClock returns a FakeClock fixed at the given time.
func NewFakeClock(at time.Time) *FakeClock {
	return &FakeClock{now: at, start: at}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Monotonic() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(c.start)
}

// Advance moves the fake clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the fake clock to an exact instant.
func (c *FakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

// NewID returns a fresh random identifier, used for workflow run IDs
// and cron job IDs.
func NewID() string {
	return uuid.New().String()
}

// Fingerprint returns a content-addressed digest of parts, joined by a
// separator byte that cannot appear inside any single part's own hash
// boundary, hex-encoded and truncated to 16 bytes (32 hex characters).
// Used for message IDs (sender+timestamp+body) and cache keys
// (function name + canonical arguments).
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
