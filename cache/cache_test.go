package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgehome.dev/core/clock"
	"forgehome.dev/core/store"
)

func newTestCache(t *testing.T, clk clock.Clock) *Cache {
	t.Helper()
	dir := t.TempDir()
	st, err := store.OpenBolt(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, clk)
}

func TestGetOrFill_MissInvokesProducerAndCaches(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := newTestCache(t, clk)
	ctx := context.Background()

	var calls int32
	producer := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("42"), nil
	}

	v, err := c.GetOrFill(ctx, "f", time.Minute, nil, producer)
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), v)

	v2, err := c.GetOrFill(ctx, "f", time.Minute, nil, producer)
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), v2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrFill_ExpiredEntryIsRefilled(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := newTestCache(t, clk)
	ctx := context.Background()

	var calls int32
	producer := func(ctx context.Context) ([]byte, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return []byte("first"), nil
		}
		return []byte("second"), nil
	}

	v, err := c.GetOrFill(ctx, "k", time.Minute, nil, producer)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), v)

	clk.Advance(2 * time.Minute)

	v, err = c.GetOrFill(ctx, "k", time.Minute, nil, producer)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), v)
}

func TestGetOrFill_SingleFlight(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := newTestCache(t, clk)
	ctx := context.Background()

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	producer := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return []byte("shared"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.GetOrFill(ctx, "shared-key", time.Minute, nil, producer)
	}()
	go func() {
		defer wg.Done()
		<-started
		results[1], errs[1] = c.GetOrFill(ctx, "shared-key", time.Minute, nil, producer)
	}()

	<-started
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, []byte("shared"), results[0])
	assert.Equal(t, []byte("shared"), results[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrFill_ProducerErrorLeavesNothingCached(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := newTestCache(t, clk)
	ctx := context.Background()

	boom := errors.New("producer failed")
	_, err := c.GetOrFill(ctx, "bad", time.Minute, nil, func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.EntryCount)
}

func TestInvalidate_MatchesGlobPattern(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := newTestCache(t, clk)
	ctx := context.Background()

	_, err := c.GetOrFill(ctx, "a", time.Minute, []string{"user:1", "report"}, constProducer("a"))
	require.NoError(t, err)
	_, err = c.GetOrFill(ctx, "b", time.Minute, []string{"user:2"}, constProducer("b"))
	require.NoError(t, err)
	_, err = c.GetOrFill(ctx, "c", time.Minute, []string{"system"}, constProducer("c"))
	require.NoError(t, err)

	n, err := c.Invalidate(ctx, "user:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntryCount)
}

func TestStats_CountsHitsAndMisses(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := newTestCache(t, clk)
	ctx := context.Background()

	_, err := c.GetOrFill(ctx, "k", time.Minute, nil, constProducer("v"))
	require.NoError(t, err)
	_, err = c.GetOrFill(ctx, "k", time.Minute, nil, constProducer("v"))
	require.NoError(t, err)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, 1, stats.EntryCount)
}

func TestKey_DeterministicRegardlessOfArgOrder(t *testing.T) {
	k1, err := Key("render", map[string]any{"id": 1, "scale": "2x"})
	require.NoError(t, err)
	k2, err := Key("render", map[string]any{"scale": "2x", "id": 1})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := Key("render", map[string]any{"id": 2, "scale": "2x"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func constProducer(v string) Producer {
	return func(ctx context.Context) ([]byte, error) { return []byte(v), nil }
}
