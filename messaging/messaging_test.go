package messaging

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgehome.dev/core/clock"
	"forgehome.dev/core/store"
)

func newTestBus(t *testing.T, clk clock.Clock) (*Bus, *store.Bolt) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.OpenBolt(filepath.Join(dir, "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := New(st, clk, Config{SweepInterval: time.Hour})
	t.Cleanup(bus.Close)
	return bus, st
}

func TestSend_IdempotentOnSameID(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus, _ := newTestBus(t, clk)
	ctx := context.Background()

	id1, err := bus.Send(ctx, "scheduler", "printer", []byte("print it"), "text/plain", PriorityNormal)
	require.NoError(t, err)
	id2, err := bus.Send(ctx, "scheduler", "printer", []byte("print it"), "text/plain", PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	msgs, err := bus.Peek(ctx, "printer")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestReceive_OrdersByPriorityThenFIFO(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus, _ := newTestBus(t, clk)
	ctx := context.Background()

	_, err := bus.Send(ctx, "s", "printer", []byte("normal-1"), "text/plain", PriorityNormal)
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = bus.Send(ctx, "s", "printer", []byte("urgent-1"), "text/plain", PriorityUrgent)
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = bus.Send(ctx, "s", "printer", []byte("normal-2"), "text/plain", PriorityNormal)
	require.NoError(t, err)

	msgs, err := bus.Receive(ctx, "printer", 0, false)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "urgent-1", string(msgs[0].Body))
	assert.Equal(t, "normal-1", string(msgs[1].Body))
	assert.Equal(t, "normal-2", string(msgs[2].Body))
}

func TestAcknowledge_RemovesFromUnacknowledged(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus, _ := newTestBus(t, clk)
	ctx := context.Background()

	id, err := bus.Send(ctx, "s", "printer", []byte("hi"), "text/plain", PriorityNormal)
	require.NoError(t, err)

	msgs, err := bus.Receive(ctx, "printer", 0, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, bus.Acknowledge(ctx, "printer", id))

	counts, err := bus.CountsFor(ctx, "printer")
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Queued)
	assert.Equal(t, 0, counts.Delivered)
	assert.Equal(t, 1, counts.Acknowledged)
}

func TestAcknowledge_UnknownMessageIsNotFound(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	bus, _ := newTestBus(t, clk)
	err := bus.Acknowledge(context.Background(), "printer", "nonexistent")
	require.Error(t, err)
}

func TestReceive_UnknownRecipientReturnsEmptyNotError(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	bus, _ := newTestBus(t, clk)
	msgs, err := bus.Receive(context.Background(), "nobody", 0, false)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCountsFor_ReflectsProcessLocalDeliveryMark(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus, _ := newTestBus(t, clk)
	ctx := context.Background()

	_, err := bus.Send(ctx, "s", "printer", []byte("queued"), "text/plain", PriorityNormal)
	require.NoError(t, err)
	_, err = bus.Send(ctx, "s", "printer", []byte("delivered"), "text/plain", PriorityNormal)
	require.NoError(t, err)
	ackedID, err := bus.Send(ctx, "s", "printer", []byte("acked"), "text/plain", PriorityNormal)
	require.NoError(t, err)

	counts, err := bus.CountsFor(ctx, "printer")
	require.NoError(t, err)
	assert.Equal(t, Counts{Queued: 3}, counts)

	_, err = bus.Receive(ctx, "printer", 0, true)
	require.NoError(t, err)
	require.NoError(t, bus.Acknowledge(ctx, "printer", ackedID))

	counts, err = bus.CountsFor(ctx, "printer")
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Queued)
	assert.Equal(t, 2, counts.Delivered)
	assert.Equal(t, 1, counts.Acknowledged)
}

func TestClear_RemovesOnlyOlderThanCutoff(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus, _ := newTestBus(t, clk)
	ctx := context.Background()

	_, err := bus.Send(ctx, "s", "printer", []byte("old"), "text/plain", PriorityNormal)
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	_, err = bus.Send(ctx, "s", "printer", []byte("new"), "text/plain", PriorityNormal)
	require.NoError(t, err)

	n, err := bus.Clear(ctx, "printer", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := bus.Peek(ctx, "printer")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", string(msgs[0].Body))
}
