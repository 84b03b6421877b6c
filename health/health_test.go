package health

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgehome.dev/core/clock"
	"forgehome.dev/core/messaging"
	"forgehome.dev/core/store"
)

func newTestMonitor(t *testing.T, clk clock.Clock, bus *messaging.Bus, cfg Config) *Monitor {
	t.Helper()
	dir := t.TempDir()
	st, err := store.OpenBolt(filepath.Join(dir, "health.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, clk, bus, cfg)
}

func TestStatus_UnknownWithNoSamples(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	m := newTestMonitor(t, clk, nil, Config{})
	roll, err := m.Status(context.Background(), "printer", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, roll.Status)
}

func TestRecord_HealthyWhenAllSuccess(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestMonitor(t, clk, nil, Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		start := clk.Now()
		clk.Advance(10 * time.Millisecond)
		require.NoError(t, m.Record(ctx, "printer", "print", start, clk.Now(), OutcomeSuccess, nil))
	}

	roll, err := m.Status(ctx, "printer", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, roll.Status)
	assert.Equal(t, 5, roll.SampleCount)
	assert.Equal(t, 1.0, roll.SuccessRate)
}

func TestRecord_DownWhenLastThreeAllFailuresAndLowSuccessRate(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestMonitor(t, clk, nil, Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		start := clk.Now()
		clk.Advance(time.Millisecond)
		require.NoError(t, m.Record(ctx, "printer", "print", start, clk.Now(), OutcomeFailure, nil))
	}

	roll, err := m.Status(ctx, "printer", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StatusDown, roll.Status)
}

// TestRecord_DownWhenLastThreeAllFailuresRegardlessOfOverallRate covers
// the seeded healthy-to-down scenario: 10 successes followed by 3
// failures puts the overall success rate around 0.77, well above
// DownSuccessRate (0.50), but the last three samples are all failures,
// which alone must be enough to call the agent down.
func TestRecord_DownWhenLastThreeAllFailuresRegardlessOfOverallRate(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestMonitor(t, clk, nil, Config{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		start := clk.Now()
		clk.Advance(time.Millisecond)
		require.NoError(t, m.Record(ctx, "printer", "print", start, clk.Now(), OutcomeSuccess, nil))
	}
	for i := 0; i < 3; i++ {
		start := clk.Now()
		clk.Advance(time.Millisecond)
		require.NoError(t, m.Record(ctx, "printer", "print", start, clk.Now(), OutcomeFailure, nil))
	}

	roll, err := m.Status(ctx, "printer", 24*time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 10.0/13.0, roll.SuccessRate, 0.001)
	assert.Equal(t, StatusDown, roll.Status)
}

func TestRecord_RejectsEndBeforeStart(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	m := newTestMonitor(t, clk, nil, Config{})
	err := m.Record(context.Background(), "printer", "print", clk.Now(), clk.Now().Add(-time.Second), OutcomeSuccess, nil)
	require.Error(t, err)
}

func TestTrack_RecordsFailureAndReraisesError(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	m := newTestMonitor(t, clk, nil, Config{})
	ctx := context.Background()

	boom := assertErr{}
	err := m.Track(ctx, "printer", "print", nil, func(ctx context.Context) error { return boom })
	assert.Equal(t, boom, err)

	roll, err := m.Status(ctx, "printer", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, roll.SampleCount)
	assert.Equal(t, 0.0, roll.SuccessRate)
}

// TestEvaluateTransition_SettlesThenDebounces drives printer from
// healthy through degraded into down (two distinct, non-debounced
// alerts, since each is a different kind) and then keeps it failing:
// once the status settles at down, repeated failures must not queue
// further alerts.
func TestEvaluateTransition_SettlesThenDebounces(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	st, err := store.OpenBolt(filepath.Join(dir, "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	bus := messaging.New(st, clk, messaging.Config{SweepInterval: time.Hour})
	t.Cleanup(bus.Close)

	m := New(st, clk, bus, Config{DebounceWindow: 5 * time.Minute})
	ctx := context.Background()

	start := clk.Now()
	clk.Advance(time.Millisecond)
	require.NoError(t, m.Record(ctx, "printer", "print", start, clk.Now(), OutcomeSuccess, nil))

	for i := 0; i < 5; i++ {
		start := clk.Now()
		clk.Advance(time.Millisecond)
		require.NoError(t, m.Record(ctx, "printer", "print", start, clk.Now(), OutcomeFailure, nil))
	}

	counts, err := bus.CountsFor(ctx, "system")
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Queued)
}

func TestEvaluateTransition_DownAlertIsUrgentPriority(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	st, err := store.OpenBolt(filepath.Join(dir, "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	bus := messaging.New(st, clk, messaging.Config{SweepInterval: time.Hour})
	t.Cleanup(bus.Close)

	m := New(st, clk, bus, Config{DebounceWindow: 5 * time.Minute})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		start := clk.Now()
		clk.Advance(time.Millisecond)
		require.NoError(t, m.Record(ctx, "printer", "print", start, clk.Now(), OutcomeSuccess, nil))
	}
	for i := 0; i < 3; i++ {
		start := clk.Now()
		clk.Advance(time.Millisecond)
		require.NoError(t, m.Record(ctx, "printer", "print", start, clk.Now(), OutcomeFailure, nil))
	}

	msgs, err := bus.Peek(ctx, "system")
	require.NoError(t, err)
	require.NotEmpty(t, msgs)

	var downAlert *messaging.Message
	for i := range msgs {
		if strings.Contains(string(msgs[i].Body), `"status":"down"`) {
			downAlert = &msgs[i]
		}
	}
	require.NotNil(t, downAlert, "expected a down-transition alert")
	assert.Equal(t, messaging.PriorityUrgent, downAlert.Priority)
}

func TestRecentErrors_AcrossAgentsMostRecentFirst(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestMonitor(t, clk, nil, Config{})
	ctx := context.Background()

	start := clk.Now()
	clk.Advance(time.Second)
	require.NoError(t, m.Record(ctx, "printer", "print", start, clk.Now(), OutcomeFailure, nil))

	start = clk.Now()
	clk.Advance(time.Second)
	require.NoError(t, m.Record(ctx, "chatbot", "reply", start, clk.Now(), OutcomeFailure, nil))

	errs, err := m.RecentErrors(ctx, 1)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "chatbot", errs[0].Agent)
}

func TestCleanup_TrimsOldSamples(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestMonitor(t, clk, nil, Config{})
	ctx := context.Background()

	start := clk.Now()
	clk.Advance(time.Millisecond)
	require.NoError(t, m.Record(ctx, "printer", "print", start, clk.Now(), OutcomeSuccess, nil))

	clk.Advance(48 * time.Hour)
	start = clk.Now()
	clk.Advance(time.Millisecond)
	require.NoError(t, m.Record(ctx, "printer", "print", start, clk.Now(), OutcomeSuccess, nil))

	require.NoError(t, m.Cleanup(ctx, 24*time.Hour))

	roll, err := m.Status(ctx, "printer", 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, roll.SampleCount)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
