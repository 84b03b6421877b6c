package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgehome.dev/core/agent"
	"forgehome.dev/core/clock"
	"forgehome.dev/core/health"
	"forgehome.dev/core/router"
	"forgehome.dev/core/store"
	"forgehome.dev/core/workflow"
)

func newTestCronScheduler(t *testing.T) (*CronScheduler, *workflow.Engine, *router.Router, *clock.FakeClock) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.OpenBolt(filepath.Join(dir, "cron.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rtr := router.New("")
	hm := health.New(st, clk, nil, health.Config{})
	engine := workflow.New(st, clk, rtr, hm, workflow.Config{})
	t.Cleanup(engine.Close)

	sched, err := NewCronScheduler(context.Background(), st, clk, engine)
	require.NoError(t, err)
	t.Cleanup(sched.Close)
	return sched, engine, rtr, clk
}

func TestAddJob_RejectsInvalidExpression(t *testing.T) {
	s, _, _, _ := newTestCronScheduler(t)
	_, err := s.AddJob(context.Background(), "not a cron expr", "wf", "agent", nil)
	require.Error(t, err)
}

func TestAddJob_AcceptsEveryForm(t *testing.T) {
	s, _, _, _ := newTestCronScheduler(t)
	id, err := s.AddJob(context.Background(), "@every 1m", "wf", "agent", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestAddJob_AcceptsFiveFieldCalendarExpression(t *testing.T) {
	s, _, _, clk := newTestCronScheduler(t)
	id, err := s.AddJob(context.Background(), "0 3 * * *", "wf", "agent", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	jobs, err := s.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, clk.Now().Add(3*time.Hour), jobs[0].NextRun)
}

func TestCronScheduler_FiresDueJobAndRecomputesNextRun(t *testing.T) {
	s, engine, rtr, clk := newTestCronScheduler(t)
	require.NoError(t, rtr.Register(agent.Agent{
		Name: "worker", Enabled: true,
		Handler: func(env agent.Envelope) (agent.Result, error) {
			return agent.Result{Output: map[string]any{"ok": true}}, nil
		},
	}))
	require.NoError(t, engine.Register(workflow.Definition{
		Name:  "tick",
		Steps: []workflow.Step{{TargetAgent: "worker", Action: "do"}},
	}))

	id, err := s.AddJob(context.Background(), "@every 1m", "tick", "clock", nil)
	require.NoError(t, err)

	clk.Advance(90 * time.Second)
	s.fireDue(context.Background())

	job, err := s.getJob(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, job.LastRun.IsZero())
	assert.True(t, job.NextRun.After(job.LastRun))
}

func TestCronScheduler_LateFiringsCoalesceToOne(t *testing.T) {
	s, engine, rtr, clk := newTestCronScheduler(t)
	var calls int
	require.NoError(t, rtr.Register(agent.Agent{
		Name: "worker", Enabled: true,
		Handler: func(env agent.Envelope) (agent.Result, error) {
			calls++
			return agent.Result{Output: map[string]any{"ok": true}}, nil
		},
	}))
	require.NoError(t, engine.Register(workflow.Definition{
		Name:  "tick",
		Steps: []workflow.Step{{TargetAgent: "worker", Action: "do"}},
	}))

	_, err := s.AddJob(context.Background(), "@every 1m", "tick", "clock", nil)
	require.NoError(t, err)

	// Simulate the process having been asleep for ten missed intervals.
	clk.Advance(10 * time.Minute)
	s.fireDue(context.Background())

	jobs, err := s.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].NextRun.After(clk.Now()))

	// A second fireDue immediately after should not fire again since
	// next_run has already moved past now.
	s.fireDue(context.Background())

	deadline := time.Now().Add(time.Second)
	for calls == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, calls)
}

func TestDisable_StopsJobFromFiring(t *testing.T) {
	s, engine, rtr, clk := newTestCronScheduler(t)
	var calls int
	require.NoError(t, rtr.Register(agent.Agent{
		Name: "worker", Enabled: true,
		Handler: func(env agent.Envelope) (agent.Result, error) {
			calls++
			return agent.Result{Output: map[string]any{"ok": true}}, nil
		},
	}))
	require.NoError(t, engine.Register(workflow.Definition{
		Name:  "tick",
		Steps: []workflow.Step{{TargetAgent: "worker", Action: "do"}},
	}))

	id, err := s.AddJob(context.Background(), "@every 1m", "tick", "clock", nil)
	require.NoError(t, err)
	require.NoError(t, s.Disable(context.Background(), id))

	clk.Advance(5 * time.Minute)
	s.fireDue(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, calls)
}

func TestRemoveJob_NotFoundIsError(t *testing.T) {
	s, _, _, _ := newTestCronScheduler(t)
	err := s.RemoveJob(context.Background(), "nonexistent")
	require.Error(t, err)
}

func TestListJobs_ReturnsAllPersistedJobs(t *testing.T) {
	s, _, _, _ := newTestCronScheduler(t)
	_, err := s.AddJob(context.Background(), "@every 1m", "a", "", nil)
	require.NoError(t, err)
	_, err = s.AddJob(context.Background(), "@every 2m", "b", "", nil)
	require.NoError(t, err)

	jobs, err := s.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
