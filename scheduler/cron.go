// Package scheduler implements the runtime's two trigger surfaces
// (spec.md §4.9): a cron job scheduler and a loopback HTTP webhook
// server, both of which resolve to the same trigger event shape fed
// into the Workflow Engine's Trigger operation.
//
// The cron loop is new (the teacher has no cron component) but
// follows the teacher's own thread-with-stop-channel idiom
// (coordinator.go's ping loop); schedule parsing and next-run
// arithmetic are delegated to github.com/robfig/cron rather than
// hand-rolled, since that library already ships as an indirect
// dependency in the retrieval pack and covers exactly the 5-field +
// "@every" grammar spec.md §6.2 requires.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron"

	"forgehome.dev/core/clock"
	"forgehome.dev/core/common"
	"forgehome.dev/core/kerrors"
	"forgehome.dev/core/store"
	"forgehome.dev/core/workflow"
)

const cronNamespace = "cron"

// CronJob is one scheduled, recurring trigger. TargetWorkflow names a
// workflow directly: add_job's signature (expression, target_workflow,
// payload_template, agent) already resolves the workflow by name, so
// firing calls workflow.Engine.Trigger directly rather than going
// through Engine.TriggerEvent's (agent, event) lookup. Agent is
// recorded onto the fired trigger event's payload for health/log
// attribution, matching the {agent, event, payload} trigger event
// shape described in the glossary.
type CronJob struct {
	ID              string         `json:"id"`
	Expression      string         `json:"expression"`
	TargetWorkflow  string         `json:"target_workflow"`
	Agent           string         `json:"agent"`
	PayloadTemplate map[string]any `json:"payload_template"`
	Enabled         bool           `json:"enabled"`
	LastRun         time.Time      `json:"last_run"`
	NextRun         time.Time      `json:"next_run"`
}

// CronScheduler owns the cron surface: job CRUD plus a single loop
// goroutine that wakes at the earliest next_run across all enabled
// jobs, fires everything due, and recomputes next_run for each.
type CronScheduler struct {
	st     store.Store
	clk    clock.Clock
	engine *workflow.Engine
	log    *common.ContextLogger

	mu        sync.Mutex
	schedules map[string]cron.Schedule

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCronScheduler constructs a CronScheduler, loads persisted jobs,
// and starts its loop goroutine.
func NewCronScheduler(ctx context.Context, st store.Store, clk clock.Clock, engine *workflow.Engine) (*CronScheduler, error) {
	s := &CronScheduler{
		st:        st,
		clk:       clk,
		engine:    engine,
		log:       common.ComponentLogger("scheduler.cron"),
		schedules: make(map[string]cron.Schedule),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	jobs, err := s.listJobs(ctx)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		sched, err := cron.ParseStandard(job.Expression)
		if err != nil {
			s.log.WithError(err).Warnf("dropping unparseable persisted cron job %s", job.ID)
			continue
		}
		s.schedules[job.ID] = sched
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Close stops the scheduler loop.
func (s *CronScheduler) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// AddJob validates expression, persists a new enabled job, and wakes
// the loop so the new job is considered for the next wake time.
func (s *CronScheduler) AddJob(ctx context.Context, expression, targetWorkflow, agent string, payloadTemplate map[string]any) (string, error) {
	if targetWorkflow == "" {
		return "", kerrors.New(kerrors.KindUsage, "target workflow must not be empty")
	}
	sched, err := cron.ParseStandard(expression)
	if err != nil {
		return "", kerrors.Wrap(kerrors.KindUsage, "invalid cron expression", err)
	}
	now := s.clk.Now()
	job := &CronJob{
		ID:              clock.NewID(),
		Expression:      expression,
		TargetWorkflow:  targetWorkflow,
		Agent:           agent,
		PayloadTemplate: payloadTemplate,
		Enabled:         true,
		NextRun:         sched.Next(now),
	}
	if err := s.persist(ctx, job); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.schedules[job.ID] = sched
	s.mu.Unlock()
	s.wake()
	return job.ID, nil
}

// RemoveJob deletes a job and its schedule.
func (s *CronScheduler) RemoveJob(ctx context.Context, id string) error {
	existed, err := s.st.Delete(ctx, cronNamespace, id)
	if err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "delete cron job", err)
	}
	if !existed {
		return kerrors.New(kerrors.KindNotFound, "cron job "+id+" not found")
	}
	s.mu.Lock()
	delete(s.schedules, id)
	s.mu.Unlock()
	return nil
}

// Enable re-activates a disabled job, recomputing its next_run from
// now so it does not immediately fire for every interval it missed
// while disabled.
func (s *CronScheduler) Enable(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, true)
}

// Disable deactivates a job without deleting it.
func (s *CronScheduler) Disable(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, false)
}

func (s *CronScheduler) setEnabled(ctx context.Context, id string, enabled bool) error {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return err
	}
	job.Enabled = enabled
	if enabled {
		s.mu.Lock()
		sched, ok := s.schedules[id]
		s.mu.Unlock()
		if ok {
			job.NextRun = sched.Next(s.clk.Now())
		}
	}
	if err := s.persist(ctx, job); err != nil {
		return err
	}
	if enabled {
		s.wake()
	}
	return nil
}

// ListJobs returns every persisted cron job.
func (s *CronScheduler) ListJobs(ctx context.Context) ([]*CronJob, error) {
	return s.listJobs(ctx)
}

func (s *CronScheduler) getJob(ctx context.Context, id string) (*CronJob, error) {
	rec, ok, err := s.st.Get(ctx, cronNamespace, id)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "load cron job", err)
	}
	if !ok {
		return nil, kerrors.New(kerrors.KindNotFound, "cron job "+id+" not found")
	}
	var job CronJob
	if err := json.Unmarshal(rec.Value, &job); err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "decode cron job", err)
	}
	return &job, nil
}

func (s *CronScheduler) listJobs(ctx context.Context) ([]*CronJob, error) {
	recs, err := s.st.Scan(ctx, cronNamespace, "", s.clk.Now())
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "scan cron jobs", err)
	}
	jobs := make([]*CronJob, 0, len(recs))
	for _, rec := range recs {
		var job CronJob
		if json.Unmarshal(rec.Value, &job) != nil {
			continue
		}
		cp := job
		jobs = append(jobs, &cp)
	}
	return jobs, nil
}

func (s *CronScheduler) persist(ctx context.Context, job *CronJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "marshal cron job", err)
	}
	if err := s.st.Put(ctx, cronNamespace, job.ID, data, 0); err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "persist cron job", err)
	}
	return nil
}

func (s *CronScheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *CronScheduler) loop() {
	defer s.wg.Done()
	for {
		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-s.wakeCh:
			timer.Stop()
		case <-timer.C:
			s.fireDue(context.Background())
		}
	}
}

// nextWait returns how long the loop should sleep before re-checking,
// the minimum next_run across enabled jobs capped to a reasonable
// idle ceiling so a newly added job is never missed by more than that
// ceiling even if wake() races with loop startup.
func (s *CronScheduler) nextWait() time.Duration {
	const idleCeiling = time.Minute
	jobs, err := s.listJobs(context.Background())
	if err != nil {
		return idleCeiling
	}
	now := s.clk.Now()
	var earliest time.Time
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if earliest.IsZero() || job.NextRun.Before(earliest) {
			earliest = job.NextRun
		}
	}
	if earliest.IsZero() {
		return idleCeiling
	}
	wait := earliest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	if wait > idleCeiling {
		wait = idleCeiling
	}
	return wait
}

// fireDue fires every enabled job whose next_run has arrived. A job
// overdue by multiple matching intervals (the process was asleep)
// still fires exactly once here; next_run is then recomputed from the
// firing time, coalescing the missed intervals.
func (s *CronScheduler) fireDue(ctx context.Context) {
	now := s.clk.Now()
	jobs, err := s.listJobs(ctx)
	if err != nil {
		s.log.WithError(err).Error("failed to scan cron jobs")
		return
	}
	for _, job := range jobs {
		if !job.Enabled || job.NextRun.After(now) {
			continue
		}
		s.mu.Lock()
		sched, ok := s.schedules[job.ID]
		s.mu.Unlock()
		if !ok {
			sched, err = cron.ParseStandard(job.Expression)
			if err != nil {
				s.log.WithError(err).Warnf("dropping unparseable cron job %s", job.ID)
				continue
			}
			s.mu.Lock()
			s.schedules[job.ID] = sched
			s.mu.Unlock()
		}

		payload := make(map[string]any, len(job.PayloadTemplate)+1)
		for k, v := range job.PayloadTemplate {
			payload[k] = v
		}
		payload["agent"] = job.Agent

		if _, err := s.engine.Trigger(ctx, job.TargetWorkflow, payload); err != nil {
			s.log.WithError(err).Warnf("cron job %s failed to trigger workflow %s", job.ID, job.TargetWorkflow)
		}

		job.LastRun = now
		job.NextRun = sched.Next(now)
		if err := s.persist(ctx, job); err != nil {
			s.log.WithError(err).Errorf("failed to persist cron job %s after firing", job.ID)
		}
	}
}
