// Package health implements the Health Monitor (§4.6): append-only
// execution samples, a rolling windowed roll-up per agent, and
// debounced alert messages on status transitions. Directly grounded
// in statemanager.Manager's tracked-operation map, eviction, and
// GetStats shape, generalized from one process-wide operation table
// to per-agent sample windows with a derived status.
package health

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"forgehome.dev/core/clock"
	"forgehome.dev/core/kerrors"
	"forgehome.dev/core/messaging"
	"forgehome.dev/core/store"
)

const namespace = "health"

// Outcome is whether a tracked execution succeeded or failed.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Sample is one append-only execution record.
type Sample struct {
	Agent     string         `json:"agent"`
	Activity  string         `json:"activity"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Outcome   Outcome        `json:"outcome"`
	Context   map[string]any `json:"context,omitempty"`
}

// Status is the derived health state of an agent over a window.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// RollUp is the derived per-agent health summary over window W.
type RollUp struct {
	Agent        string
	SampleCount  int
	SuccessRate  float64
	MeanDuration time.Duration
	P95Duration  time.Duration
	LastErrorAt  *time.Time
	Status       Status
}

// Config configures the Monitor.
type Config struct {
	Window             time.Duration // default 24h
	DebounceWindow      time.Duration // default 5m
	AlertRecipient      string        // default "system"
	DegradedSuccessRate float64       // default 0.95
	DownSuccessRate     float64       // default 0.50
}

// Monitor is the health service.
type Monitor struct {
	st  store.Store
	clk clock.Clock
	bus *messaging.Bus
	cfg Config

	mu          sync.Mutex
	lastStatus  map[string]Status
	lastAlertAt map[string]time.Time
	lastAlertKind map[string]string
}

// New constructs a Monitor over st, optionally wired to bus for alert
// delivery (nil disables alerting).
func New(st store.Store, clk clock.Clock, bus *messaging.Bus, cfg Config) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 5 * time.Minute
	}
	if cfg.AlertRecipient == "" {
		cfg.AlertRecipient = "system"
	}
	if cfg.DegradedSuccessRate <= 0 {
		cfg.DegradedSuccessRate = 0.95
	}
	if cfg.DownSuccessRate <= 0 {
		cfg.DownSuccessRate = 0.50
	}
	return &Monitor{
		st:          st,
		clk:         clk,
		bus:         bus,
		cfg:         cfg,
		lastStatus:    make(map[string]Status),
		lastAlertAt:   make(map[string]time.Time),
		lastAlertKind: make(map[string]string),
	}
}

// Record appends an explicit sample and re-evaluates the agent's
// status, emitting a debounced transition alert if it changed.
func (m *Monitor) Record(ctx context.Context, agent, activity string, started, ended time.Time, outcome Outcome, sampleCtx map[string]any) error {
	if ended.Before(started) {
		return kerrors.New(kerrors.KindUsage, "ended_at must not precede started_at")
	}
	s := Sample{Agent: agent, Activity: activity, StartedAt: started, EndedAt: ended, Outcome: outcome, Context: sampleCtx}
	data, err := json.Marshal(s)
	if err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "marshal health sample", err)
	}
	if _, err := m.st.Append(ctx, namespace+"/"+agent, data); err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "append health sample", err)
	}
	m.rememberAgent(ctx, agent)
	m.evaluateTransition(ctx, agent)
	return nil
}

// rememberAgent adds agent to the durable set of agents the monitor
// has ever recorded a sample for, so recent_errors and cleanup can
// enumerate agents without the caller supplying a list.
func (m *Monitor) rememberAgent(ctx context.Context, agent string) {
	if _, ok, _ := m.st.Get(ctx, namespace, "_agents/"+agent); ok {
		return
	}
	_ = m.st.Put(ctx, namespace, "_agents/"+agent, []byte(agent), 0)
}

// KnownAgents returns every agent name the monitor has recorded a
// sample for.
func (m *Monitor) KnownAgents(ctx context.Context) ([]string, error) {
	recs, err := m.st.Scan(ctx, namespace, "_agents/", m.clk.Now())
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "list known agents", err)
	}
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, string(rec.Value))
	}
	return out, nil
}

// Track runs fn as a scoped region, recording started_at on entry and
// ended_at plus outcome on exit. An error returned by fn is recorded
// as a failure sample and re-raised to the caller unchanged.
func (m *Monitor) Track(ctx context.Context, agent, activity string, sampleCtx map[string]any, fn func(ctx context.Context) error) error {
	started := m.clk.Now()
	err := fn(ctx)
	ended := m.clk.Now()
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	if recErr := m.Record(ctx, agent, activity, started, ended, outcome, sampleCtx); recErr != nil {
		if err == nil {
			return recErr
		}
	}
	return err
}

func (m *Monitor) samplesSince(ctx context.Context, agent string, since time.Time) ([]Sample, error) {
	recs, err := m.st.LogRange(ctx, namespace+"/"+agent, 0, 0)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "read health samples", err)
	}
	out := make([]Sample, 0, len(recs))
	for _, rec := range recs {
		var s Sample
		if json.Unmarshal(rec.Value, &s) != nil {
			continue
		}
		if s.StartedAt.Before(since) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Status computes the current roll-up for agent over window.
func (m *Monitor) Status(ctx context.Context, agent string, window time.Duration) (RollUp, error) {
	if window <= 0 {
		window = m.cfg.Window
	}
	samples, err := m.samplesSince(ctx, agent, m.clk.Now().Add(-window))
	if err != nil {
		return RollUp{}, err
	}
	return rollUp(agent, samples, window, m.clk.Now(), m.cfg), nil
}

func rollUp(agent string, samples []Sample, window time.Duration, now time.Time, cfg Config) RollUp {
	r := RollUp{Agent: agent, SampleCount: len(samples)}
	if len(samples) == 0 {
		r.Status = StatusUnknown
		return r
	}

	var successes int
	var totalDuration time.Duration
	durations := make([]time.Duration, 0, len(samples))
	var lastErrorAt *time.Time
	for _, s := range samples {
		d := s.EndedAt.Sub(s.StartedAt)
		totalDuration += d
		durations = append(durations, d)
		if s.Outcome == OutcomeSuccess {
			successes++
		} else {
			at := s.EndedAt
			lastErrorAt = &at
		}
	}
	r.SuccessRate = float64(successes) / float64(len(samples))
	r.MeanDuration = totalDuration / time.Duration(len(samples))
	r.LastErrorAt = lastErrorAt

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	idx := int(float64(len(durations)) * 0.95)
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	r.P95Duration = durations[idx]

	lastThree := samples
	if len(lastThree) > 3 {
		lastThree = lastThree[len(lastThree)-3:]
	}
	last3AllFailures := len(lastThree) > 0
	for _, s := range lastThree {
		if s.Outcome != OutcomeFailure {
			last3AllFailures = false
		}
	}

	switch {
	case r.SuccessRate >= cfg.DegradedSuccessRate && (lastErrorAt == nil || now.Sub(*lastErrorAt) > window/4):
		r.Status = StatusHealthy
	case last3AllFailures || r.SuccessRate < cfg.DownSuccessRate:
		r.Status = StatusDown
	default:
		r.Status = StatusDegraded
	}
	return r
}

func (m *Monitor) evaluateTransition(ctx context.Context, agent string) {
	roll, err := m.Status(ctx, agent, m.cfg.Window)
	if err != nil {
		return
	}
	m.mu.Lock()
	prev, hadPrev := m.lastStatus[agent]
	m.lastStatus[agent] = roll.Status
	now := m.clk.Now()
	m.mu.Unlock()

	if !hadPrev || prev == roll.Status {
		return
	}

	// Any change in classification is alertable, including a worsening
	// move from degraded straight to down (and back), not just the
	// healthy/unhealthy boundary crossings.
	var kind string
	switch roll.Status {
	case StatusDown:
		kind = "down"
	case StatusDegraded:
		kind = "degraded"
	case StatusHealthy:
		kind = "recovered"
	default:
		return
	}

	m.mu.Lock()
	lastAlert, hadAlert := m.lastAlertAt[agent]
	sameKind := m.lastAlertKind[agent] == kind
	debounced := hadAlert && sameKind && now.Sub(lastAlert) < m.cfg.DebounceWindow
	m.mu.Unlock()
	if debounced || m.bus == nil {
		return
	}

	priority := messaging.PriorityHigh
	if kind == "down" {
		priority = messaging.PriorityUrgent
	}

	body, _ := json.Marshal(map[string]any{"agent": agent, "status": string(roll.Status), "transition": kind})
	if _, err := m.bus.Send(ctx, "health-monitor", m.cfg.AlertRecipient, body, "application/json", priority); err == nil {
		m.mu.Lock()
		m.lastAlertAt[agent] = now
		m.lastAlertKind[agent] = kind
		m.mu.Unlock()
	}
}

// Dashboard returns the current roll-up for each agent named in
// agents.
func (m *Monitor) Dashboard(ctx context.Context, agents []string) (map[string]RollUp, error) {
	out := make(map[string]RollUp, len(agents))
	for _, a := range agents {
		roll, err := m.Status(ctx, a, m.cfg.Window)
		if err != nil {
			return nil, err
		}
		out[a] = roll
	}
	return out, nil
}

// RecentErrors returns up to limit most recent failure samples across
// every known agent, most recent first.
func (m *Monitor) RecentErrors(ctx context.Context, limit int) ([]Sample, error) {
	agents, err := m.KnownAgents(ctx)
	if err != nil {
		return nil, err
	}
	var all []Sample
	for _, agent := range agents {
		samples, err := m.samplesSince(ctx, agent, time.Time{})
		if err != nil {
			return nil, err
		}
		for _, s := range samples {
			if s.Outcome == OutcomeFailure {
				all = append(all, s)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].EndedAt.After(all[j].EndedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Cleanup discards samples older than olderThan across every known
// agent, trimming each agent's append-only log up to (but not
// including) the first sample still inside the window.
func (m *Monitor) Cleanup(ctx context.Context, olderThan time.Duration) error {
	agents, err := m.KnownAgents(ctx)
	if err != nil {
		return err
	}
	cutoff := m.clk.Now().Add(-olderThan)
	for _, agent := range agents {
		ns := namespace + "/" + agent
		recs, err := m.st.LogRange(ctx, ns, 0, 0)
		if err != nil {
			return kerrors.Wrap(kerrors.KindStorage, "read log for cleanup", err)
		}
		keepFrom := uint64(0)
		for _, rec := range recs {
			var s Sample
			if json.Unmarshal(rec.Value, &s) != nil {
				continue
			}
			if s.StartedAt.Before(cutoff) {
				keepFrom = rec.Seq + 1
			} else {
				break
			}
		}
		if keepFrom == 0 {
			continue
		}
		if err := m.st.TrimLog(ctx, ns, keepFrom); err != nil {
			return kerrors.Wrap(kerrors.KindStorage, "trim log "+ns, err)
		}
	}
	return nil
}
