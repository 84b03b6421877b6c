package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"forgehome.dev/core/agent"
	"forgehome.dev/core/clock"
	"forgehome.dev/core/health"
	"forgehome.dev/core/kerrors"
	"forgehome.dev/core/router"
	"forgehome.dev/core/store"
)

const runsNamespace = "workflow/runs"

// StepOutcome is what happened when a run reached a given step.
type StepOutcome string

const (
	StepSkipped StepOutcome = "skipped"
	StepSuccess StepOutcome = "success"
	StepFailure StepOutcome = "failure"
)

// StepResult records one step's outcome in a run's history.
type StepResult struct {
	Index    int            `json:"index"`
	Agent    string         `json:"agent"`
	Action   string         `json:"action"`
	Outcome  StepOutcome    `json:"outcome"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
}

// Run is one execution instance of a Definition.
type Run struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflow_name"`
	State        RunState       `json:"state"`
	Cursor       int            `json:"cursor"`
	Vars         map[string]any `json:"vars"`
	StepResults  []StepResult   `json:"step_results"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Error        string         `json:"error,omitempty"`
	Depth        int            `json:"depth"`
	ParentRunID  string         `json:"parent_run_id,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	WorkflowName string
	State        RunState
}

// Config configures an Engine.
type Config struct {
	Workers           int // default min(8, NumCPU)
	MaxQueueDepth     int // default 1024
	MaxRecursionDepth int // default 8
}

// Engine is the Workflow Engine service.
type Engine struct {
	st     store.Store
	clk    clock.Clock
	rtr    *router.Router
	health *health.Monitor
	cfg    Config

	mu   sync.RWMutex
	defs map[string]*Definition

	queue  chan string
	stopCh chan struct{}
	wg     sync.WaitGroup

	queuedMu sync.Mutex
	queued   int
}

// New constructs an Engine and starts its worker pool.
func New(st store.Store, clk clock.Clock, rtr *router.Router, hm *health.Monitor, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
		if cfg.Workers > 8 {
			cfg.Workers = 8
		}
		if cfg.Workers < 1 {
			cfg.Workers = 1
		}
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 1024
	}
	if cfg.MaxRecursionDepth <= 0 {
		cfg.MaxRecursionDepth = 8
	}
	e := &Engine{
		st:     st,
		clk:    clk,
		rtr:    rtr,
		health: hm,
		cfg:    cfg,
		defs:   make(map[string]*Definition),
		queue:  make(chan string, cfg.MaxQueueDepth),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Close stops the worker pool, letting in-flight runs finish their
// current step.
func (e *Engine) Close() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case runID := <-e.queue:
			e.queuedMu.Lock()
			e.queued--
			e.queuedMu.Unlock()
			e.executeRun(context.Background(), runID)
		}
	}
}

// Register validates def and adds it to the engine, rejecting a
// definition whose static workflow.trigger call graph forms a cycle.
func (e *Engine) Register(def Definition) error {
	validated, err := Load(def)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if validated.Trigger.Agent != "" || validated.Trigger.Event != "" {
		for n, d := range e.defs {
			if n != validated.Name && d.Trigger.Agent == validated.Trigger.Agent && d.Trigger.Event == validated.Trigger.Event {
				return kerrors.New(kerrors.KindConflict, "agent "+validated.Trigger.Agent+" event "+validated.Trigger.Event+" is already bound to workflow "+n)
			}
		}
	}
	prior := e.defs[validated.Name]
	e.defs[validated.Name] = validated
	candidate := make(map[string]*Definition, len(e.defs))
	for k, v := range e.defs {
		candidate[k] = v
	}
	if err := checkCycles(candidate, validated.Name); err != nil {
		if prior != nil {
			e.defs[validated.Name] = prior
		} else {
			delete(e.defs, validated.Name)
		}
		return err
	}
	return nil
}

func (e *Engine) definition(name string) (*Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.defs[name]
	return d, ok
}

func (e *Engine) persist(ctx context.Context, run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "marshal run", err)
	}
	if err := e.st.Put(ctx, runsNamespace, run.ID, data, 0); err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "persist run", err)
	}
	return nil
}

func (e *Engine) load(ctx context.Context, runID string) (*Run, error) {
	rec, ok, err := e.st.Get(ctx, runsNamespace, runID)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "load run", err)
	}
	if !ok {
		return nil, kerrors.New(kerrors.KindNotFound, "run "+runID+" not found")
	}
	var run Run
	if err := json.Unmarshal(rec.Value, &run); err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "decode run", err)
	}
	return &run, nil
}

// Trigger creates and enqueues a run of workflowName, returning its id
// immediately (synchronous enqueue, asynchronous execution). Rejects
// with a capacity error once MaxQueueDepth runs are outstanding.
func (e *Engine) Trigger(ctx context.Context, workflowName string, payload map[string]any) (string, error) {
	if _, ok := e.definition(workflowName); !ok {
		return "", kerrors.New(kerrors.KindNotFound, "workflow "+workflowName+" is not registered")
	}
	run, err := e.newRun(ctx, workflowName, payload, 0, "")
	if err != nil {
		return "", err
	}
	select {
	case e.queue <- run.ID:
	default:
		e.queuedMu.Lock()
		e.queued--
		e.queuedMu.Unlock()
		return "", kerrors.New(kerrors.KindCapacity, "workflow run queue is full")
	}
	return run.ID, nil
}

// TriggerEvent resolves the workflow bound to (agent, event) and
// triggers it, matching the public trigger(agent, event, payload)
// operation used by the scheduler and webhook surfaces. Exactly one
// registered definition may bind to a given (agent, event) pair;
// registering a second is rejected by Register.
func (e *Engine) TriggerEvent(ctx context.Context, agentName, event string, payload map[string]any) (string, error) {
	e.mu.RLock()
	var name string
	for n, d := range e.defs {
		if d.Trigger.Agent == agentName && d.Trigger.Event == event {
			name = n
			break
		}
	}
	e.mu.RUnlock()
	if name == "" {
		return "", kerrors.New(kerrors.KindNotFound, "no workflow bound to agent "+agentName+" event "+event)
	}
	return e.Trigger(ctx, name, payload)
}

// newRun reserves queue capacity, persists a new running Run, and
// returns it without scheduling its execution.
func (e *Engine) newRun(ctx context.Context, workflowName string, payload map[string]any, depth int, parentRunID string) (*Run, error) {
	if depth > e.cfg.MaxRecursionDepth {
		return nil, kerrors.New(kerrors.KindCapacity, "workflow recursion depth exceeded")
	}
	e.queuedMu.Lock()
	if e.queued >= e.cfg.MaxQueueDepth {
		e.queuedMu.Unlock()
		return nil, kerrors.New(kerrors.KindCapacity, "workflow run queue is full")
	}
	e.queued++
	e.queuedMu.Unlock()

	now := e.clk.Now()
	run := &Run{
		ID:           clock.NewID(),
		WorkflowName: workflowName,
		State:        RunRunning,
		Vars:         map[string]any{"trigger": payload, "step": map[string]any{}},
		CreatedAt:    now,
		UpdatedAt:    now,
		Depth:        depth,
		ParentRunID:  parentRunID,
	}
	if err := e.persist(ctx, run); err != nil {
		e.queuedMu.Lock()
		e.queued--
		e.queuedMu.Unlock()
		return nil, err
	}
	return run, nil
}

// Status returns the current state of a run.
func (e *Engine) Status(ctx context.Context, runID string) (*Run, error) {
	return e.load(ctx, runID)
}

// Cancel transitions a non-terminal run to cancelled. The run's worker
// observes the cancellation at the next step boundary and stops.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.load(ctx, runID)
	if err != nil {
		return err
	}
	if !run.State.CanTransitionTo(RunCancelled) {
		return kerrors.New(kerrors.KindConflict, "run "+runID+" cannot be cancelled from state "+string(run.State))
	}
	run.State = RunCancelled
	run.UpdatedAt = e.clk.Now()
	return e.persist(ctx, run)
}

// Pause transitions a running run to paused; its worker stops at the
// next step boundary.
func (e *Engine) Pause(ctx context.Context, runID string) error {
	run, err := e.load(ctx, runID)
	if err != nil {
		return err
	}
	if !run.State.CanTransitionTo(RunPaused) {
		return kerrors.New(kerrors.KindConflict, "run "+runID+" cannot be paused from state "+string(run.State))
	}
	run.State = RunPaused
	run.UpdatedAt = e.clk.Now()
	return e.persist(ctx, run)
}

// Resume transitions a paused run back to running and re-enqueues it.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	run, err := e.load(ctx, runID)
	if err != nil {
		return err
	}
	if !run.State.CanTransitionTo(RunRunning) {
		return kerrors.New(kerrors.KindConflict, "run "+runID+" cannot be resumed from state "+string(run.State))
	}
	run.State = RunRunning
	run.UpdatedAt = e.clk.Now()
	if err := e.persist(ctx, run); err != nil {
		return err
	}
	select {
	case e.queue <- runID:
		e.queuedMu.Lock()
		e.queued++
		e.queuedMu.Unlock()
	default:
		return kerrors.New(kerrors.KindCapacity, "workflow run queue is full")
	}
	return nil
}

// List returns every run matching filter.
func (e *Engine) List(ctx context.Context, filter Filter) ([]*Run, error) {
	recs, err := e.st.Scan(ctx, runsNamespace, "", e.clk.Now())
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "scan runs", err)
	}
	var out []*Run
	for _, rec := range recs {
		var run Run
		if json.Unmarshal(rec.Value, &run) != nil {
			continue
		}
		if filter.WorkflowName != "" && run.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.State != "" && run.State != filter.State {
			continue
		}
		cp := run
		out = append(out, &cp)
	}
	return out, nil
}

// Recover re-enqueues every run left in the running state, for restart
// recovery: a step that was mid-invocation when the process stopped is
// restarted from scratch, since the cursor only advances on completion.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.List(ctx, Filter{State: RunRunning})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, run := range runs {
		e.queuedMu.Lock()
		if e.queued >= e.cfg.MaxQueueDepth {
			e.queuedMu.Unlock()
			continue
		}
		e.queued++
		e.queuedMu.Unlock()
		select {
		case e.queue <- run.ID:
			n++
		default:
			e.queuedMu.Lock()
			e.queued--
			e.queuedMu.Unlock()
		}
	}
	return n, nil
}

func (e *Engine) executeRun(ctx context.Context, runID string) {
	run, err := e.load(ctx, runID)
	if err != nil {
		return
	}
	def, ok := e.definition(run.WorkflowName)
	if !ok {
		run.State = RunFailed
		run.Error = "workflow definition no longer registered"
		_ = e.persist(ctx, run)
		return
	}

	for run.Cursor < len(def.Steps) {
		step := def.Steps[run.Cursor]
		if !e.runStep(ctx, run, def, step) {
			run.UpdatedAt = e.clk.Now()
			_ = e.persist(ctx, run)
			return
		}

		// A concurrent Cancel/Pause may have landed in the store while
		// this step was in flight; that request wins over continuing,
		// since the local run still thinks it is running.
		fresh, err := e.load(ctx, runID)
		if err == nil && fresh.State != RunRunning {
			run.State = fresh.State
			run.UpdatedAt = e.clk.Now()
			_ = e.persist(ctx, run)
			return
		}

		run.UpdatedAt = e.clk.Now()
		if err := e.persist(ctx, run); err != nil {
			return
		}
	}

	run.State = RunSucceeded
	run.UpdatedAt = e.clk.Now()
	_ = e.persist(ctx, run)
}

// runStep executes one step, advancing run.Cursor and recording a
// StepResult. It returns false if the run reached a terminal state and
// execution should stop.
func (e *Engine) runStep(ctx context.Context, run *Run, def *Definition, step Step) bool {
	i := run.Cursor
	activity := fmt.Sprintf("workflow:%s:step:%d", def.Name, i)

	if step.Condition != "" {
		ok, err := EvalCondition(step.Condition, run.Vars)
		if err != nil {
			run.State = RunFailed
			run.Error = err.Error()
			return false
		}
		if !ok {
			run.StepResults = append(run.StepResults, StepResult{Index: i, Agent: step.TargetAgent, Action: step.Action, Outcome: StepSkipped})
			run.Cursor++
			return true
		}
	}

	expanded, err := ExpandInputs(step.Inputs, run.Vars)
	if err != nil {
		run.State = RunFailed
		run.Error = err.Error()
		return false
	}
	inputs, _ := expanded.(map[string]any)

	maxAttempts := 1
	if step.OnError == OnErrorRetry && step.Retry != nil {
		maxAttempts = step.Retry.MaxAttempts
	}

	var output map[string]any
	var stepErr error
	attempt := 1
	for {
		output, stepErr = e.invokeStep(ctx, run, def, i, activity, step, inputs)
		if stepErr == nil || attempt >= maxAttempts || step.OnError != OnErrorRetry {
			break
		}
		if step.Retry != nil {
			time.Sleep(step.Retry.Delay(attempt))
		}
		attempt++
	}

	if stepErr == nil {
		if run.Vars["step"] == nil {
			run.Vars["step"] = map[string]any{}
		}
		run.Vars["step"].(map[string]any)[strconv.Itoa(i)] = output
		run.StepResults = append(run.StepResults, StepResult{Index: i, Agent: step.TargetAgent, Action: step.Action, Outcome: StepSuccess, Output: output, Attempts: attempt})
		run.Cursor++
		return true
	}

	run.StepResults = append(run.StepResults, StepResult{Index: i, Agent: step.TargetAgent, Action: step.Action, Outcome: StepFailure, Error: stepErr.Error(), Attempts: attempt})
	if step.OnError == OnErrorContinue || step.OnError == OnErrorRetry {
		run.Cursor++
		return true
	}
	run.State = RunFailed
	run.Error = stepErr.Error()
	return false
}

func (e *Engine) invokeStep(ctx context.Context, run *Run, def *Definition, i int, activity string, step Step, inputs map[string]any) (map[string]any, error) {
	stepCtx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	if step.Action == workflowTriggerAction {
		return e.invokeNestedWorkflow(stepCtx, run, inputs)
	}

	var output map[string]any
	trackErr := e.health.Track(stepCtx, step.TargetAgent, activity, nil, func(ctx context.Context) error {
		res, err := e.rtr.DispatchTo(step.TargetAgent, agent.Envelope{
			Ctx:          ctx,
			TaskOrAction: step.Action,
			Inputs:       inputs,
			RunContext:   &agent.RunContext{WorkflowName: def.Name, RunID: run.ID, StepIndex: i},
		})
		if err != nil {
			return err
		}
		output = res.Output
		return nil
	})
	return output, trackErr
}

// invokeNestedWorkflow runs a called workflow synchronously on the
// calling goroutine rather than through the worker queue, so a step
// that calls another workflow never needs a second worker slot (which
// would deadlock a pool sized smaller than the nesting depth).
func (e *Engine) invokeNestedWorkflow(ctx context.Context, run *Run, inputs map[string]any) (map[string]any, error) {
	name, _ := inputs["workflow"].(string)
	if name == "" {
		return nil, kerrors.New(kerrors.KindUsage, "workflow.trigger step requires a workflow name")
	}
	payload, _ := inputs["payload"].(map[string]any)

	if _, ok := e.definition(name); !ok {
		return nil, kerrors.New(kerrors.KindNotFound, "workflow "+name+" is not registered")
	}
	child, err := e.newRun(ctx, name, payload, run.Depth+1, run.ID)
	if err != nil {
		return nil, err
	}
	e.executeRun(ctx, child.ID)
	e.queuedMu.Lock()
	e.queued--
	e.queuedMu.Unlock()
	child, err = e.load(ctx, child.ID)
	if err != nil {
		return nil, err
	}
	if child.State != RunSucceeded {
		return nil, kerrors.New(kerrors.KindAgent, "nested workflow "+name+" run "+child.ID+" ended in state "+string(child.State))
	}
	return map[string]any{"run_id": child.ID, "vars": child.Vars}, nil
}
