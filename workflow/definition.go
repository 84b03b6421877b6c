// Package workflow implements the Workflow Engine (§4.8): declarative
// multi-step definitions, template expansion over accumulated vars, a
// restricted boolean condition grammar, a run state machine, and
// resumable step execution against the agent contract. Grounded in
// three teacher files: workflow/parser.go + workflow/expander.go for
// the parse-then-expand pipeline shape, coordinator/phases.go for the
// run state machine (ValidTransitions map, CanTransitionTo), and
// executor/executor.go for the Result/RetryPolicy/BackoffStrategy
// shapes, generalized from a semantic.SemanticScheduledAction to a
// step targeting an agent.Agent.
package workflow

import (
	"fmt"
	"time"

	"forgehome.dev/core/kerrors"
)

// OnError names what happens when a step's agent invocation fails.
type OnError string

const (
	OnErrorFail     OnError = "fail"
	OnErrorContinue OnError = "continue"
	OnErrorRetry    OnError = "retry"
)

// Backoff is the delay strategy between retry attempts.
type Backoff string

const (
	BackoffConstant    Backoff = "constant"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy configures a step's retry attempts.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
	BaseDelay   time.Duration
}

// Delay returns the sleep duration before retry attempt (1-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff == BackoffExponential {
		d := p.BaseDelay
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	}
	return p.BaseDelay
}

// Step is one entry in a workflow's step list.
type Step struct {
	TargetAgent string
	Action      string
	Inputs      map[string]any
	Condition   string
	OnError     OnError
	Retry       *RetryPolicy
	Timeout     time.Duration
}

// Trigger names what kicks off a workflow run.
type Trigger struct {
	Agent string
	Event string
}

// Definition is a parsed, validated workflow.
type Definition struct {
	Name    string
	Trigger Trigger
	Steps   []Step
}

// workflowTriggerAction is the reserved action name for a step that
// invokes another workflow instead of dispatching to an agent.
const workflowTriggerAction = "workflow.trigger"

// Load validates a raw Definition: every step's condition must parse,
// every Inputs value must template-expand cleanly against an empty
// vars tree (catching malformed `{{ }}` syntax before any run ever
// reaches it), and on_error/retry must be internally consistent.
func Load(def Definition) (*Definition, error) {
	if def.Name == "" {
		return nil, kerrors.New(kerrors.KindUsage, "workflow definition requires a name")
	}
	if len(def.Steps) == 0 {
		return nil, kerrors.New(kerrors.KindUsage, "workflow "+def.Name+" has no steps")
	}
	for i, step := range def.Steps {
		if step.Action != workflowTriggerAction && step.TargetAgent == "" {
			return nil, kerrors.New(kerrors.KindUsage, fmt.Sprintf("workflow %s step %d has no target_agent", def.Name, i))
		}
		if step.Condition != "" {
			if _, err := parseCondition(step.Condition); err != nil {
				return nil, kerrors.Wrap(kerrors.KindUsage, fmt.Sprintf("workflow %s step %d condition", def.Name, i), err)
			}
		}
		if err := validateInputs(step.Inputs); err != nil {
			return nil, kerrors.Wrap(kerrors.KindUsage, fmt.Sprintf("workflow %s step %d inputs", def.Name, i), err)
		}
		switch step.OnError {
		case "", OnErrorFail, OnErrorContinue:
		case OnErrorRetry:
			if step.Retry == nil || step.Retry.MaxAttempts <= 0 {
				return nil, kerrors.New(kerrors.KindUsage, fmt.Sprintf("workflow %s step %d on_error=retry requires a retry policy", def.Name, i))
			}
		default:
			return nil, kerrors.New(kerrors.KindUsage, fmt.Sprintf("workflow %s step %d has unknown on_error %q", def.Name, i, step.OnError))
		}
	}
	cp := def
	cp.Steps = append([]Step(nil), def.Steps...)
	return &cp, nil
}

// validateInputs recursively checks that every template token embedded
// in a string leaf parses; non-string leaves are left untouched since
// template tokens only ever appear inside JSON/Go string values.
func validateInputs(v any) error {
	switch t := v.(type) {
	case string:
		_, err := parseTemplate(t)
		return err
	case map[string]any:
		for _, e := range t {
			if err := validateInputs(e); err != nil {
				return err
			}
		}
	case []any:
		for _, e := range t {
			if err := validateInputs(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// calledWorkflow extracts the statically-known target workflow name
// from a workflow.trigger step, or "" if the target is itself a
// template expression (not statically analyzable for cycle detection).
func calledWorkflow(step Step) string {
	if step.Action != workflowTriggerAction {
		return ""
	}
	name, _ := step.Inputs["workflow"].(string)
	return name
}

// checkCycles walks the static call graph formed by workflow.trigger
// steps across every definition in defs and returns an error if it
// contains a cycle reachable from start.
func checkCycles(defs map[string]*Definition, start string) error {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)
	var walk func(name string, path []string) error
	walk = func(name string, path []string) error {
		if visiting[name] {
			return kerrors.New(kerrors.KindUsage, fmt.Sprintf("workflow call cycle detected: %v -> %s", path, name))
		}
		if visited[name] {
			return nil
		}
		def, ok := defs[name]
		if !ok {
			return nil
		}
		visiting[name] = true
		defer func() { visiting[name] = false }()
		for _, step := range def.Steps {
			if callee := calledWorkflow(step); callee != "" {
				if err := walk(callee, append(path, name)); err != nil {
					return err
				}
			}
		}
		visited[name] = true
		return nil
	}
	return walk(start, nil)
}
