// Package agent defines the contract external collaborators plug into
// the runtime with: a name, a set of weighted routing keywords, and a
// handler invoked by the Router (task dispatch) and the Workflow
// Engine (step execution). It is a pure contract package, grounded in
// the shape of executor.Executor/executor.Registry but generalized
// from a single CanHandle predicate to named, weighted keywords.
package agent

import "context"

// Keyword is one routing token with its contribution to an agent's
// score when that token appears in a tokenized task description.
type Keyword struct {
	Token  string
	Weight float64
}

// Envelope is what the core hands to a Handler: the task or action
// string, structured inputs, optional workflow run context, and a
// context.Context carrying cancellation. Handlers must be idempotent
// with respect to Inputs, or tolerate re-invocation after a crash.
type Envelope struct {
	Ctx        context.Context
	TaskOrAction string
	Inputs     map[string]any
	RunContext *RunContext
}

// RunContext identifies the workflow run and step a dispatch was made
// on behalf of, or is nil for direct router dispatch.
type RunContext struct {
	WorkflowName string
	RunID        string
	StepIndex    int
}

// Result is what a Handler returns on success.
type Result struct {
	Output map[string]any
}

// Handler is the function an Agent registers to handle dispatched
// tasks and workflow steps.
type Handler func(envelope Envelope) (Result, error)

// Agent is one registered collaborator.
type Agent struct {
	Name     string
	Keywords []Keyword
	Handler  Handler
	Enabled  bool
}

// Summary is the read-only view returned by list_agents.
type Summary struct {
	Name     string
	Keywords []Keyword
	Enabled  bool
}

func (a Agent) Summary() Summary {
	return Summary{Name: a.Name, Keywords: a.Keywords, Enabled: a.Enabled}
}
