package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RejectsMissingName(t *testing.T) {
	_, err := Load(Definition{Steps: []Step{{TargetAgent: "a", Action: "do"}}})
	require.Error(t, err)
}

func TestLoad_RejectsNoSteps(t *testing.T) {
	_, err := Load(Definition{Name: "wf"})
	require.Error(t, err)
}

func TestLoad_RejectsMissingTargetAgent(t *testing.T) {
	_, err := Load(Definition{Name: "wf", Steps: []Step{{Action: "do"}}})
	require.Error(t, err)
}

func TestLoad_RejectsUnparseableCondition(t *testing.T) {
	_, err := Load(Definition{Name: "wf", Steps: []Step{{TargetAgent: "a", Action: "do", Condition: "vars.a ===> vars.b"}}})
	require.Error(t, err)
}

func TestLoad_RejectsMalformedTemplateInInputs(t *testing.T) {
	_, err := Load(Definition{Name: "wf", Steps: []Step{{
		TargetAgent: "a", Action: "do",
		Inputs: map[string]any{"x": "{{ env.HOME }}"},
	}}})
	require.Error(t, err)
}

func TestLoad_RejectsRetryOnErrorWithoutPolicy(t *testing.T) {
	_, err := Load(Definition{Name: "wf", Steps: []Step{{TargetAgent: "a", Action: "do", OnError: OnErrorRetry}}})
	require.Error(t, err)
}

func TestLoad_AcceptsWellFormedDefinition(t *testing.T) {
	def, err := Load(Definition{
		Name:    "wf",
		Trigger: Trigger{Agent: "intake", Event: "new_ticket"},
		Steps: []Step{
			{TargetAgent: "a", Action: "do", Inputs: map[string]any{"x": "{{ vars.trigger.name }}"}},
			{TargetAgent: "b", Action: "do2", Condition: `vars.step.0.ok == true`},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "wf", def.Name)
	assert.Len(t, def.Steps, 2)
}

func TestLoad_AllowsWorkflowTriggerStepWithoutTargetAgent(t *testing.T) {
	_, err := Load(Definition{
		Name: "caller",
		Steps: []Step{
			{Action: workflowTriggerAction, Inputs: map[string]any{"workflow": "callee"}},
		},
	})
	require.NoError(t, err)
}

func TestCheckCycles_DetectsDirectCycle(t *testing.T) {
	a, err := Load(Definition{Name: "a", Steps: []Step{{Action: workflowTriggerAction, Inputs: map[string]any{"workflow": "b"}}}})
	require.NoError(t, err)
	b, err := Load(Definition{Name: "b", Steps: []Step{{Action: workflowTriggerAction, Inputs: map[string]any{"workflow": "a"}}}})
	require.NoError(t, err)

	defs := map[string]*Definition{"a": a, "b": b}
	err = checkCycles(defs, "a")
	require.Error(t, err)
}

func TestCheckCycles_AllowsAcyclicChain(t *testing.T) {
	a, err := Load(Definition{Name: "a", Steps: []Step{{Action: workflowTriggerAction, Inputs: map[string]any{"workflow": "b"}}}})
	require.NoError(t, err)
	b, err := Load(Definition{Name: "b", Steps: []Step{{TargetAgent: "x", Action: "do"}}})
	require.NoError(t, err)

	defs := map[string]*Definition{"a": a, "b": b}
	require.NoError(t, checkCycles(defs, "a"))
}
