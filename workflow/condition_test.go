package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalCondition_Equality(t *testing.T) {
	vars := map[string]any{"trigger": map[string]any{"status": "ok"}}
	ok, err := EvalCondition(`vars.trigger.status == "ok"`, vars)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalCondition_AndOr(t *testing.T) {
	vars := map[string]any{"trigger": map[string]any{"a": true, "b": false}}
	ok, err := EvalCondition("vars.trigger.a && !vars.trigger.b", vars)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvalCondition("vars.trigger.a || vars.trigger.b", vars)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalCondition_NumericOrdering(t *testing.T) {
	vars := map[string]any{"trigger": map[string]any{"count": 5.0}}
	ok, err := EvalCondition("vars.trigger.count > 3 && vars.trigger.count <= 5", vars)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalCondition_Parentheses(t *testing.T) {
	vars := map[string]any{"trigger": map[string]any{"a": false, "b": true, "c": true}}
	ok, err := EvalCondition("(vars.trigger.a || vars.trigger.b) && vars.trigger.c", vars)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalCondition_UnparseableIsError(t *testing.T) {
	_, err := EvalCondition("vars.a ===> vars.b", map[string]any{})
	require.Error(t, err)
}

func TestEvalCondition_MissingPathIsNilNotError(t *testing.T) {
	ok, err := EvalCondition("vars.missing == null", map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalCondition_NoFunctionCallsOrLoops(t *testing.T) {
	_, err := parseCondition(`len(vars.trigger.items) > 0`)
	require.Error(t, err)
}
