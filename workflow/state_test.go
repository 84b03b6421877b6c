package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunState_ValidTransitions(t *testing.T) {
	assert.True(t, RunPending.CanTransitionTo(RunRunning))
	assert.True(t, RunPending.CanTransitionTo(RunCancelled))
	assert.True(t, RunRunning.CanTransitionTo(RunPaused))
	assert.True(t, RunRunning.CanTransitionTo(RunSucceeded))
	assert.True(t, RunRunning.CanTransitionTo(RunFailed))
	assert.True(t, RunRunning.CanTransitionTo(RunCancelled))
	assert.True(t, RunPaused.CanTransitionTo(RunRunning))
	assert.True(t, RunPaused.CanTransitionTo(RunCancelled))
}

func TestRunState_InvalidTransitions(t *testing.T) {
	assert.False(t, RunPending.CanTransitionTo(RunSucceeded))
	assert.False(t, RunSucceeded.CanTransitionTo(RunRunning))
	assert.False(t, RunFailed.CanTransitionTo(RunRunning))
	assert.False(t, RunCancelled.CanTransitionTo(RunRunning))
}

func TestRunState_TerminalStates(t *testing.T) {
	assert.True(t, RunSucceeded.IsTerminal())
	assert.True(t, RunFailed.IsTerminal())
	assert.True(t, RunCancelled.IsTerminal())
	assert.False(t, RunPending.IsTerminal())
	assert.False(t, RunRunning.IsTerminal())
	assert.False(t, RunPaused.IsTerminal())
}
