package workflow

// RunState is the current phase of a workflow run (§4.8's run state
// machine), directly generalized from coordinator.Phase's
// ValidTransitions/CanTransitionTo idiom down to the spec's six states.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// ValidTransitions enumerates every run-state edge the engine allows.
var ValidTransitions = map[RunState][]RunState{
	RunPending: {RunRunning, RunCancelled},
	RunRunning: {RunPaused, RunSucceeded, RunFailed, RunCancelled},
	RunPaused:  {RunRunning, RunCancelled},
}

// IsTerminal reports whether s has no outgoing transitions.
func (s RunState) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// CanTransitionTo reports whether s -> target is an allowed edge.
func (s RunState) CanTransitionTo(target RunState) bool {
	for _, t := range ValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}
