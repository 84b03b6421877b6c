// Package router implements the keyword-scored routing rule (§4.3):
// tokenize a task description, score every registered agent by the
// weight of its keywords that appear in the tokens, and dispatch to
// the agent's handler. Grounded in executor.Registry's linear-scan
// dispatch, generalized from first-match-wins to max-score-wins with
// tie-break by declared registration order.
package router

import (
	"regexp"
	"strings"
	"sync"

	"forgehome.dev/core/agent"
	"forgehome.dev/core/kerrors"
)

var tokenSplit = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Tokenize lowercases T and splits it on runs of non-alphanumeric
// characters, dropping empty tokens.
func Tokenize(task string) []string {
	parts := tokenSplit.Split(strings.ToLower(task), -1)
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

// Router holds the registered agents and the configured default.
type Router struct {
	mu      sync.RWMutex
	order   []string
	agents  map[string]*agent.Agent
	fallback string
}

// New creates an empty Router. fallback names the agent used when
// every registered agent scores zero on a task; it need not be
// registered yet at construction time.
func New(fallback string) *Router {
	return &Router{agents: make(map[string]*agent.Agent), fallback: fallback}
}

// Register adds or replaces an agent. Registration order is preserved
// for the first registration of a name; re-registering an existing
// name keeps its original order position (tie-break stability).
func (r *Router) Register(a agent.Agent) error {
	if a.Name == "" {
		return kerrors.New(kerrors.KindUsage, "agent name must not be empty")
	}
	if a.Handler == nil {
		return kerrors.New(kerrors.KindUsage, "agent "+a.Name+" has no handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Name]; !exists {
		r.order = append(r.order, a.Name)
	}
	cp := a
	r.agents[a.Name] = &cp
	return nil
}

// Deregister removes an agent by name.
func (r *Router) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// ListAgents returns every registered agent's summary in declared
// registration order.
func (r *Router) ListAgents() []agent.Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.Summary, 0, len(r.order))
	for _, name := range r.order {
		if a, ok := r.agents[name]; ok {
			out = append(out, a.Summary())
		}
	}
	return out
}

// DryRunResult is the output of DryRun: which agent a task would
// route to, its winning score, and the tokens scoring was computed
// over.
type DryRunResult struct {
	Agent  string
	Score  float64
	Tokens []string
}

// score computes an agent's score for the given token set.
func score(a *agent.Agent, tokenSet map[string]struct{}) float64 {
	var total float64
	for _, kw := range a.Keywords {
		if _, ok := tokenSet[strings.ToLower(kw.Token)]; ok {
			total += kw.Weight
		}
	}
	return total
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// route is the pure scoring rule shared by Route and DryRun: same
// registry + same task always yields the same agent.
func (r *Router) route(task string) (string, float64, []string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tokens := Tokenize(task)
	set := tokenSet(tokens)

	best := ""
	bestScore := 0.0
	for _, name := range r.order {
		a, ok := r.agents[name]
		if !ok || !a.Enabled {
			continue
		}
		s := score(a, set)
		if best == "" || s > bestScore {
			best = name
			bestScore = s
		}
	}

	if bestScore == 0 {
		if r.fallback == "" {
			return "", 0, tokens, kerrors.New(kerrors.KindUsage, "no agent scored and no default agent configured")
		}
		if _, ok := r.agents[r.fallback]; !ok {
			return "", 0, tokens, kerrors.New(kerrors.KindNotFound, "default agent "+r.fallback+" is not registered")
		}
		return r.fallback, 0, tokens, nil
	}
	return best, bestScore, tokens, nil
}

// Route resolves the agent name a task would dispatch to.
func (r *Router) Route(task string) (string, error) {
	name, _, _, err := r.route(task)
	return name, err
}

// DryRun reports the routing decision without dispatching.
func (r *Router) DryRun(task string) (DryRunResult, error) {
	name, s, tokens, err := r.route(task)
	if err != nil {
		return DryRunResult{}, err
	}
	return DryRunResult{Agent: name, Score: s, Tokens: tokens}, nil
}

// Dispatch routes task to an agent and synchronously invokes its
// handler, passing caller-supplied inputs and run context straight
// through. Dispatch blocks until the handler returns; backgrounding a
// task is the caller's responsibility via the workflow engine.
func (r *Router) Dispatch(envelope agent.Envelope) (agent.Result, error) {
	name, err := r.Route(envelope.TaskOrAction)
	if err != nil {
		return agent.Result{}, err
	}
	r.mu.RLock()
	a, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return agent.Result{}, kerrors.New(kerrors.KindNotFound, "agent "+name+" is not registered")
	}
	res, err := a.Handler(envelope)
	if err != nil {
		return res, kerrors.Wrap(kerrors.KindAgent, "agent "+name+" handler failed", err)
	}
	return res, nil
}

// DispatchTo invokes the named agent's handler directly, bypassing
// scoring. Used by the workflow engine, whose steps name a target
// agent explicitly rather than routing by keyword.
func (r *Router) DispatchTo(agentName string, envelope agent.Envelope) (agent.Result, error) {
	r.mu.RLock()
	a, ok := r.agents[agentName]
	r.mu.RUnlock()
	if !ok {
		return agent.Result{}, kerrors.New(kerrors.KindNotFound, "agent "+agentName+" is not registered")
	}
	if !a.Enabled {
		return agent.Result{}, kerrors.New(kerrors.KindUsage, "agent "+agentName+" is disabled")
	}
	res, err := a.Handler(envelope)
	if err != nil {
		return res, kerrors.Wrap(kerrors.KindAgent, "agent "+agentName+" handler failed", err)
	}
	return res, nil
}
