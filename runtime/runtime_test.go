package runtime

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgehome.dev/core/agent"
	"forgehome.dev/core/config"
	"forgehome.dev/core/workflow"
)

func testConfig(t *testing.T) config.RuntimeConfig {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load("RTTEST")
	require.NoError(t, err)
	cfg.Store.BoltPath = filepath.Join(dir, "runtime.db")
	cfg.Webhook.Addr = "127.0.0.1:0"
	return *cfg
}

func TestNew_WiresEveryComponent(t *testing.T) {
	rt, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer rt.Close()

	assert.NotNil(t, rt.Store)
	assert.NotNil(t, rt.Router)
	assert.NotNil(t, rt.Messaging)
	assert.NotNil(t, rt.State)
	assert.NotNil(t, rt.Health)
	assert.NotNil(t, rt.Cache)
	assert.NotNil(t, rt.Workflow)
	assert.NotNil(t, rt.Cron)
	assert.NotNil(t, rt.Webhook)
	assert.NotNil(t, rt.Credentials)
}

func TestRuntime_RegisterAndTriggerWorkflowEndToEnd(t *testing.T) {
	rt, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, rt.Router.Register(agent.Agent{
		Name:    "greeter",
		Enabled: true,
		Handler: func(env agent.Envelope) (agent.Result, error) {
			return agent.Result{Output: map[string]any{"greeting": "hi"}}, nil
		},
	}))
	require.NoError(t, rt.Workflow.Register(workflow.Definition{
		Name:  "greet",
		Steps: []workflow.Step{{TargetAgent: "greeter", Action: "greet"}},
	}))

	runID, err := rt.Workflow.Trigger(context.Background(), "greet", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
}

func TestRuntime_CredentialsDefaultsToEnvLookup(t *testing.T) {
	rt, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer rt.Close()

	t.Setenv("RUNTIME_SECRET_TEST", "value")
	value, err := rt.Credentials.Lookup(context.Background(), "RUNTIME_SECRET_TEST")
	require.NoError(t, err)
	assert.Equal(t, "value", value)
}

func TestRuntime_CloseSucceedsWithoutStart(t *testing.T) {
	rt, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	assert.NoError(t, rt.Close())
}
