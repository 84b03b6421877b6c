package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgehome.dev/core/kerrors"
)

// run executes RootCmd with args against an isolated bbolt file under
// a temp dir created on the test's first call, and a unique
// --env-prefix (so parallel tests never share configuration or
// storage, while successive commands within one test see the same
// store), capturing whatever the command wrote to stdout.
func run(t *testing.T, prefix string, args ...string) string {
	t.Helper()
	if os.Getenv(prefix+"_STORE_BOLT_PATH") == "" {
		t.Setenv(prefix+"_STORE_BOLT_PATH", filepath.Join(t.TempDir(), "cli.db"))
	}
	t.Setenv(prefix+"_WEBHOOK_ADDR", "127.0.0.1:0")

	full := append([]string{"--env-prefix", prefix}, args...)
	RootCmd.SetArgs(full)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	origStdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = origStdout }()

	execErr := RootCmd.Execute()
	w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)

	require.NoError(t, execErr)
	return buf.String()
}

func TestAgentsList_EmptyByDefault(t *testing.T) {
	out := run(t, "CLITEST1", "agents", "list")
	var agents []any
	require.NoError(t, json.Unmarshal([]byte(out), &agents))
	assert.Empty(t, agents)
}

func TestMessagesSendAndPeek_RoundTrips(t *testing.T) {
	prefix := "CLITEST2"
	sendOut := run(t, prefix, "messages", "send", "alice", "bob", "hello")
	var sent map[string]string
	require.NoError(t, json.Unmarshal([]byte(sendOut), &sent))
	assert.NotEmpty(t, sent["id"])

	peekOut := run(t, prefix, "messages", "peek", "bob")
	var msgs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(peekOut), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0]["sender"])
}

func TestStateSetAndGet_RoundTrips(t *testing.T) {
	prefix := "CLITEST3"
	run(t, prefix, "state", "set", "greeting", "hi there")
	out := run(t, prefix, "state", "get", "greeting")
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, true, result["found"])
	assert.Equal(t, "hi there", result["value"])
}

func TestStateGet_MissingKeyReportsNotFound(t *testing.T) {
	out := run(t, "CLITEST4", "state", "get", "nonexistent")
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, false, result["found"])
}

func TestCacheStats_StartsEmpty(t *testing.T) {
	out := run(t, "CLITEST5", "cache", "stats")
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, float64(0), stats["EntryCount"])
}

func TestCronAddAndList_RoundTrips(t *testing.T) {
	prefix := "CLITEST6"
	addOut := run(t, prefix, "cron", "add", "@every 1m", "some-workflow", "scheduler")
	var added map[string]string
	require.NoError(t, json.Unmarshal([]byte(addOut), &added))
	assert.NotEmpty(t, added["id"])

	listOut := run(t, prefix, "cron", "list")
	var jobs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(listOut), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "some-workflow", jobs[0]["target_workflow"])
}

func TestWebhooksAddAndList_RoundTrips(t *testing.T) {
	prefix := "CLITEST7"
	require.NotPanics(t, func() {
		run(t, prefix, "webhooks", "add", "intake", "intake-workflow")
	})
	listOut := run(t, prefix, "webhooks", "list")
	var bindings []map[string]any
	require.NoError(t, json.Unmarshal([]byte(listOut), &bindings))
	require.Len(t, bindings, 1)
	assert.Equal(t, "intake", bindings[0]["name"])
}

func TestWorkflowsList_EmptyByDefault(t *testing.T) {
	out := run(t, "CLITEST8", "workflows", "list")
	var runs []any
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	assert.Empty(t, runs)
}

func TestAgentsRoute_NoAgentsIsUsageError(t *testing.T) {
	dir := t.TempDir()
	prefix := "CLITEST9"
	t.Setenv(prefix+"_STORE_BOLT_PATH", filepath.Join(dir, "cli.db"))
	t.Setenv(prefix+"_WEBHOOK_ADDR", "127.0.0.1:0")
	RootCmd.SetArgs([]string{"--env-prefix", prefix, "agents", "route", "do", "something"})
	err := RootCmd.Execute()
	require.Error(t, err)
	assert.Equal(t, kerrors.KindUsage, kerrors.KindOf(err))
}
