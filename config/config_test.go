package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvConfig_DefaultsWhenUnset(t *testing.T) {
	env := NewEnvConfig("NOPE_TEST_PREFIX")
	assert.Equal(t, "fallback", env.GetString("MISSING", "fallback"))
	assert.Equal(t, 7, env.GetInt("MISSING", 7))
	assert.Equal(t, time.Minute, env.GetDuration("MISSING", time.Minute))
	assert.Equal(t, []string{"a", "b"}, env.GetStringSlice("MISSING", []string{"a", "b"}))
}

func TestEnvConfig_ReadsSetValues(t *testing.T) {
	t.Setenv("CFGTEST_NAME", "widget")
	t.Setenv("CFGTEST_COUNT", "42")
	t.Setenv("CFGTEST_ENABLED", "true")
	t.Setenv("CFGTEST_TIMEOUT", "30s")
	t.Setenv("CFGTEST_TAGS", "a, b ,c")

	env := NewEnvConfig("CFGTEST")
	assert.Equal(t, "widget", env.GetString("NAME", ""))
	assert.Equal(t, 42, env.GetInt("COUNT", 0))
	assert.True(t, env.GetBool("ENABLED", false))
	assert.Equal(t, 30*time.Second, env.GetDuration("TIMEOUT", 0))
	assert.Equal(t, []string{"a", "b", "c"}, env.GetStringSlice("TAGS", nil))
}

func TestLoadStoreConfig_DefaultsToBolt(t *testing.T) {
	cfg := LoadStoreConfig("CFGTEST_STORE")
	assert.Equal(t, "bbolt", cfg.Backend)
	assert.Equal(t, "core.db", cfg.BoltPath)
}

func TestLoadStoreConfig_RedisBackendFromEnv(t *testing.T) {
	t.Setenv("CFGTEST_STORE_BACKEND", "redis")
	t.Setenv("CFGTEST_STORE_REDIS_URL", "redis://redis.internal:6380/1")
	cfg := LoadStoreConfig("CFGTEST_STORE")
	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, "redis://redis.internal:6380/1", cfg.RedisURL)
}

func TestLoad_ValidatesAndReturnsAggregateConfig(t *testing.T) {
	cfg, err := Load("CFGTEST2")
	require.NoError(t, err)
	assert.Equal(t, "bbolt", cfg.Store.Backend)
	assert.Equal(t, "env", cfg.Credentials.Backend)
	assert.Equal(t, "development", cfg.Service.Environment)
	assert.Equal(t, "/hooks", cfg.Webhook.PathPrefix)
}

func TestLoad_RejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("CFGTEST3_ENVIRONMENT", "not-a-real-environment")
	_, err := Load("CFGTEST3")
	require.Error(t, err)
}

func TestLoad_RejectsInvalidStoreBackend(t *testing.T) {
	t.Setenv("CFGTEST4_STORE_BACKEND", "postgres")
	_, err := Load("CFGTEST4")
	require.Error(t, err)
}

func TestValidator_CollectsMultipleErrors(t *testing.T) {
	v := NewValidator()
	v.RequireString("Name", "")
	v.RequirePositiveInt("Count", -1)
	v.RequireOneOf("Mode", "bogus", []string{"a", "b"})
	assert.False(t, v.IsValid())
	assert.Len(t, v.Errors(), 3)
	require.Error(t, v.Validate())
}

func TestValidator_ValidWhenNoErrors(t *testing.T) {
	v := NewValidator()
	v.RequireString("Name", "set")
	v.RequireOneOf("Mode", "a", []string{"a", "b"})
	assert.True(t, v.IsValid())
	require.NoError(t, v.Validate())
}
