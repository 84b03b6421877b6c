// Package config provides environment-variable configuration loading
// and validation for the runtime, grounded in the teacher's own
// EnvConfig/Validator/ConfigLoader machinery (kept close to verbatim,
// since it is itself ambient plumbing rather than domain logic) and
// retargeted from service/database/registry settings onto the
// runtime's own knobs: which Store backend to use, the workflow
// worker pool, health windows, message retention, the webhook
// surface, and the default credential backend.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig provides utilities for loading configuration from environment variables
type EnvConfig struct {
	prefix string // Optional prefix for all environment variables
}

// NewEnvConfig creates a new environment configuration loader
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{
		prefix: prefix,
	}
}

// GetString retrieves a string value from environment with optional default
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		return value
	}
	return defaultValue
}

// MustGetString retrieves a required string value from environment or panics
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return value
}

// GetInt retrieves an integer value from environment with optional default
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetInt64 retrieves an int64 value from environment with optional default
func (ec *EnvConfig) GetInt64(key string, defaultValue int64) int64 {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetFloat retrieves a float64 value from environment with optional default
func (ec *EnvConfig) GetFloat(key string, defaultValue float64) float64 {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value from environment with optional default
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated string slice from environment
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

// buildKey builds the full environment variable key with optional prefix
func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// ServiceConfig carries the runtime's own identity, independent of any
// subsystem.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
	LogFormat   string
}

// LoadServiceConfig loads service identity configuration from environment
func LoadServiceConfig(prefix string) ServiceConfig {
	env := NewEnvConfig(prefix)
	return ServiceConfig{
		Name:        env.GetString("NAME", "forgehome-core"),
		Version:     env.GetString("VERSION", "0.0.1"),
		Environment: env.GetString("ENVIRONMENT", "development"),
		LogLevel:    env.GetString("LOG_LEVEL", "info"),
		LogFormat:   env.GetString("LOG_FORMAT", "text"),
	}
}

// StoreConfig selects and configures the Persistent Store backend
// (spec.md §4.2): either the embedded bbolt file or a Redis endpoint
// for multi-process deployments.
type StoreConfig struct {
	Backend        string // "bbolt" (default) or "redis"
	BoltPath       string
	RedisURL       string // e.g. redis://localhost:6379/0
	RedisKeyPrefix string
}

// LoadStoreConfig loads store backend configuration from environment
func LoadStoreConfig(prefix string) StoreConfig {
	env := NewEnvConfig(prefix)
	return StoreConfig{
		Backend:        env.GetString("BACKEND", "bbolt"),
		BoltPath:       env.GetString("BOLT_PATH", "core.db"),
		RedisURL:       env.GetString("REDIS_URL", "redis://127.0.0.1:6379/0"),
		RedisKeyPrefix: env.GetString("REDIS_KEY_PREFIX", "coreruntime:"),
	}
}

// WorkflowConfig configures the Workflow Engine's worker pool and run
// queue (spec.md §4.8/§5).
type WorkflowConfig struct {
	Workers           int
	MaxQueueDepth     int
	MaxRecursionDepth int
}

// LoadWorkflowConfig loads workflow engine configuration from environment.
// A zero Workers/MaxQueueDepth/MaxRecursionDepth tells workflow.New to
// apply its own defaults (min(8, NumCPU), 1024, 8).
func LoadWorkflowConfig(prefix string) WorkflowConfig {
	env := NewEnvConfig(prefix)
	return WorkflowConfig{
		Workers:           env.GetInt("WORKERS", 0),
		MaxQueueDepth:     env.GetInt("MAX_QUEUE_DEPTH", 0),
		MaxRecursionDepth: env.GetInt("MAX_RECURSION_DEPTH", 0),
	}
}

// HealthConfig configures the Health Monitor's rolling window and
// alert debounce (spec.md §4.6).
type HealthConfig struct {
	Window         time.Duration
	AlertDebounce  time.Duration
	AlertRecipient string
}

// LoadHealthConfig loads health monitor configuration from environment
func LoadHealthConfig(prefix string) HealthConfig {
	env := NewEnvConfig(prefix)
	return HealthConfig{
		Window:         env.GetDuration("WINDOW", 24*time.Hour),
		AlertDebounce:  env.GetDuration("ALERT_DEBOUNCE", 5*time.Minute),
		AlertRecipient: env.GetString("ALERT_RECIPIENT", "system"),
	}
}

// MessagingConfig configures the Messaging Bus's retention sweeper
// (spec.md §4.4).
type MessagingConfig struct {
	RetentionWindow time.Duration
	SweepInterval   time.Duration
}

// LoadMessagingConfig loads messaging bus configuration from environment
func LoadMessagingConfig(prefix string) MessagingConfig {
	env := NewEnvConfig(prefix)
	return MessagingConfig{
		RetentionWindow: env.GetDuration("RETENTION_WINDOW", 7*24*time.Hour),
		SweepInterval:   env.GetDuration("SWEEP_INTERVAL", time.Hour),
	}
}

// WebhookConfig configures the loopback webhook surface (spec.md
// §4.9/§6.3).
type WebhookConfig struct {
	Addr         string
	PathPrefix   string
	RateLimit    float64
	MaxBodyBytes int64
}

// LoadWebhookConfig loads webhook surface configuration from environment
func LoadWebhookConfig(prefix string) WebhookConfig {
	env := NewEnvConfig(prefix)
	return WebhookConfig{
		Addr:         env.GetString("ADDR", "127.0.0.1:8088"),
		PathPrefix:   env.GetString("PATH_PREFIX", "/hooks"),
		RateLimit:    env.GetFloat("RATE_LIMIT", 20),
		MaxBodyBytes: env.GetInt64("MAX_BODY_BYTES", 1<<20),
	}
}

// CredentialsConfig selects and configures the default credential
// Lookup (spec.md §4.11).
type CredentialsConfig struct {
	Backend               string // "env" (default) or "infisical"
	EnvPrefix             string
	InfisicalHost         string
	InfisicalClientID     string
	InfisicalClientSecret string
	InfisicalProjectID    string
	InfisicalEnvironment  string
}

// LoadCredentialsConfig loads credential backend configuration from environment
func LoadCredentialsConfig(prefix string) CredentialsConfig {
	env := NewEnvConfig(prefix)
	return CredentialsConfig{
		Backend:               env.GetString("BACKEND", "env"),
		EnvPrefix:             env.GetString("ENV_PREFIX", ""),
		InfisicalHost:         env.GetString("INFISICAL_HOST", "app.infisical.com"),
		InfisicalClientID:     env.GetString("INFISICAL_CLIENT_ID", ""),
		InfisicalClientSecret: env.GetString("INFISICAL_CLIENT_SECRET", ""),
		InfisicalProjectID:    env.GetString("INFISICAL_PROJECT_ID", ""),
		InfisicalEnvironment:  env.GetString("INFISICAL_ENVIRONMENT", "dev"),
	}
}

// Validator provides configuration validation utilities
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{
		errors: make([]string, 0),
	}
}

// RequireString validates that a string field is not empty
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequirePositiveInt validates that an integer field is positive
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireOneOf validates that a value is one of the allowed options
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// IsValid returns true if there are no validation errors
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []string {
	return v.errors
}

// ErrorString returns all validation errors as a single string
func (v *Validator) ErrorString() string {
	if len(v.errors) == 0 {
		return ""
	}
	return strings.Join(v.errors, "; ")
}

// Validate runs validation and returns error if invalid
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", v.ErrorString())
	}
	return nil
}

// RuntimeConfig aggregates every subsystem's configuration, loaded
// together by Load.
type RuntimeConfig struct {
	Service     ServiceConfig
	Store       StoreConfig
	Workflow    WorkflowConfig
	Health      HealthConfig
	Messaging   MessagingConfig
	Webhook     WebhookConfig
	Credentials CredentialsConfig
}

// Load reads every subsystem's configuration from environment
// variables under prefix and validates the result.
func Load(prefix string) (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{
		Service:     LoadServiceConfig(prefix),
		Store:       LoadStoreConfig(prefix + "_STORE"),
		Workflow:    LoadWorkflowConfig(prefix + "_WORKFLOW"),
		Health:      LoadHealthConfig(prefix + "_HEALTH"),
		Messaging:   LoadMessagingConfig(prefix + "_MESSAGING"),
		Webhook:     LoadWebhookConfig(prefix + "_WEBHOOK"),
		Credentials: LoadCredentialsConfig(prefix + "_CREDENTIALS"),
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *RuntimeConfig) error {
	v := NewValidator()
	v.RequireOneOf("Service.Environment", cfg.Service.Environment,
		[]string{"development", "staging", "production"})
	v.RequireOneOf("Service.LogLevel", cfg.Service.LogLevel,
		[]string{"debug", "info", "warn", "error"})
	v.RequireOneOf("Store.Backend", cfg.Store.Backend, []string{"bbolt", "redis"})
	v.RequireOneOf("Credentials.Backend", cfg.Credentials.Backend, []string{"env", "infisical"})
	if cfg.Store.Backend == "bbolt" {
		v.RequireString("Store.BoltPath", cfg.Store.BoltPath)
	}
	if cfg.Store.Backend == "redis" {
		v.RequireString("Store.RedisURL", cfg.Store.RedisURL)
	}
	v.RequirePositiveInt("Webhook.MaxBodyBytes", int(cfg.Webhook.MaxBodyBytes))
	return v.Validate()
}
