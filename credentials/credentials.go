// Package credentials provides the small lookup interface the runtime
// consumes wherever a component needs an external secret (spec.md §1
// Non-goals: "does not own secret storage; it consumes a credential
// lookup"). Two implementations are provided: Env (the default, backed
// by os.Getenv exactly as config.EnvConfig reads its own settings) and
// Infisical (grounded in security/infisical.go's InfisicalSecrets,
// wrapped behind the interface instead of printing to a writer).
package credentials

import (
	"context"
	"strings"

	infisical "github.com/infisical/go-sdk"

	"forgehome.dev/core/common"
	"forgehome.dev/core/kerrors"
)

// Lookup resolves a named secret to its value. Implementations do not
// cache; callers that need caching use the runtime's own cache package.
type Lookup interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// Env resolves secrets from process environment variables, optionally
// under a prefix, matching config.EnvConfig's buildKey convention.
type Env struct {
	Prefix string
}

// NewEnv constructs an Env lookup with the given prefix ("" for none).
func NewEnv(prefix string) *Env {
	return &Env{Prefix: prefix}
}

func (e *Env) key(name string) string {
	if e.Prefix == "" {
		return name
	}
	return e.Prefix + "_" + name
}

// Lookup returns the named environment variable's value, or a
// not_found error if it is unset or empty.
func (e *Env) Lookup(_ context.Context, name string) (string, error) {
	key := e.key(name)
	value := common.GetEnv(key, "")
	if value == "" {
		return "", kerrors.New(kerrors.KindNotFound, "environment variable "+key+" not set")
	}
	return value, nil
}

// InfisicalConfig configures the Infisical-backed Lookup.
type InfisicalConfig struct {
	Host         string // e.g. "app.infisical.com"
	ClientID     string
	ClientSecret string
	ProjectID    string
	Environment  string // e.g. "dev", "prod"
}

// Infisical resolves secrets from an Infisical project/environment via
// the universal-auth client, caching the authenticated client (not the
// secrets) across lookups within its lifetime.
type Infisical struct {
	cfg    InfisicalConfig
	client infisical.InfisicalClientInterface
}

// NewInfisical authenticates against Infisical and returns a ready
// Lookup.
func NewInfisical(ctx context.Context, cfg InfisicalConfig) (*Infisical, error) {
	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          "https://" + cfg.Host,
		AutoTokenRefresh: false,
	})
	if _, err := client.Auth().UniversalAuthLogin(cfg.ClientID, cfg.ClientSecret); err != nil {
		return nil, kerrors.Wrap(kerrors.KindAgent, "infisical authentication failed", err)
	}
	return &Infisical{cfg: cfg, client: client}, nil
}

// Lookup fetches the named secret from the configured project and
// environment. Infisical keys are conventionally upper-cased; name is
// matched against secret keys case-insensitively.
func (i *Infisical) Lookup(_ context.Context, name string) (string, error) {
	secrets, err := i.client.Secrets().List(infisical.ListSecretsOptions{
		AttachToProcessEnv: false,
		Environment:        i.cfg.Environment,
		ProjectID:          i.cfg.ProjectID,
		SecretPath:         "/",
		IncludeImports:     true,
	})
	if err != nil {
		return "", kerrors.Wrap(kerrors.KindAgent, "infisical secret list failed", err)
	}
	for _, s := range secrets {
		if strings.EqualFold(s.SecretKey, name) {
			return s.SecretValue, nil
		}
	}
	return "", kerrors.New(kerrors.KindNotFound, "secret "+name+" not found in infisical project "+i.cfg.ProjectID)
}
