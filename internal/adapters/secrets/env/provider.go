// Package env resolves credentials from the host process environment.
// A credential id "nexus-token" maps to the environment variable
// STAGEHAND_SECRET_NEXUS_TOKEN.
package env

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/stagehand-ci/stagehand/internal/core/ports"
)

// Provider reads secret values from environment variables. It is the
// default store for single-machine deployments where secrets are
// injected by the host (systemd credentials, CI runner env, etc.).
type Provider struct{}

// New creates an environment-backed secret store.
func New() *Provider {
	return &Provider{}
}

// Resolve implements ports.SecretStore.
func (p *Provider) Resolve(ctx context.Context, id string) (string, error) {
	key := ports.SecretEnvPrefix + sanitize(id)
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret %q not found (environment variable %s unset)", id, key)
	}
	return value, nil
}

// sanitize maps a credential id to an environment variable suffix.
func sanitize(id string) string {
	up := strings.ToUpper(id)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, up)
}

var _ ports.SecretStore = (*Provider)(nil)
