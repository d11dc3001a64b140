// Package memory provides an in-memory secret store for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/stagehand-ci/stagehand/internal/core/ports"
)

// Provider is a thread-safe in-memory secret store with no persistence.
type Provider struct {
	mu    sync.RWMutex
	store map[string]string
}

// New creates an empty memory provider.
func New() *Provider {
	return &Provider{store: make(map[string]string)}
}

// Set stores a secret value under an id.
func (p *Provider) Set(id, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store[id] = value
}

// Resolve implements ports.SecretStore.
func (p *Provider) Resolve(ctx context.Context, id string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	value, ok := p.store[id]
	if !ok {
		return "", fmt.Errorf("secret %q not found", id)
	}
	return value, nil
}

var _ ports.SecretStore = (*Provider)(nil)
