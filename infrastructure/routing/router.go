// Package routing dispatches model identifiers to backend clients through
// the provider tag recorded in the model registry.
package routing

import (
	"fmt"
	"sort"
	"sync"

	"multichat/domain/chat"
	"multichat/domain/registry"
)

// ModelResolver is the part of the registry the router depends on
type ModelResolver interface {
	Resolve(modelID string) (registry.Model, error)
}

// Router implements chat.Router as a provider tag → client table
type Router struct {
	models  ModelResolver
	mu      sync.RWMutex
	clients map[string]chat.BackendClient
}

func NewRouter(models ModelResolver) *Router {
	return &Router{
		models:  models,
		clients: make(map[string]chat.BackendClient),
	}
}

// Register binds a provider tag to a client, replacing any previous binding
func (r *Router) Register(provider string, client chat.BackendClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[provider] = client
}

// Route returns the client for modelID without touching the network
func (r *Router) Route(modelID string) (chat.BackendClient, error) {
	m, err := r.models.Resolve(modelID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	client, ok := r.clients[m.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no backend registered for provider %q of model %q", registry.ErrUnknownModel, m.Provider, modelID)
	}
	return client, nil
}

// Providers lists the registered provider tags, sorted
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
