// Package registry holds the static table of models the application may call,
// the provider tag each model routes to and its per-token rates.
package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownModel is returned for model identifiers absent from the registry
var ErrUnknownModel = errors.New("unknown model")

// Model describes one registered model. Rates are currency per token.
type Model struct {
	ID             string  `json:"id"`
	Provider       string  `json:"provider"`
	PromptRate     float64 `json:"prompt_rate"`
	CompletionRate float64 `json:"completion_rate"`
}

// PrefixRule assigns a provider tag to models whose id starts with Prefix.
// Rules apply only to models registered without an explicit provider.
type PrefixRule struct {
	Prefix   string `json:"prefix"`
	Provider string `json:"provider"`
}

// Registry is immutable once built
type Registry struct {
	models map[string]Model
	order  []string
}

// New builds a registry, resolving provider tags from rules where needed.
// Rules are tried in order; the first matching prefix wins.
func New(models []Model, rules []PrefixRule) (*Registry, error) {
	r := &Registry{
		models: make(map[string]Model, len(models)),
		order:  make([]string, 0, len(models)),
	}

	for _, m := range models {
		if strings.TrimSpace(m.ID) == "" {
			return nil, fmt.Errorf("model id cannot be empty")
		}
		if _, exists := r.models[m.ID]; exists {
			return nil, fmt.Errorf("model %q registered twice", m.ID)
		}
		if m.PromptRate < 0 || m.CompletionRate < 0 {
			return nil, fmt.Errorf("model %q: rates must be non-negative", m.ID)
		}
		if m.Provider == "" {
			m.Provider = matchRule(m.ID, rules)
		}
		if m.Provider == "" {
			return nil, fmt.Errorf("model %q: no provider configured and no prefix rule matches", m.ID)
		}
		r.models[m.ID] = m
		r.order = append(r.order, m.ID)
	}

	return r, nil
}

func matchRule(id string, rules []PrefixRule) string {
	for _, rule := range rules {
		if rule.Prefix != "" && strings.HasPrefix(id, rule.Prefix) {
			return rule.Provider
		}
	}
	return ""
}

// Resolve returns the registered entry for modelID
func (r *Registry) Resolve(modelID string) (Model, error) {
	m, ok := r.models[modelID]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	return m, nil
}

// Models returns the registered models in registration order
func (r *Registry) Models() []Model {
	out := make([]Model, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

// Providers returns the distinct provider tags in first-seen order
func (r *Registry) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range r.order {
		p := r.models[id].Provider
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
