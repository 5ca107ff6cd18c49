package routing

import (
	"fmt"

	"multichat/domain/chat"
	"multichat/infrastructure/anthropic"
	"multichat/infrastructure/openai"

	"github.com/sirupsen/logrus"
)

// Backend kinds understood by the factory
const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
)

// ProviderSpec describes one backend endpoint. Name is the provider tag
// models refer to; Type selects the wire protocol.
type ProviderSpec struct {
	Name    string
	Type    string
	APIKey  string
	BaseURL string
	Headers map[string]string
}

// NewBackend builds the raw client for one provider spec
func NewBackend(spec ProviderSpec) (chat.BackendClient, error) {
	switch spec.Type {
	case TypeOpenAI:
		opts := make([]openai.Option, 0, len(spec.Headers))
		for k, v := range spec.Headers {
			opts = append(opts, openai.WithHeader(k, v))
		}
		return openai.NewBackend(spec.APIKey, spec.BaseURL, opts...), nil
	case TypeAnthropic:
		return anthropic.NewBackend(spec.APIKey, spec.BaseURL, nil), nil
	default:
		return nil, fmt.Errorf("provider %q: unsupported type %q", spec.Name, spec.Type)
	}
}

// BuildRouter creates a backend per provider, wraps each in a circuit
// breaker and registers it under its provider tag.
func BuildRouter(models ModelResolver, specs []ProviderSpec, cb CircuitBreakerConfig) (*Router, error) {
	router := NewRouter(models)

	for _, spec := range specs {
		backend, err := NewBackend(spec)
		if err != nil {
			return nil, err
		}
		router.Register(spec.Name, NewCircuitBreakerBackend(spec.Name, backend, cb))

		logrus.WithFields(logrus.Fields{
			"provider":        spec.Name,
			"type":            spec.Type,
			"base_url":        spec.BaseURL,
			"circuit_breaker": cb.Enabled,
		}).Info("Registered backend")
	}

	return router, nil
}
