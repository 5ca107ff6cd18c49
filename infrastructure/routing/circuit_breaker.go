package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"multichat/domain/chat"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig tunes the per-model breakers in front of each backend
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled" json:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold" toml:"failure_threshold" json:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests" toml:"max_requests" json:"max_requests"`
}

// DefaultCircuitBreakerConfig opens after 5 consecutive failures and probes again after a minute
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		MaxRequests:      1,
	}
}

// CircuitBreakerBackend wraps a backend with one breaker per model, so a
// failing model does not take its siblings on the same endpoint down with it.
type CircuitBreakerBackend struct {
	backend  chat.BackendClient
	provider string
	config   CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewCircuitBreakerBackend(provider string, backend chat.BackendClient, config CircuitBreakerConfig) *CircuitBreakerBackend {
	return &CircuitBreakerBackend{
		backend:  backend,
		provider: provider,
		config:   config,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// Complete forwards to the wrapped backend unless the model's breaker is open
func (c *CircuitBreakerBackend) Complete(ctx context.Context, req *chat.CompletionRequest) (*chat.Completion, error) {
	if !c.config.Enabled {
		return c.backend.Complete(ctx, req)
	}

	cb := c.breakerFor(req.Model)
	out, err := cb.Execute(func() (any, error) {
		return c.backend.Complete(ctx, req)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		logrus.WithFields(logrus.Fields{
			"provider": c.provider,
			"model":    req.Model,
			"state":    cb.State().String(),
		}).Warn("Backend short-circuited")
		return nil, fmt.Errorf("circuit breaker open for model %s: %w", req.Model, err)
	case err != nil:
		return nil, err
	}
	return out.(*chat.Completion), nil
}

// States snapshots the breakers created so far, keyed by model
func (c *CircuitBreakerBackend) States() map[string]gobreaker.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]gobreaker.State, len(c.breakers))
	for model, cb := range c.breakers {
		out[model] = cb.State()
	}
	return out
}

func (c *CircuitBreakerBackend) breakerFor(model string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[model]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(c.settings(model))
	c.breakers[model] = cb
	logrus.WithFields(logrus.Fields{"provider": c.provider, "model": model}).Debug("Breaker armed")
	return cb
}

func (c *CircuitBreakerBackend) settings(model string) gobreaker.Settings {
	threshold := c.config.FailureThreshold
	return gobreaker.Settings{
		Name:        c.provider + "/" + model,
		MaxRequests: c.config.MaxRequests,
		Timeout:     c.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// a caller giving up is not a backend failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Info("Backend breaker changed state")
		},
	}
}
