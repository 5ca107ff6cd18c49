package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"multichat/domain/billing"
	"multichat/domain/chat"
	"multichat/domain/conversation"
	"multichat/domain/persistence"
	"multichat/domain/registry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// State is the lifecycle of the latest exchange on a conversation
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingResponse State = "awaiting_response"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

const (
	DefaultRequestTimeout = 60 * time.Second
	maxTemperature        = 2.0
)

// ModelCatalog is the registry view the service needs
type ModelCatalog interface {
	Resolve(modelID string) (registry.Model, error)
	Models() []registry.Model
}

// Options tunes exchanges
type Options struct {
	RequestTimeout time.Duration
	MaxTokens      int
}

// Service orchestrates chat use cases over one conversation store. All
// store access is serialized by mu; backend calls run without it.
type Service struct {
	mu       sync.Mutex
	store    *conversation.Store
	states   map[uuid.UUID]State
	inFlight map[uuid.UUID]bool

	models     ModelCatalog
	router     chat.Router
	accountant *billing.Accountant
	tracker    persistence.ExchangeTracker
	tracer     trace.Tracer
	opts       Options
}

// ExchangeResult is returned by a successful Submit
type ExchangeResult struct {
	ExchangeID   uuid.UUID  `json:"exchange_id"`
	Conversation string     `json:"conversation"`
	Text         string     `json:"text"`
	Model        string     `json:"model"`
	Usage        chat.Usage `json:"usage"`
	Cost         float64    `json:"cost"`
	TotalCost    float64    `json:"total_cost"`
	LatencyMs    int64      `json:"latency_ms"`
}

// ConversationList is the sidebar view of the store
type ConversationList struct {
	Names  []string `json:"names"`
	Active string   `json:"active"`
}

// View is everything needed to render the active conversation
type View struct {
	ID               uuid.UUID                `json:"id"`
	Name             string                   `json:"name"`
	State            State                    `json:"state"`
	Turns            []conversation.Turn      `json:"turns"`
	TotalCost        float64                  `json:"total_cost"`
	TotalCostDisplay string                   `json:"total_cost_display"`
	Breakdown        []billing.ModelCostStats `json:"breakdown"`
	Names            []string                 `json:"names"`
	Active           string                   `json:"active"`
}

// NewService wires the orchestrator. tracker and tracer may be nil.
func NewService(store *conversation.Store, models ModelCatalog, router chat.Router, tracker persistence.ExchangeTracker, tracer trace.Tracer, opts Options) *Service {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("multichat")
	}
	return &Service{
		store:      store,
		states:     make(map[uuid.UUID]State),
		inFlight:   make(map[uuid.UUID]bool),
		models:     models,
		router:     router,
		accountant: billing.NewAccountant(models),
		tracker:    tracker,
		tracer:     tracer,
		opts:       opts,
	}
}

// Submit runs one exchange on the active conversation: the user message is
// appended, the backend is called with the whole log, and on success the
// reply and its cost are recorded. On failure the user message is removed
// again so the log still alternates and the turn arrays stay untouched.
func (s *Service) Submit(ctx context.Context, text, modelID string, temperature float64) (*ExchangeResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, chat.ErrEmptyMessage
	}
	if temperature < 0 || temperature > maxTemperature {
		return nil, fmt.Errorf("%w: got %v", chat.ErrInvalidTemperature, temperature)
	}
	model, err := s.models.Resolve(modelID)
	if err != nil {
		return nil, err
	}
	backend, err := s.router.Route(modelID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	conv := s.store.Active()
	if s.inFlight[conv.ID] {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", chat.ErrExchangeInFlight, conv.Name)
	}
	if err := conv.AppendUser(text); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	convID, convName := conv.ID, conv.Name
	history := conv.History()
	s.inFlight[convID] = true
	s.states[convID] = StateAwaitingResponse
	s.mu.Unlock()

	exchangeID := uuid.New()
	logger := logrus.WithFields(logrus.Fields{
		"exchange_id":  exchangeID,
		"conversation": convName,
		"model":        modelID,
		"provider":     model.Provider,
	})

	ctx, span := s.tracer.Start(ctx, "chat.exchange", trace.WithAttributes(
		attribute.String("exchange.id", exchangeID.String()),
		attribute.String("conversation.id", convID.String()),
		attribute.String("chat.model", modelID),
		attribute.String("chat.provider", model.Provider),
		attribute.Float64("chat.temperature", temperature),
		attribute.Int("chat.messages", len(history)),
	))
	defer span.End()

	s.track(ctx, func(ctx context.Context, t persistence.ExchangeTracker) error {
		return t.StartTracking(ctx, persistence.StartExchangeEvent{
			ExchangeID:       exchangeID,
			ConversationID:   convID,
			ConversationName: convName,
			Model:            modelID,
			Provider:         model.Provider,
			Temperature:      temperature,
		})
	})

	callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	start := time.Now()
	completion, callErr := backend.Complete(callCtx, &chat.CompletionRequest{
		Model:       modelID,
		Messages:    history,
		Temperature: temperature,
		MaxTokens:   s.opts.MaxTokens,
	})
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	latency := time.Since(start)

	if callErr == nil && completion == nil {
		callErr = errors.New("backend returned no completion")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, convID)

	// the conversation may have been renamed meanwhile, never deleted or cleared
	conv, err = s.store.ByID(convID)
	if err != nil {
		return nil, err
	}

	var cost float64
	if callErr == nil {
		usage := completion.Usage.Normalize()
		completion.Usage = usage
		cost, err = s.accountant.Charge(conv, modelID, text, completion.Text, usage)
		if err != nil {
			callErr = err
		}
	}

	if callErr != nil {
		conv.DropPendingUser()
		s.states[convID] = StateFailed

		failure := classify(callErr, timedOut)
		span.RecordError(callErr)
		span.SetStatus(codes.Error, failure.Error())
		logger.WithError(callErr).WithField("latency_ms", latency.Milliseconds()).Warn("Exchange failed")

		s.track(ctx, func(ctx context.Context, t persistence.ExchangeTracker) error {
			return t.FailTracking(ctx, exchangeID, callErr.Error())
		})
		return nil, failure
	}

	s.states[convID] = StateCompleted

	span.SetAttributes(
		attribute.Int("chat.usage.prompt_tokens", completion.Usage.PromptTokens),
		attribute.Int("chat.usage.completion_tokens", completion.Usage.CompletionTokens),
		attribute.Int("chat.usage.total_tokens", completion.Usage.TotalTokens),
		attribute.Float64("chat.cost", cost),
	)
	logger.WithFields(logrus.Fields{
		"usage_prompt":     completion.Usage.PromptTokens,
		"usage_completion": completion.Usage.CompletionTokens,
		"usage_total":      completion.Usage.TotalTokens,
		"cost":             cost,
		"latency_ms":       latency.Milliseconds(),
	}).Info("Chat usage")

	s.track(ctx, func(ctx context.Context, t persistence.ExchangeTracker) error {
		return t.CompleteTracking(ctx, persistence.CompleteExchangeEvent{
			ExchangeID:       exchangeID,
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
			Cost:             cost,
			LatencyMs:        latency.Milliseconds(),
		})
	})

	return &ExchangeResult{
		ExchangeID:   exchangeID,
		Conversation: conv.Name,
		Text:         completion.Text,
		Model:        modelID,
		Usage:        completion.Usage,
		Cost:         cost,
		TotalCost:    conv.TotalCost,
		LatencyMs:    latency.Milliseconds(),
	}, nil
}

// classify maps a backend error onto the exchange failure sentinels
func classify(err error, timedOut bool) error {
	switch {
	case errors.Is(err, chat.ErrBackendTimeout), errors.Is(err, chat.ErrBackendFailure):
		return err
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", chat.ErrBackendTimeout, err)
	default:
		return fmt.Errorf("%w: %w", chat.ErrBackendFailure, err)
	}
}

// track reports to the usage ledger when one is configured. Ledger problems
// are logged and never fail the exchange.
func (s *Service) track(ctx context.Context, fn func(context.Context, persistence.ExchangeTracker) error) {
	if s.tracker == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx), s.tracker); err != nil {
		logrus.WithError(err).Warn("Failed to record exchange in usage ledger")
	}
}

// Create adds a conversation and makes it active
func (s *Service) Create(name string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.store.Create(name)
	if err != nil {
		return uuid.Nil, err
	}
	s.states[id] = StateIdle
	logrus.WithField("conversation", name).Info("Conversation created")
	return id, nil
}

// Rename changes a conversation's name; an in-flight exchange follows it
func (s *Service) Rename(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Rename(oldName, newName); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"from": oldName, "to": newName}).Debug("Conversation renamed")
	return nil
}

// Delete removes a conversation unless it is the last one or awaiting a reply
func (s *Service) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.store.Get(name)
	if err != nil {
		return err
	}
	if s.inFlight[c.ID] {
		return fmt.Errorf("%w: %q", chat.ErrExchangeInFlight, name)
	}
	if err := s.store.Delete(name); err != nil {
		return err
	}
	delete(s.states, c.ID)
	logrus.WithField("conversation", name).Info("Conversation deleted")
	return nil
}

// Switch changes the active conversation
func (s *Service) Switch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Switch(name)
}

// Clear resets a conversation to its preamble unless it is awaiting a reply
func (s *Service) Clear(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.store.Get(name)
	if err != nil {
		return err
	}
	if s.inFlight[c.ID] {
		return fmt.Errorf("%w: %q", chat.ErrExchangeInFlight, name)
	}
	if err := s.store.Clear(name); err != nil {
		return err
	}
	s.states[c.ID] = StateIdle
	return nil
}

// List returns conversation names in display order plus the active one
func (s *Service) List() ConversationList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConversationList{Names: s.store.Names(), Active: s.store.ActiveName()}
}

// View renders the active conversation
func (s *Service) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.store.Active()
	return View{
		ID:               c.ID,
		Name:             c.Name,
		State:            s.stateOf(c.ID),
		Turns:            c.Turns(),
		TotalCost:        c.TotalCost,
		TotalCostDisplay: billing.FormatCost(c.TotalCost),
		Breakdown:        billing.Breakdown(c),
		Names:            s.store.Names(),
		Active:           s.store.ActiveName(),
	}
}

// Snapshot returns a detached copy of a named conversation
func (s *Service) Snapshot(name string) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.store.Get(name)
	if err != nil {
		return conversation.Conversation{}, err
	}
	return c.Snapshot(), nil
}

// ActiveSnapshot returns a detached copy of the active conversation
func (s *Service) ActiveSnapshot() conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Active().Snapshot()
}

// Models lists the registry in registration order
func (s *Service) Models() []registry.Model {
	return s.models.Models()
}

func (s *Service) stateOf(id uuid.UUID) State {
	if st, ok := s.states[id]; ok {
		return st
	}
	return StateIdle
}
