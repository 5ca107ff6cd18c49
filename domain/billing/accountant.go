// Package billing turns token usage into cost using the model registry rates.
package billing

import (
	"fmt"
	"sort"

	"multichat/domain/chat"
	"multichat/domain/conversation"
	"multichat/domain/registry"
)

// RateResolver is the subset of the registry the accountant needs
type RateResolver interface {
	Resolve(modelID string) (registry.Model, error)
}

// ModelCostStats aggregates one model's share of a conversation
type ModelCostStats struct {
	Model       string  `json:"model"`
	Turns       int     `json:"turns"`
	TotalTokens int     `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

type Accountant struct {
	rates RateResolver
}

func NewAccountant(rates RateResolver) *Accountant {
	return &Accountant{rates: rates}
}

// ComputeCost prices one exchange: prompt*prompt_rate + completion*completion_rate
func (a *Accountant) ComputeCost(modelID string, promptTokens, completionTokens int) (float64, error) {
	m, err := a.rates.Resolve(modelID)
	if err != nil {
		return 0, fmt.Errorf("compute cost: %w", err)
	}
	return float64(promptTokens)*m.PromptRate + float64(completionTokens)*m.CompletionRate, nil
}

// Charge prices the exchange, appends the assistant reply to conv and
// records the completed turn. Nothing is recorded when the model cannot be
// priced or conv is not awaiting a reply.
func (a *Accountant) Charge(conv *conversation.Conversation, modelID, userText, assistantText string, usage chat.Usage) (float64, error) {
	cost, err := a.ComputeCost(modelID, usage.PromptTokens, usage.CompletionTokens)
	if err != nil {
		return 0, err
	}
	err = conv.CompleteExchange(conversation.Turn{
		User:        userText,
		Assistant:   assistantText,
		Model:       modelID,
		Cost:        cost,
		TotalTokens: usage.TotalTokens,
	})
	if err != nil {
		return 0, fmt.Errorf("charge: %w", err)
	}
	return cost, nil
}

// Breakdown groups a conversation's turns by serving model, sorted by model id
func Breakdown(conv *conversation.Conversation) []ModelCostStats {
	byModel := make(map[string]*ModelCostStats)
	for i, model := range conv.ModelName {
		s, ok := byModel[model]
		if !ok {
			s = &ModelCostStats{Model: model}
			byModel[model] = s
		}
		s.Turns++
		s.TotalTokens += conv.TotalTokens[i]
		s.TotalCost += conv.Cost[i]
	}

	out := make([]ModelCostStats, 0, len(byModel))
	for _, s := range byModel {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// FormatCost renders a cost the way the chat sidebar shows it
func FormatCost(cost float64) string {
	return fmt.Sprintf("$%.5f", cost)
}
