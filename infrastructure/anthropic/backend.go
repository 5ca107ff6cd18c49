// Package anthropic adapts the Anthropic Messages API to chat.BackendClient.
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"multichat/domain/chat"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultMaxTokens is used when a request does not set a completion budget;
// the Messages API requires one.
const DefaultMaxTokens = 1024

type Backend struct {
	client anthropic.Client
}

// NewBackend builds a client with SDK retries disabled. baseURL may be empty.
func NewBackend(apiKey, baseURL string, httpClient *http.Client) *Backend {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Backend{client: anthropic.NewClient(opts...)}
}

// Complete sends the conversation. System messages are lifted into the
// request's system prompt since the API has no system role.
func (b *Backend) Complete(ctx context.Context, req *chat.CompletionRequest) (*chat.Completion, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, content := range msg.Content {
		if block, ok := content.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(block.Text)
		}
	}

	model := string(msg.Model)
	if model == "" {
		model = req.Model
	}

	usage := chat.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}

	return &chat.Completion{
		Text:  text.String(),
		Model: model,
		Usage: usage.Normalize(),
	}, nil
}

func buildParams(req *chat.CompletionRequest) (anthropic.MessageNewParams, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
	}

	for _, m := range req.Messages {
		switch m.Role {
		case chat.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case chat.RoleUser:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case chat.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			return params, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}

	if len(params.Messages) == 0 {
		return params, fmt.Errorf("anthropic request needs at least one user message")
	}
	return params, nil
}
