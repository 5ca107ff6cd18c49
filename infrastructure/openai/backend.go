// Package openai talks to any endpoint implementing the OpenAI
// /chat/completions contract (OpenAI itself, proxies, vLLM, ...).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"multichat/domain/chat"

	"github.com/sirupsen/logrus"
)

const maxErrorBody = 2048

// Backend is a chat.BackendClient for OpenAI-compatible servers. It never
// retries; a failed call is reported to the caller as-is.
type Backend struct {
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

// Option customizes a Backend
type Option func(*Backend)

// WithHTTPClient replaces the default pooled client
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// WithHeader adds a static header to every request
func WithHeader(key, value string) Option {
	return func(b *Backend) { b.headers[key] = value }
}

func NewBackend(apiKey, baseURL string, opts ...Option) *Backend {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	b := &Backend{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: make(map[string]string),
		// deadlines come from the caller's context
		httpClient: &http.Client{Transport: transport},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type apiChatRequest struct {
	Model       string         `json:"model"`
	Messages    []chat.Message `json:"messages"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Stream      bool           `json:"stream"`
}

type apiChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Index   int          `json:"index"`
		Message chat.Message `json:"message"`
	} `json:"choices"`
	Usage chat.Usage `json:"usage"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete posts the whole message log and returns the first choice
func (b *Backend) Complete(ctx context.Context, req *chat.CompletionRequest) (*chat.Completion, error) {
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("message %d: unsupported role %q", i, m.Role)
		}
	}

	jsonData, err := json.Marshal(apiChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	for k, v := range b.headers {
		hreq.Header.Set(k, v)
	}

	resp, err := b.httpClient.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logrus.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"model":  req.Model,
		}).Warn("Chat completion API error")
		return nil, fmt.Errorf("chat completion api error: status %d, model %s: %s", resp.StatusCode, req.Model, errorMessage(body))
	}

	var out apiChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("chat completion api returned no choices for model %s", req.Model)
	}

	model := out.Model
	if model == "" {
		model = req.Model
	}

	return &chat.Completion{
		Text:  out.Choices[0].Message.Content,
		Model: model,
		Usage: out.Usage.Normalize(),
	}, nil
}

func errorMessage(body []byte) string {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}
