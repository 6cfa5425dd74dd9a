// Package openaicompat adapts any OpenAI-compatible chat-completions
// endpoint into a cascade candidate. Most hosted LLM providers expose
// this wire format, so one adapter covers the common cascade setups.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tdnqanh/llm-cascade/internal/cascade"
)

type Adapter struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
	enabled bool
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatUsage struct {
	TotalTokens int `json:"total_tokens"`
}

type Option func(*Adapter)

// WithHTTPClient overrides the default client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithEnabled acts as the adapter's feature flag.
func WithEnabled(enabled bool) Option {
	return func(a *Adapter) { a.enabled = enabled }
}

func New(name, baseURL, apiKey, model string, timeout time.Duration, opts ...Option) *Adapter {
	a := &Adapter{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		timeout: timeout,
		client:  http.DefaultClient,
		enabled: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string           { return a.name }
func (a *Adapter) Model() string          { return a.model }
func (a *Adapter) Timeout() time.Duration { return a.timeout }

// Available reports whether the adapter is configured and enabled.
func (a *Adapter) Available(ctx context.Context) bool {
	return a.enabled && a.apiKey != ""
}

func (a *Adapter) Complete(ctx context.Context, req *cascade.Request) (*cascade.Response, error) {
	messages := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	body, err := json.Marshal(chatRequest{
		Model:       a.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", a.apiKey))

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s api error (status %d): %s", a.name, resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, err
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%s api returned no choices", a.name)
	}

	return &cascade.Response{
		Content:    chatResp.Choices[0].Message.Content,
		Model:      chatResp.Model,
		Provider:   a.name,
		TokensUsed: chatResp.Usage.TotalTokens,
	}, nil
}
