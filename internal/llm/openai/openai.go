// Package openai implements the LLM provider interface on the OpenAI Chat
// Completions API. It also serves as the Ollama provider since Ollama exposes
// an OpenAI-compatible API.
package openai

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/jkaninda/chorus/internal/llm"
)

const defaultMaxTokens = 4096

// Client implements llm.Provider using the OpenAI Chat Completions API.
type Client struct {
	client openai.Client
	model  string
	name   string
	logger *slog.Logger
}

type settings struct {
	baseURL    string
	name       string
	httpClient *http.Client
	maxRetries int
}

// Option configures the OpenAI client.
type Option func(*settings)

// WithBaseURL overrides the API base URL. For Ollama use "http://localhost:11434/v1".
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) { s.httpClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithMaxRetries sets how many times the SDK retries transient failures.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// NewClient creates an OpenAI-compatible provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	s := settings{name: "openai", maxRetries: 2}
	for _, opt := range opts {
		opt(&s)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(s.maxRetries)}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	} else {
		// Ollama ignores the key but the SDK insists on one.
		reqOpts = append(reqOpts, option.WithAPIKey("unused"))
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(s.httpClient))
	}

	return &Client{
		client: openai.NewClient(reqOpts...),
		model:  model,
		name:   s.name,
		logger: logger,
	}
}

func (c *Client) Name() string { return c.name }

// SendMessage sends the conversation to the Chat Completions endpoint.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            buildMessages(req),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s chat completion: %w", c.name, llm.ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Content:    choice.Message.Content,
		StopReason: normalizeFinishReason(string(choice.FinishReason)),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.Int("input_tokens", out.Usage.InputTokens),
		slog.Int("output_tokens", out.Usage.OutputTokens),
		slog.String("stop_reason", out.StopReason),
	)

	return out, nil
}

func buildMessages(req *llm.Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return msgs
}

// normalizeFinishReason maps OpenAI finish reasons to canonical stop reasons.
func normalizeFinishReason(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "content_filter":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}
