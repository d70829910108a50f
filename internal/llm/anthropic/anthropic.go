// Package anthropic implements the LLM provider interface on the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jkaninda/chorus/internal/llm"
)

const defaultMaxTokens = 4096

// Client implements llm.Provider using the Anthropic Messages API.
type Client struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

type settings struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// Option configures the Anthropic client.
type Option func(*settings)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) { s.httpClient = hc }
}

// WithMaxRetries sets how many times the SDK retries transient failures.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// NewClient creates an Anthropic provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	s := settings{maxRetries: 2}
	for _, opt := range opts {
		opt(&s)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(s.maxRetries),
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(s.httpClient))
	}

	return &Client{
		client: anthropic.NewClient(reqOpts...),
		model:  model,
		logger: logger,
	}
}

func (c *Client) Name() string { return "anthropic" }

// SendMessage sends the conversation to the Messages endpoint.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  buildMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	out := &llm.Response{
		Content:    text.String(),
		StopReason: string(resp.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", "anthropic"),
		slog.String("model", c.model),
		slog.Int("input_tokens", out.Usage.InputTokens),
		slog.Int("output_tokens", out.Usage.OutputTokens),
		slog.String("stop_reason", out.StopReason),
	)

	return out, nil
}

// buildMessages converts turns to Anthropic message params. The API requires
// strict user/assistant alternation starting with a user turn.
func buildMessages(msgs []llm.Message) []anthropic.MessageParam {
	normalized := llm.NormalizeMessages(msgs)
	out := make([]anthropic.MessageParam, 0, len(normalized))
	for _, m := range normalized {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
