// Package llm defines the provider-agnostic interface for language model calls.
//
// Reasoners only ever need one completion per call: a system prompt plus an
// ordered list of turns in, text out. Function calling is expressed in-band
// with <function_call> directives, so providers do not negotiate native tool use.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("empty model response")

// Provider is the abstraction over any LLM backend (OpenAI, Anthropic, Ollama).
type Provider interface {
	// SendMessage sends a conversation to the LLM and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// Request represents a full conversation sent to the LLM.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  *float64 // nil = provider default
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the LLM returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens", "stop_sequence"
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// NormalizeMessages merges consecutive turns with the same role and makes sure
// the conversation starts with a user turn. Anthropic rejects both, and the
// reasoners routinely produce them.
func NormalizeMessages(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content = strings.TrimRight(out[n-1].Content, "\n") + "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 || out[0].Role != RoleUser {
		out = append([]Message{{Role: RoleUser, Content: "Begin."}}, out...)
	}
	return out
}

// Factory builds a provider from a platform name. Used by the CLI to resolve
// the configured platform_type.
type Factory func(platform string) (Provider, error)

// Resolve builds the primary provider and wraps it in a FallbackProvider when
// fallbacks are configured. Unknown fallbacks are logged and skipped.
func Resolve(primary string, fallbacks []string, build Factory, logger *slog.Logger, opts ...FallbackOption) (Provider, error) {
	main, err := build(primary)
	if err != nil {
		return nil, fmt.Errorf("building provider %q: %w", primary, err)
	}
	if len(fallbacks) == 0 {
		return main, nil
	}
	providers := []Provider{main}
	for _, name := range fallbacks {
		if name == primary {
			continue
		}
		p, err := build(name)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 1 {
		return main, nil
	}
	return NewFallbackProvider(providers, logger, opts...), nil
}
