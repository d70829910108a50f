// Package queue carries job submissions over a Redis stream so that
// several chorus processes can share one intake.
package queue

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/chorus/internal/domain"
)

// Message is one submission read from the stream.
type Message struct {
	ID        string
	Chat      domain.ChatMessage
	Attempt   int
	LastError string
	Raw       redis.XMessage
}

// ParseMessage decodes a stream entry. Entries without content are rejected.
func ParseMessage(msg redis.XMessage) (Message, error) {
	content := parseOptionalString(msg.Values, "content")
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("missing content")
	}
	attempt, err := parseOptionalInt(msg.Values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt <= 0 {
		attempt = 1
	}
	return Message{
		ID: msg.ID,
		Chat: domain.ChatMessage{
			SessionID:    parseOptionalString(msg.Values, "session_id"),
			Content:      content,
			Context:      parseOptionalString(msg.Values, "context"),
			OutputSchema: parseOptionalString(msg.Values, "output_schema"),
		},
		Attempt:   attempt,
		LastError: parseOptionalString(msg.Values, "last_error"),
		Raw:       msg,
	}, nil
}

func messageValues(chat domain.ChatMessage, attempt int) map[string]any {
	if attempt <= 0 {
		attempt = 1
	}
	values := map[string]any{
		"content": chat.Content,
		"attempt": attempt,
	}
	if chat.SessionID != "" {
		values["session_id"] = chat.SessionID
	}
	if chat.Context != "" {
		values["context"] = chat.Context
	}
	if chat.OutputSchema != "" {
		values["output_schema"] = chat.OutputSchema
	}
	return values
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseOptionalString(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}
