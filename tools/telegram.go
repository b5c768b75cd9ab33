package tools

import (
	"context"
	"errors"
	"fmt"
)

// Sink delivers an outbound message to the user's chat.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// TelegramTools registers the outbound messaging tool.
type TelegramTools struct {
	Sink Sink
}

// Register adds send_telegram to the registry.
func (t *TelegramTools) Register(r *Registry) {
	r.MustRegister(Tool{
		Name:        "send_telegram",
		Description: "Send a message to the user's Telegram chat. This is the only way your words reach the user on alarm and ambient turns.",
		InputSchema: objectSchema(map[string]any{
			"text": map[string]any{"type": "string"},
		}, "text"),
		Handler: t.send,
	})
}

func (t *TelegramTools) send(ctx context.Context, args map[string]any) (string, error) {
	text := argString(args, "text")
	if text == "" {
		return "", errors.New("text must not be empty")
	}
	if t.Sink == nil {
		return "", errors.New("telegram delivery is not configured")
	}
	if err := t.Sink.Send(ctx, text); err != nil {
		return "", fmt.Errorf("send telegram: %w", err)
	}
	return "Message sent.", nil
}
