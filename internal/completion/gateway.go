// Package completion turns an assembled conversation history into the
// agent's next reply via an OpenAI-compatible chat completion API.
package completion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/relaydesk/relaydesk/internal/message"
)

// Gateway produces an assistant reply for the given history. The history
// arrives oldest-first and already includes any system prompt.
type Gateway interface {
	Complete(ctx context.Context, history []message.Message) (string, error)
}

// OpenAIGateway implements Gateway against an OpenAI-compatible endpoint.
type OpenAIGateway struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

func NewOpenAIGateway(log *slog.Logger, baseURL, apiKey, model string, timeout time.Duration) *OpenAIGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if strings.TrimSpace(model) == "" {
		model = openai.GPT4o
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIGateway{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
		logger:  log.With(slog.String("service", "completion")),
	}
}

func (g *OpenAIGateway) Complete(ctx context.Context, history []message.Message) (string, error) {
	msgs := toChatMessages(history)
	if len(msgs) == 0 {
		return "", fmt.Errorf("complete: empty history")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("complete: empty response")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("complete: blank reply")
	}
	g.logger.Debug("completion finished",
		slog.String("model", g.model),
		slog.Int("history", len(msgs)),
		slog.Duration("elapsed", time.Since(start)))
	return reply, nil
}

// toChatMessages maps stored messages onto API roles. Operator turns are
// presented as assistant turns so the model treats them as prior replies
// from "our side" of the conversation.
func toChatMessages(history []message.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		var role string
		switch m.Role {
		case message.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case message.RoleAssistant, message.RoleOperator:
			role = openai.ChatMessageRoleAssistant
		default:
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: content})
	}
	return out
}
