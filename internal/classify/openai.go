package classify

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Prompts per check kind. Each instructs the model to answer with a JSON
// verdict; the pipeline tolerates wrapping prose around it.
var checkPrompts = map[string]string{
	"toxicity":  `You are a content safety classifier. Decide whether the text below contains toxic, hateful, harassing, or threatening language. Respond with a JSON object: {"flagged": true|false, "reason": "short explanation"}.`,
	"content":   `You are a content policy classifier for a customer support assistant. Decide whether the text below contains sexual, violent, illegal, or otherwise disallowed content. Respond with a JSON object: {"flagged": true|false, "reason": "short explanation"}.`,
	"topic":     `You are a topic classifier. Identify the single main topic of the text below as one short lowercase phrase. Respond with a JSON object: {"topic": "main topic"}.`,
	"sentiment": `You are a customer satisfaction analyst. Given the conversation excerpt below, estimate the customer's satisfaction as an integer score from 0 (furious) to 100 (delighted) and list up to five short topic keywords. Respond with a JSON object: {"score": 0-100, "topics": ["topic", ...]}.`,
}

// OpenAIClient implements Capability against an OpenAI-compatible API.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenAIClient creates a classification client. model falls back to a
// small default when empty.
func NewOpenAIClient(log *slog.Logger, baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	if log == nil {
		log = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if strings.TrimSpace(model) == "" {
		model = openai.GPT4oMini
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
		logger:  log.With(slog.String("service", "classify")),
	}
}

func (c *OpenAIClient) Classify(ctx context.Context, text string, checkKind string) (string, error) {
	prompt, ok := checkPrompts[strings.ToLower(strings.TrimSpace(checkKind))]
	if !ok {
		return "", fmt.Errorf("unknown check kind %q", checkKind)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("classify %s: %w", checkKind, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("classify %s: empty response", checkKind)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) AnalyzeMedia(ctx context.Context, data []byte, mime string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("analyze media: empty payload")
	}
	if strings.TrimSpace(mime) == "" {
		mime = "image/jpeg"
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: "Describe this attachment for a customer support conversation. Mention any text visible in it.",
					},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("analyze media: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("analyze media: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
