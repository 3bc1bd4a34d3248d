package reply

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

// Turn is a single prior exchange in a conversation, already mapped to
// chat-completion roles.
type Turn struct {
	Role    string
	Content string
}

const (
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// Completer produces a model reply for a conversation. Implementations
// must honor ctx cancellation.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, turns []Turn) (string, error)
}

// OpenAICompleter calls the OpenAI chat completions API.
type OpenAICompleter struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAICompleter builds a completer. baseURL is optional and lets
// the relay point at a compatible gateway.
func NewOpenAICompleter(apiKey, baseURL, model string, temperature float64, maxTokens int) *OpenAICompleter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompleter{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: float32(temperature),
		maxTokens:   maxTokens,
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, systemPrompt string, turns []Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, t := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    t.Role,
			Content: t.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}
