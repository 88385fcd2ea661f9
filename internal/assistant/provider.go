package assistant

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

type Options struct {
	Model     string
	MaxTokens int
}

// Generation is a provider reply. Token counts are exact when the provider
// reports usage and estimated otherwise.
type Generation struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Model            string
}

type Provider interface {
	Generate(ctx context.Context, prompt string, opts Options) (Generation, error)
}

// OpenAIProvider talks to any OpenAI compatible chat completion endpoint.
type OpenAIProvider struct {
	client *openai.Client
}

func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, opts Options) (Generation, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     opts.Model,
		MaxTokens: opts.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return Generation{}, fmt.Errorf("create chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return Generation{}, errors.New("provider returned no choices")
	}

	gen := Generation{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Model:            resp.Model,
	}
	if gen.Model == "" {
		gen.Model = opts.Model
	}
	if gen.PromptTokens == 0 {
		gen.PromptTokens = EstimateTokens(prompt)
	}
	if gen.CompletionTokens == 0 {
		gen.CompletionTokens = EstimateTokens(gen.Text)
	}

	return gen, nil
}
