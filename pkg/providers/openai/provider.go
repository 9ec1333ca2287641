package openai

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

type Provider struct {
	client  *openai.Client
	baseURL string
}

func NewProvider(apiKey, apiBase string) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	baseURL := strings.TrimSpace(apiBase)
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &Provider{
		client:  &client,
		baseURL: baseURL,
	}
}

// Generate runs one single-turn chat completion. The raw SDK error is
// returned unwrapped for classification upstream.
func (p *Provider) Generate(ctx context.Context, system, prompt, model string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *Provider) DefaultModel() string {
	return "gpt-4o-mini"
}

func (p *Provider) BaseURL() string {
	return p.baseURL
}
