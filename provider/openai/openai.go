package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lumenlabs/maestro/provider"
)

const providerName = "openai"

// Endpoint adapts the OpenAI Chat Completions API to provider.Endpoint.
type Endpoint struct {
	client openai.Client
}

func NewEndpoint(apiKey string) (*Endpoint, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	return &Endpoint{client: openai.NewClient(option.WithAPIKey(apiKey))}, nil
}

func (e *Endpoint) Generate(ctx context.Context, request *provider.Request) (*provider.Response, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if request.System != "" {
		messages = append(messages, openai.SystemMessage(request.System))
	}
	messages = append(messages, openai.UserMessage(request.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.Model),
		Messages: messages,
	}
	if request.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(request.MaxTokens))
	}
	if request.Temperature != nil {
		params.Temperature = openai.Float(float64(*request.Temperature))
	}

	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.Permanent(fmt.Errorf("openai returned no choices"))
	}

	return &provider.Response{
		Model:            resp.Model,
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func (e *Endpoint) Ping(ctx context.Context) (time.Duration, error) {
	started := time.Now()
	if _, err := e.client.Models.List(ctx); err != nil {
		return 0, classify(err)
	}
	return time.Since(started), nil
}

func (e *Endpoint) Provider() string {
	return providerName
}

func (e *Endpoint) Shutdown() error {
	return nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return provider.ClassifyStatus(apiErr.StatusCode, err)
	}
	return provider.Transient(err)
}
