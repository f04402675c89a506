package claude

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lumenlabs/maestro/provider"
)

const providerName = "claude"

// Default completion budget when the caller does not bound output tokens.
// The Messages API requires an explicit maximum.
const defaultMaxTokens = 4096

// Endpoint adapts the Anthropic Messages API to provider.Endpoint.
type Endpoint struct {
	client anthropic.Client
}

func NewEndpoint(apiKey string) (*Endpoint, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	return &Endpoint{client: anthropic.NewClient(option.WithAPIKey(apiKey))}, nil
}

func (e *Endpoint) Generate(ctx context.Context, request *provider.Request) (*provider.Response, error) {
	maxTokens := int64(request.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(request.Prompt)),
		},
	}
	if request.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: request.System}}
	}
	if request.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*request.Temperature))
	}

	resp, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &provider.Response{
		Model:            string(resp.Model),
		Content:          content,
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}

func (e *Endpoint) Ping(ctx context.Context) (time.Duration, error) {
	started := time.Now()
	_, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.ModelClaude3_5HaikuLatest,
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
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
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return provider.ClassifyStatus(apiErr.StatusCode, err)
	}
	return provider.Transient(err)
}
