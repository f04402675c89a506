package gemini

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/lumenlabs/maestro/provider"
)

const providerName = "gemini"

// Endpoint adapts the Gemini API to provider.Endpoint.
type Endpoint struct {
	client *genai.Client
}

func NewEndpoint(ctx context.Context, apiKey string) (*Endpoint, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Endpoint{client: client}, nil
}

func (e *Endpoint) Generate(ctx context.Context, request *provider.Request) (*provider.Response, error) {
	config := &genai.GenerateContentConfig{}
	if request.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: request.System}},
		}
	}
	if request.MaxTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxTokens)
	}
	if request.Temperature != nil {
		config.Temperature = genai.Ptr(*request.Temperature)
	}
	if request.ResponseMimeType == "application/json" {
		config.ResponseMIMEType = request.ResponseMimeType
	}

	resp, err := e.client.Models.GenerateContent(ctx, request.Model, genai.Text(request.Prompt), config)
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, provider.Permanent(fmt.Errorf("gemini returned no candidates"))
	}

	var content string
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			content += part.Text
		}
	}

	response := &provider.Response{
		Model:   request.Model,
		Content: content,
	}
	if resp.UsageMetadata != nil {
		response.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		response.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return response, nil
}

func (e *Endpoint) Ping(ctx context.Context) (time.Duration, error) {
	started := time.Now()
	config := &genai.GenerateContentConfig{MaxOutputTokens: 1}
	if _, err := e.client.Models.GenerateContent(ctx, "gemini-2.0-flash", genai.Text("ping"), config); err != nil {
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
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return provider.ClassifyStatus(apiErr.Code, err)
	}
	return provider.Transient(err)
}
