package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request is the provider-agnostic payload sent to a model endpoint.
type Request struct {
	// Model identifier as the provider knows it. E.g., "gpt-4o-mini"
	Model string

	// System instruction, empty when not used.
	System string

	// User prompt, already templated.
	Prompt string

	// Retrieved context snippets, oldest first. They are folded into the
	// prompt per model, so a small-window fallback can shed the oldest
	// snippets instead of overflowing.
	Context []string

	// Maximum completion tokens. Zero leaves it to the provider default.
	MaxTokens int

	// Sampling temperature. Nil leaves it to the provider default.
	Temperature *float32

	// MIME type requested for the completion.
	// E.g., "text/plain", "application/json"
	ResponseMimeType string
}

// Response is the provider-agnostic result of one generation call.
type Response struct {
	// Model that actually served the request.
	Model string

	Content string

	PromptTokens     int
	CompletionTokens int
}

// Endpoint is implemented by every provider adapter. Generate is the only
// suspension point in the whole request path; everything around it is pure
// computation.
type Endpoint interface {
	Generate(ctx context.Context, request *Request) (*Response, error)
	Ping(ctx context.Context) (time.Duration, error)
	Provider() string
	Shutdown() error
}

// TransientError marks a failure worth retrying against the same model:
// rate limits, quota exhaustion, 5xx-class provider trouble.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix for this model:
// validation failures and other 4xx-class rejections. It sends the request
// straight to the fallback chain.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent provider error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable. Returns nil for a nil err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err should be retried on the same model.
// Unclassified errors are treated as transient so a blip on an otherwise
// healthy model does not immediately burn a fallback attempt.
func IsTransient(err error) bool {
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	return classifyMessage(err)
}

// classifyMessage is the last resort for SDK errors that reach us without a
// usable status code.
func classifyMessage(err error) bool {
	lowered := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "quota", "exceeded", "throughput", "exhausted", "overloaded", "unavailable", "timeout", "500", "502", "503", "529"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	for _, marker := range []string{"400", "401", "403", "404", "invalid", "unauthorized", "not found", "unsupported"} {
		if strings.Contains(lowered, marker) {
			return false
		}
	}
	return true
}

// ClassifyStatus wraps err according to an HTTP status code from the
// provider. 429 and 5xx are transient; other 4xx are permanent.
func ClassifyStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	if status == 429 || status >= 500 {
		return Transient(err)
	}
	if status >= 400 {
		return Permanent(err)
	}
	return err
}
