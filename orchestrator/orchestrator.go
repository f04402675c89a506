package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/lumenlabs/maestro"
	"github.com/lumenlabs/maestro/cost"
	"github.com/lumenlabs/maestro/fallback"
	"github.com/lumenlabs/maestro/monitoring"
	"github.com/lumenlabs/maestro/provider"
	"github.com/lumenlabs/maestro/state"
	"github.com/lumenlabs/maestro/utils/array"
)

// Output formats a caller may request.
const (
	FormatText = "text"
	FormatJson = "json"
)

// Capability tag a model must carry to serve JSON-formatted requests.
const jsonModeCapability = "json_mode"

// ContextItem is one snippet retrieved from a knowledge source.
type ContextItem struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// ContextSource retrieves grounding snippets for a query, most relevant
// last. The orchestrator treats retrieval as best-effort: a failing source
// degrades to an uncontextualized prompt instead of failing the request.
type ContextSource interface {
	Retrieve(ctx context.Context, query string, limit int) ([]ContextItem, error)
}

// BudgetSource exposes current budget health for the metrics gauge. The cost
// manager implements it.
type BudgetSource interface {
	Status() cost.BudgetStatus
}

// Config for the orchestrator pipeline.
type Config struct {
	Templates []Template `yaml:"templates"`

	// How long deterministic (temperature zero) responses stay cached.
	CacheDuration time.Duration `yaml:"cache_duration"`

	// Maximum context snippets retrieved per request.
	ContextLimit int `yaml:"context_limit"`
}

// Request is one templated generation request.
type Request struct {
	TaskType   string            `json:"task_type"`
	TemplateId string            `json:"template_id"`
	Variables  map[string]string `json:"variables,omitempty"`

	// "text" (default) or "json". JSON requests are validated and, when a
	// schema is given, checked against it.
	OutputFormat string          `json:"output_format,omitempty"`
	Schema       json.RawMessage `json:"schema,omitempty"`

	// Query sent to the knowledge source. Empty skips retrieval.
	ContextQuery string `json:"context_query,omitempty"`

	Complexity      maestro.Complexity      `json:"complexity,omitempty"`
	TimeSensitivity maestro.TimeSensitivity `json:"time_sensitivity,omitempty"`
	Constraints     *maestro.Constraints    `json:"constraints,omitempty"`

	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
}

// Validate rejects requests before any model work happens.
func (r *Request) Validate() error {
	if r.TaskType == "" {
		return fmt.Errorf("task type must not be empty")
	}
	if r.TemplateId == "" {
		return fmt.Errorf("template id must not be empty")
	}
	switch r.OutputFormat {
	case "", FormatText, FormatJson:
	default:
		return fmt.Errorf("unknown output format: %s", r.OutputFormat)
	}
	if len(r.Schema) > 0 && r.OutputFormat != FormatJson {
		return fmt.Errorf("schema requires output format %q", FormatJson)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("max tokens must not be negative")
	}
	return nil
}

// Response is the result of one processed request.
type Response struct {
	RequestId    string             `json:"request_id"`
	Content      string             `json:"content"`
	Model        string             `json:"model"`
	FromFallback bool               `json:"from_fallback,omitempty"`
	Cached       bool               `json:"cached,omitempty"`
	Attempts     []fallback.Attempt `json:"attempts,omitempty"`
}

// InvalidRequestError marks failures that are the caller's fault: malformed
// requests, unknown templates, unresolved placeholders.
type InvalidRequestError struct {
	Err error
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %v", e.Err)
}

func (e *InvalidRequestError) Unwrap() error { return e.Err }

// OutputValidationError reports a response that still violated the requested
// output contract after the corrective re-prompt.
type OutputValidationError struct {
	Model  string
	Issues []string
}

func (e *OutputValidationError) Error() string {
	return fmt.Sprintf("model %s output failed validation: %s", e.Model, strings.Join(e.Issues, "; "))
}

// Orchestrator runs the request pipeline: template rendering, context
// retrieval, routed execution, output validation, and response caching.
type Orchestrator struct {
	config    Config
	templates *TemplateStore
	engine    *fallback.Engine
	states    state.Manager
	knowledge ContextSource
	budget    BudgetSource
	metrics   *monitoring.Manager
	logger    *zap.SugaredLogger
}

func New(
	config Config,
	engine *fallback.Engine,
	states state.Manager,
	knowledge ContextSource,
	budget BudgetSource,
	metrics *monitoring.Manager,
	logger *zap.SugaredLogger,
) (*Orchestrator, error) {
	templates, err := NewTemplateStore(config.Templates)
	if err != nil {
		return nil, err
	}
	if config.CacheDuration <= 0 {
		config.CacheDuration = 24 * time.Hour
	}
	if config.ContextLimit <= 0 {
		config.ContextLimit = 5
	}

	engine.SetPayloadAdapter(fitContext)
	return &Orchestrator{
		config:    config,
		templates: templates,
		engine:    engine,
		states:    states,
		knowledge: knowledge,
		budget:    budget,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Process runs one request end to end.
func (o *Orchestrator) Process(ctx context.Context, request *Request) (*Response, error) {
	if err := request.Validate(); err != nil {
		return nil, &InvalidRequestError{Err: err}
	}

	system, prompt, err := o.templates.Render(request.TemplateId, request.Variables)
	if err != nil {
		return nil, &InvalidRequestError{Err: err}
	}

	var cacheKey string
	if cacheable(request) {
		cacheKey = requestCacheKey(request)
		if cached := o.loadCached(ctx, cacheKey); cached != nil {
			return cached, nil
		}
	}

	snippets := o.retrieveContext(ctx, request)

	task := o.taskRequest(request, system, prompt, snippets)
	payload := &provider.Request{
		System:      system,
		Prompt:      prompt,
		Context:     snippets,
		MaxTokens:   request.MaxTokens,
		Temperature: request.Temperature,
	}
	if request.OutputFormat == FormatJson {
		payload.ResponseMimeType = "application/json"
	}

	result, err := o.engine.Handle(ctx, task, payload)
	if err != nil {
		return nil, err
	}
	o.observe(result)

	content := result.Response.Content
	if request.OutputFormat == FormatJson {
		content = stripFences(content)
		if issues := checkJson(content, request.Schema); len(issues) > 0 {
			result, content, err = o.reprompt(ctx, task, payload, request.Schema, result.Model, content, issues)
			if err != nil {
				return nil, err
			}
		}
	}

	response := &Response{
		RequestId:    uuid.NewString(),
		Content:      content,
		Model:        result.Model,
		FromFallback: result.FromFallback,
		Attempts:     result.Attempts,
	}
	if cacheKey != "" {
		o.saveCached(ctx, cacheKey, response)
	}
	return response, nil
}

// reprompt gives the pipeline exactly one corrective pass when JSON output
// failed validation. A second failure is final.
func (o *Orchestrator) reprompt(
	ctx context.Context,
	task *maestro.TaskRequest,
	payload *provider.Request,
	schema json.RawMessage,
	model string,
	rejected string,
	issues []string,
) (*fallback.Result, string, error) {
	o.logger.Warnw("Output failed validation, re-prompting once",
		"model", model, "issues", issues)

	corrective := *payload
	corrective.Prompt = correctivePrompt(payload.Prompt, rejected, issues)

	result, err := o.engine.Handle(ctx, task, &corrective)
	if err != nil {
		return nil, "", err
	}
	o.observe(result)

	content := stripFences(result.Response.Content)
	if issues := checkJson(content, schema); len(issues) > 0 {
		return nil, "", &OutputValidationError{Model: result.Model, Issues: issues}
	}
	return result, content, nil
}

func (o *Orchestrator) retrieveContext(ctx context.Context, request *Request) []string {
	if o.knowledge == nil || request.ContextQuery == "" {
		return nil
	}
	items, err := o.knowledge.Retrieve(ctx, request.ContextQuery, o.config.ContextLimit)
	if err != nil {
		o.logger.Warnw("Context retrieval failed, continuing without",
			"query", request.ContextQuery, "error", err)
		return nil
	}
	return array.Map(items, func(item ContextItem) string { return item.Text })
}

// taskRequest translates the pipeline request into the routing request. JSON
// output becomes a hard capability requirement so scoring never picks a model
// that cannot honor the format.
func (o *Orchestrator) taskRequest(request *Request, system string, prompt string, snippets []string) *maestro.TaskRequest {
	constraints := request.Constraints
	if request.OutputFormat == FormatJson {
		cloned := maestro.Constraints{}
		if constraints != nil {
			cloned = *constraints
		}
		if !array.Contains(cloned.RequiredCapabilities, jsonModeCapability) {
			capabilities := append([]string{}, cloned.RequiredCapabilities...)
			cloned.RequiredCapabilities = append(capabilities, jsonModeCapability)
		}
		constraints = &cloned
	}

	inputText := system + prompt + strings.Join(snippets, "")
	return &maestro.TaskRequest{
		TaskType:              request.TaskType,
		Complexity:            request.Complexity,
		EstimatedInputTokens:  cost.EstimateTextTokens(inputText),
		EstimatedOutputTokens: request.MaxTokens,
		TimeSensitivity:       request.TimeSensitivity,
		Constraints:           constraints,
	}
}

func (o *Orchestrator) observe(result *fallback.Result) {
	for i := 1; i < len(result.Attempts); i++ {
		o.metrics.RecordFallback(result.Attempts[i-1].Model, result.Attempts[i].Model)
	}
	if o.budget != nil {
		o.metrics.SetBudgetStatus(string(o.budget.Status()))
	}
}

// cacheable limits the response cache to deterministic sampling. Anything
// with non-zero temperature is expected to vary between runs.
func cacheable(request *Request) bool {
	return request.Temperature != nil && *request.Temperature == 0
}

type cachedResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

func requestCacheKey(request *Request) string {
	// Routing inputs belong in the key too: constraints or complexity can
	// steer the request to a different model, and cache hits report the
	// model that served them.
	keyed, err := json.Marshal(struct {
		TaskType        string                  `json:"task_type"`
		TemplateId      string                  `json:"template_id"`
		Variables       map[string]string       `json:"variables"`
		OutputFormat    string                  `json:"output_format"`
		Schema          json.RawMessage         `json:"schema"`
		ContextQuery    string                  `json:"context_query"`
		Complexity      maestro.Complexity      `json:"complexity"`
		TimeSensitivity maestro.TimeSensitivity `json:"time_sensitivity"`
		Constraints     *maestro.Constraints    `json:"constraints"`
		MaxTokens       int                     `json:"max_tokens"`
	}{
		TaskType:        request.TaskType,
		TemplateId:      request.TemplateId,
		Variables:       request.Variables,
		OutputFormat:    request.OutputFormat,
		Schema:          request.Schema,
		ContextQuery:    request.ContextQuery,
		Complexity:      request.Complexity,
		TimeSensitivity: request.TimeSensitivity,
		Constraints:     request.Constraints,
		MaxTokens:       request.MaxTokens,
	})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(keyed)
	return "response:" + hex.EncodeToString(sum[:])
}

func (o *Orchestrator) loadCached(ctx context.Context, key string) *Response {
	value, err := o.states.LoadCache(ctx, key)
	if err != nil {
		o.logger.Warnw("Cache load failed", "error", err)
		return nil
	}
	if value == nil {
		return nil
	}

	var cached cachedResponse
	if err := json.Unmarshal(value, &cached); err != nil {
		o.logger.Warnw("Dropping undecodable cache entry", "error", err)
		return nil
	}
	return &Response{
		RequestId: uuid.NewString(),
		Content:   cached.Content,
		Model:     cached.Model,
		Cached:    true,
	}
}

func (o *Orchestrator) saveCached(ctx context.Context, key string, response *Response) {
	value, err := json.Marshal(cachedResponse{Content: response.Content, Model: response.Model})
	if err != nil {
		return
	}
	if err := o.states.SaveCache(ctx, key, value, o.config.CacheDuration); err != nil {
		o.logger.Warnw("Cache save failed", "error", err)
	}
}

// fitContext folds retrieved snippets into the prompt for a specific model,
// shedding the oldest snippets until the estimated input fits the model's
// window. The caller's prompt itself is never dropped.
func fitContext(payload *provider.Request, model *maestro.ModelDescriptor) *provider.Request {
	if len(payload.Context) == 0 {
		return payload
	}

	items := payload.Context
	if model.ContextWindow > 0 {
		budget := model.ContextWindow - payload.MaxTokens
		for len(items) > 0 && cost.EstimateTextTokens(payload.System)+cost.EstimateTextTokens(renderContext(items, payload.Prompt)) > budget {
			items = items[1:]
		}
	}

	adapted := *payload
	adapted.Prompt = renderContext(items, payload.Prompt)
	adapted.Context = nil
	return &adapted
}

func renderContext(items []string, prompt string) string {
	if len(items) == 0 {
		return prompt
	}
	var builder strings.Builder
	builder.WriteString("Relevant context:\n")
	for _, item := range items {
		builder.WriteString("- ")
		builder.WriteString(item)
		builder.WriteString("\n")
	}
	builder.WriteString("\n")
	builder.WriteString(prompt)
	return builder.String()
}

// checkJson returns the list of contract violations in content: invalid JSON,
// or schema violations when a schema is given. Empty means acceptable.
func checkJson(content string, schema json.RawMessage) []string {
	var decoded any
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return []string{fmt.Sprintf("response is not valid JSON: %v", err)}
	}
	if len(schema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewStringLoader(content),
	)
	if err != nil {
		return []string{fmt.Sprintf("schema validation failed: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	return array.Map(result.Errors(), func(issue gojsonschema.ResultError) string {
		return issue.String()
	})
}

func correctivePrompt(prompt string, rejected string, issues []string) string {
	var builder strings.Builder
	builder.WriteString(prompt)
	builder.WriteString("\n\nYour previous response was rejected:\n")
	for _, issue := range issues {
		builder.WriteString("- ")
		builder.WriteString(issue)
		builder.WriteString("\n")
	}
	builder.WriteString("\nPrevious response:\n")
	builder.WriteString(rejected)
	builder.WriteString("\n\nRespond again with only the corrected JSON.")
	return builder.String()
}

// stripFences removes a markdown code fence around a JSON payload. Models
// add them even when asked not to.
func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
