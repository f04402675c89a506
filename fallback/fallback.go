package fallback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/lumenlabs/maestro"
	"github.com/lumenlabs/maestro/provider"
	"github.com/lumenlabs/maestro/utils/array"
)

// State of one request's execution. Transitions follow the table in
// validTransitions; anything else is a programming error.
type State string

const (
	StateSelecting   State = "selecting"
	StateExecuting   State = "executing"
	StateRetrying    State = "retrying"
	StateFallingBack State = "falling_back"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

var validTransitions = map[State][]State{
	// Selecting may skip straight to FallingBack when the selected model
	// cannot even be attempted (catalog race, missing endpoint).
	StateSelecting:   {StateExecuting, StateFallingBack, StateFailed},
	StateExecuting:   {StateSucceeded, StateRetrying, StateFallingBack, StateFailed},
	// Retrying can fail outright: the caller's deadline may elapse during
	// the backoff wait, before the next Executing pass starts.
	StateRetrying:    {StateExecuting, StateFailed},
	StateFallingBack: {StateExecuting, StateFallingBack, StateFailed},
}

// Attempt summarizes the engine's dealings with one model: how many times it
// was tried and the final error if it never succeeded.
type Attempt struct {
	Model string `json:"model"`
	Tries int    `json:"tries"`
	Error string `json:"error,omitempty"`
}

// AllModelsFailedError is fatal: the selected model and its whole fallback
// chain failed. It carries the attempt history for diagnosis.
type AllModelsFailedError struct {
	Attempts []Attempt
}

func (e *AllModelsFailedError) Error() string {
	models := array.Map(e.Attempts, func(a Attempt) string { return a.Model })
	return fmt.Sprintf("all models failed: %s", strings.Join(models, ", "))
}

// TimeoutError reports that the caller's deadline elapsed before any model
// succeeded. It also carries the attempts made so far.
type TimeoutError struct {
	Attempts []Attempt
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request deadline exceeded after %d model(s)", len(e.Attempts))
}

// RetryPolicy bounds retries of transient failures on the primary model.
// Fallback models get exactly one pass each, keeping total latency bounded.
type RetryPolicy struct {
	// Maximum Executing passes on the primary model. E.g., 3
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff before retry attempt n is BaseDelay * 2^n, capped at MaxDelay.
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (zero-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay << uint(attempt)
	if delay > p.MaxDelay || delay <= 0 {
		return p.MaxDelay
	}
	return delay
}

// Config for the engine.
type Config struct {
	Retry RetryPolicy `yaml:"retry"`

	// Chains consulted when the primary model fails, keyed by model id or
	// task type. A caller-supplied fallback list overrides them.
	Chains maestro.FallbackChains `yaml:"chains"`

	// How long a model that exhausted its retries is kept out of selection.
	CooldownDuration time.Duration `yaml:"cooldown_duration"`
}

// Result of a handled request.
type Result struct {
	Response *provider.Response

	// Model that ultimately served the request. May differ from the
	// original selection when a fallback served it.
	Model string `json:"model"`

	// True when a fallback model served the request.
	FromFallback bool `json:"from_fallback"`

	Attempts []Attempt `json:"attempts"`
}

// Selector is the decision service surface the engine needs.
type Selector interface {
	SelectModel(request *maestro.TaskRequest) (string, error)
}

// ModelSource resolves model ids to descriptors.
type ModelSource interface {
	GetModel(id string) (*maestro.ModelDescriptor, error)
}

// OutcomeTracker receives the outcome of every attempt. The performance
// tracker implements it.
type OutcomeTracker interface {
	RecordSuccess(model string, taskType string, latency time.Duration)
	RecordFailure(model string, taskType string, latency time.Duration, err error)
}

// SpendRecorder receives the realized cost of successful requests, attributed
// to the model that served them.
type SpendRecorder interface {
	RecordSpend(model string, amount float64)
}

// Cooldowner keeps failing models out of rotation for a while. The state
// manager implements it.
type Cooldowner interface {
	Allow(ctx context.Context, providerName string, model string, interval time.Duration) (bool, time.Duration, error)
	Disable(ctx context.Context, providerName string, model string, duration time.Duration) error
}

// Engine executes requests against the selected model, retrying transient
// failures with exponential backoff and walking the fallback chain when the
// model is beyond saving. Each request runs its own state machine; the only
// shared state is the injected trackers.
type Engine struct {
	config    Config
	selector  Selector
	models    ModelSource
	endpoints map[string]provider.Endpoint
	outcomes  OutcomeTracker
	spend     SpendRecorder
	cooldowns Cooldowner
	adapter   PayloadAdapter
	clock     clock.Clock
	logger    *zap.SugaredLogger
}

// PayloadAdapter rewrites the payload for the specific model about to run
// it, e.g. pruning retrieved context down to the model's window.
type PayloadAdapter func(payload *provider.Request, model *maestro.ModelDescriptor) *provider.Request

// SetPayloadAdapter installs the per-model payload hook. Must be called
// before Handle.
func (e *Engine) SetPayloadAdapter(adapter PayloadAdapter) {
	e.adapter = adapter
}

func NewEngine(
	config Config,
	selector Selector,
	models ModelSource,
	endpoints map[string]provider.Endpoint,
	outcomes OutcomeTracker,
	spend SpendRecorder,
	cooldowns Cooldowner,
	logger *zap.SugaredLogger,
) *Engine {
	return newEngineWithClock(config, selector, models, endpoints, outcomes, spend, cooldowns, clock.New(), logger)
}

func newEngineWithClock(
	config Config,
	selector Selector,
	models ModelSource,
	endpoints map[string]provider.Endpoint,
	outcomes OutcomeTracker,
	spend SpendRecorder,
	cooldowns Cooldowner,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Engine {
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = DefaultRetryPolicy()
	}
	if config.CooldownDuration <= 0 {
		config.CooldownDuration = time.Minute
	}
	return &Engine{
		config:    config,
		selector:  selector,
		models:    models,
		endpoints: endpoints,
		outcomes:  outcomes,
		spend:     spend,
		cooldowns: cooldowns,
		clock:     clk,
		logger:    logger,
	}
}

// execution is the per-request state machine instance.
type execution struct {
	engine   *Engine
	request  *maestro.TaskRequest
	payload  *provider.Request
	state    State
	attempts []Attempt
}

func (x *execution) transition(to State) {
	if !array.Contains(validTransitions[x.state], to) {
		// Transition table violations are bugs, not runtime conditions.
		panic(fmt.Sprintf("invalid state transition %s -> %s", x.state, to))
	}
	x.engine.logger.Debugw("Request state transition", "from", x.state, "to", to)
	x.state = to
}

// Handle selects a model and runs the request through retries and fallbacks.
// The context deadline bounds everything: retries, backoff waits, and
// fallback attempts combined.
func (e *Engine) Handle(ctx context.Context, request *maestro.TaskRequest, payload *provider.Request) (*Result, error) {
	x := &execution{engine: e, request: request, payload: payload, state: StateSelecting}

	primary, err := e.selector.SelectModel(request)
	if err != nil {
		x.transition(StateFailed)
		return nil, err
	}

	chain := e.chainFor(primary, request)
	for i, model := range chain {
		isPrimary := i == 0
		if err := ctx.Err(); err != nil {
			x.transition(StateFailed)
			return nil, &TimeoutError{Attempts: x.attempts}
		}

		response, err := x.tryModel(ctx, model, isPrimary)
		if err == nil {
			x.transition(StateSucceeded)
			return &Result{
				Response:     response,
				Model:        model,
				FromFallback: !isPrimary,
				Attempts:     x.attempts,
			}, nil
		}
		if ctx.Err() != nil {
			// The deadline elapsed mid-attempt; never continue to a
			// further fallback past the caller's deadline.
			x.transition(StateFailed)
			return nil, &TimeoutError{Attempts: x.attempts}
		}

		if i < len(chain)-1 {
			x.transition(StateFallingBack)
			e.logger.Warnw("Falling back to next model",
				"failed_model", model, "next_model", chain[i+1], "error", err)
		}
	}

	x.transition(StateFailed)
	return nil, &AllModelsFailedError{Attempts: x.attempts}
}

// tryModel runs the Executing passes for one model: up to MaxAttempts with
// backoff for the primary, a single pass for fallbacks. The recorded Attempt
// covers all passes on this model.
func (x *execution) tryModel(ctx context.Context, model string, isPrimary bool) (*provider.Response, error) {
	e := x.engine
	attempt := Attempt{Model: model}
	defer func() { x.attempts = append(x.attempts, attempt) }()

	descriptor, err := e.models.GetModel(model)
	if err != nil {
		attempt.Error = err.Error()
		return nil, err
	}
	if descriptor.Status != maestro.ModelStatusActive {
		err := fmt.Errorf("model %s is disabled", model)
		attempt.Error = err.Error()
		return nil, err
	}

	endpoint, exists := e.endpoints[descriptor.Provider]
	if !exists {
		err := fmt.Errorf("no endpoint for provider %s", descriptor.Provider)
		attempt.Error = err.Error()
		return nil, err
	}

	if e.cooldowns != nil {
		allowed, waiting, err := e.cooldowns.Allow(ctx, descriptor.Provider, model, 0)
		if err != nil {
			e.logger.Warnw("Cooldown check failed, proceeding", "model", model, "error", err)
		} else if !allowed {
			err := fmt.Errorf("model %s cooling down for %s", model, waiting)
			attempt.Error = err.Error()
			return nil, err
		}
	}

	maxAttempts := 1
	if isPrimary {
		maxAttempts = e.config.Retry.MaxAttempts
	}

	var lastErr error
	for try := 0; try < maxAttempts; try++ {
		x.transition(StateExecuting)
		attempt.Tries++

		payload := *x.payload
		payload.Model = model
		if e.adapter != nil {
			payload = *e.adapter(&payload, descriptor)
		}
		started := e.clock.Now()
		response, err := endpoint.Generate(ctx, &payload)
		latency := e.clock.Now().Sub(started)

		if err == nil {
			e.outcomes.RecordSuccess(model, x.request.TaskType, latency)
			if e.spend != nil {
				e.spend.RecordSpend(model, descriptor.EstimatedCost(response.PromptTokens, response.CompletionTokens))
			}
			return response, nil
		}

		e.outcomes.RecordFailure(model, x.request.TaskType, latency, err)
		e.logger.Warnw("Model attempt failed",
			"model", model, "attempt", attempt.Tries, "transient", provider.IsTransient(err), "error", err)
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if !provider.IsTransient(err) {
			break
		}
		if try < maxAttempts-1 {
			x.transition(StateRetrying)
			if err := e.wait(ctx, e.config.Retry.Backoff(try)); err != nil {
				break
			}
		}
	}

	if isPrimary && e.cooldowns != nil && provider.IsTransient(lastErr) {
		if err := e.cooldowns.Disable(ctx, descriptor.Provider, model, e.config.CooldownDuration); err != nil {
			e.logger.Warnw("Failed to set model cooldown", "model", model, "error", err)
		}
	}

	attempt.Error = lastErr.Error()
	return nil, lastErr
}

// wait blocks for the backoff delay, abandoning early when the caller's
// deadline elapses.
func (e *Engine) wait(ctx context.Context, delay time.Duration) error {
	timer := e.clock.Timer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// chainFor builds the ordered list of models to try: the primary followed by
// the caller-supplied or configured fallback chain, deduplicated.
func (e *Engine) chainFor(primary string, request *maestro.TaskRequest) []string {
	var fallbacks []string
	if request.Constraints != nil && len(request.Constraints.FallbackModels) > 0 {
		fallbacks = request.Constraints.FallbackModels
	} else {
		fallbacks = e.config.Chains.ChainFor(primary, request.TaskType)
	}

	chain := []string{primary}
	for _, model := range fallbacks {
		if !array.Contains(chain, model) {
			chain = append(chain, model)
		}
	}
	return chain
}
