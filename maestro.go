package maestro

import (
	"fmt"
	"time"
)

// ModelStatus indicates whether a model may be selected.
// Transitions are monotonic from active to disabled; a disabled model only
// comes back through an explicit re-activation by an administrator.
type ModelStatus string

const (
	ModelStatusActive   ModelStatus = "active"
	ModelStatusDisabled ModelStatus = "disabled"
)

// DeploymentMode describes how a model is hosted.
type DeploymentMode string

const (
	DeploymentHosted     DeploymentMode = "hosted"
	DeploymentSelfHosted DeploymentMode = "self_hosted"
	DeploymentFineTuned  DeploymentMode = "fine_tuned"
)

// Complexity classifies how demanding a task is. It scales the baseline
// output-token estimate used for cost scoring.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
	ComplexityExpert  Complexity = "expert"
)

// OutputMultiplier returns the factor applied to the task-type baseline
// output estimate for this complexity.
func (c Complexity) OutputMultiplier() float64 {
	switch c {
	case ComplexitySimple:
		return 0.5
	case ComplexityComplex, ComplexityExpert:
		return 2.0
	default:
		return 1.0
	}
}

// TimeSensitivity expresses how latency-sensitive a request is.
type TimeSensitivity string

const (
	TimeSensitivityLow      TimeSensitivity = "low"
	TimeSensitivityNormal   TimeSensitivity = "normal"
	TimeSensitivityHigh     TimeSensitivity = "high"
	TimeSensitivityCritical TimeSensitivity = "critical"
)

// ModelDescriptor is a catalog entry for one model the orchestrator can
// route to. Descriptors are configuration: they are created and updated by
// registry maintenance and read-only to request processing.
type ModelDescriptor struct {
	// Unique model identifier within the registry. E.g., "gpt-4o-mini"
	Id string `yaml:"id" json:"id"`

	// Provider that serves the model. E.g., "openai", "claude", "gemini"
	Provider string `yaml:"provider" json:"provider"`

	// How the model is deployed. E.g., "hosted"
	Deployment DeploymentMode `yaml:"deployment" json:"deployment"`

	// Rough size class, used by heuristics. E.g., "small", "medium", "large"
	SizeCategory string `yaml:"size_category" json:"size_category,omitempty"`

	// Maximum context window in tokens.
	ContextWindow int `yaml:"context_window" json:"context_window"`

	// General capability tags. E.g., {"chat", "tools", "json_mode"}
	Capabilities []string `yaml:"capabilities" json:"capabilities,omitempty"`

	// Specialization tags used by heuristics.
	// E.g., {"code_generation", "large_context"}
	Specializations []string `yaml:"specializations" json:"specializations,omitempty"`

	// Price in USD per 1,000 input tokens.
	InputCostPer1K float64 `yaml:"input_cost_per_1k" json:"input_cost_per_1k"`

	// Price in USD per 1,000 output tokens.
	OutputCostPer1K float64 `yaml:"output_cost_per_1k" json:"output_cost_per_1k"`

	// Typical request latency, from catalog maintenance measurements.
	AverageLatency time.Duration `yaml:"average_latency" json:"average_latency"`

	Status ModelStatus `yaml:"status" json:"status"`
}

// HasCapability reports whether the descriptor carries the given capability tag.
func (m *ModelDescriptor) HasCapability(tag string) bool {
	for _, capability := range m.Capabilities {
		if capability == tag {
			return true
		}
	}
	return false
}

// HasSpecialization reports whether the descriptor carries the given
// specialization tag.
func (m *ModelDescriptor) HasSpecialization(tag string) bool {
	for _, specialization := range m.Specializations {
		if specialization == tag {
			return true
		}
	}
	return false
}

// EstimatedCost returns the USD cost of a request with the given token counts.
func (m *ModelDescriptor) EstimatedCost(inputTokens int, outputTokens int) float64 {
	return float64(inputTokens)*m.InputCostPer1K/1000.0 +
		float64(outputTokens)*m.OutputCostPer1K/1000.0
}

// Constraints are optional hard requirements a caller attaches to a request.
// A model violating any of them is excluded before scoring.
type Constraints struct {
	// Maximum estimated USD cost for the request.
	MaxCost float64 `yaml:"max_cost" json:"max_cost,omitempty"`

	// Maximum acceptable average latency.
	MaxLatency time.Duration `yaml:"max_latency" json:"max_latency,omitempty"`

	// Caller-forced model. If it is active and satisfies the other
	// constraints, selection short-circuits to it without scoring.
	PreferredModel string `yaml:"preferred_model" json:"preferred_model,omitempty"`

	// Ordered provider preference, used only to break score ties.
	ProviderPreference []string `yaml:"provider_preference" json:"provider_preference,omitempty"`

	// Capability tags every candidate must carry.
	RequiredCapabilities []string `yaml:"required_capabilities" json:"required_capabilities,omitempty"`

	// Caller-supplied fallback list, overriding the configured chain.
	FallbackModels []string `yaml:"fallback_models" json:"fallback_models,omitempty"`
}

// TaskRequest describes one unit of work to route. It is immutable once
// scoring begins; the decision and fallback layers only read it.
type TaskRequest struct {
	// Task type. E.g., "code_generation", "summarization"
	TaskType string `json:"task_type"`

	Complexity Complexity `json:"complexity"`

	// Estimated prompt size in tokens.
	EstimatedInputTokens int `json:"estimated_input_tokens"`

	// Estimated completion size in tokens. Zero means "use the task-type
	// baseline scaled by complexity".
	EstimatedOutputTokens int `json:"estimated_output_tokens,omitempty"`

	TimeSensitivity TimeSensitivity `json:"time_sensitivity,omitempty"`

	Constraints *Constraints `json:"constraints,omitempty"`
}

// FallbackChains maps a model identifier or task type to the ordered list of
// models tried when the primary selection fails. Chains are configuration and
// never mutated by request processing.
type FallbackChains map[string][]string

// ChainFor returns the fallback chain for a model, preferring a per-model
// chain over the task-type chain.
func (f FallbackChains) ChainFor(modelId string, taskType string) []string {
	if chain, ok := f[modelId]; ok {
		return chain
	}
	if chain, ok := f[taskType]; ok {
		return chain
	}
	return nil
}

// Validate rejects requests the router cannot meaningfully score.
func (t *TaskRequest) Validate() error {
	if t.TaskType == "" {
		return fmt.Errorf("task type must not be empty")
	}
	if t.EstimatedInputTokens < 0 || t.EstimatedOutputTokens < 0 {
		return fmt.Errorf("token estimates must not be negative")
	}
	switch t.Complexity {
	case "", ComplexitySimple, ComplexityMedium, ComplexityComplex, ComplexityExpert:
	default:
		return fmt.Errorf("unknown complexity: %s", t.Complexity)
	}
	return nil
}
