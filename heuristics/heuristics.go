package heuristics

import (
	"time"

	"go.uber.org/zap"

	"github.com/lumenlabs/maestro"
	"github.com/lumenlabs/maestro/utils/array"
)

// Rule adjusts the score of every model whose condition holds. Rules are
// evaluated independently and applied in registration order; when several
// rules match the same model their multipliers stack.
type Rule struct {
	// Name identifies the rule in logs and decision records.
	Name string

	// Condition decides whether the rule applies to this (request, model)
	// pair. Must be pure.
	Condition func(request *maestro.TaskRequest, model *maestro.ModelDescriptor) bool

	// Multiplier applied to the model's score when the condition holds.
	Multiplier float64
}

// Config tunes the built-in rules.
type Config struct {
	// Task types treated as code work. E.g., {"code_generation", "code_review"}
	CodeTaskTypes []string `yaml:"code_task_types"`

	// Estimated input tokens above which large-context models are boosted.
	LargeContextTokenThreshold int `yaml:"large_context_token_threshold"`

	// Catalog latency at or below which a model counts as fast.
	FastLatencyThreshold time.Duration `yaml:"fast_latency_threshold"`

	CodeSpecialistMultiplier float64 `yaml:"code_specialist_multiplier"`
	LargeContextMultiplier   float64 `yaml:"large_context_multiplier"`
	FastModelMultiplier      float64 `yaml:"fast_model_multiplier"`
}

func DefaultConfig() Config {
	return Config{
		CodeTaskTypes:              []string{"code_generation", "code_review", "debugging"},
		LargeContextTokenThreshold: 4000,
		FastLatencyThreshold:       2 * time.Second,
		CodeSpecialistMultiplier:   1.5,
		LargeContextMultiplier:     2.0,
		FastModelMultiplier:        3.0,
	}
}

// Engine applies the rule pipeline to a candidate score map.
type Engine struct {
	rules  []Rule
	logger *zap.SugaredLogger
}

// NewEngine builds an engine carrying the built-in rules in their documented
// order. Additional rules registered later run after them.
func NewEngine(config Config, logger *zap.SugaredLogger) *Engine {
	defaults := DefaultConfig()
	if len(config.CodeTaskTypes) == 0 {
		config.CodeTaskTypes = defaults.CodeTaskTypes
	}
	if config.LargeContextTokenThreshold <= 0 {
		config.LargeContextTokenThreshold = defaults.LargeContextTokenThreshold
	}
	if config.FastLatencyThreshold <= 0 {
		config.FastLatencyThreshold = defaults.FastLatencyThreshold
	}
	if config.CodeSpecialistMultiplier <= 0 {
		config.CodeSpecialistMultiplier = defaults.CodeSpecialistMultiplier
	}
	if config.LargeContextMultiplier <= 0 {
		config.LargeContextMultiplier = defaults.LargeContextMultiplier
	}
	if config.FastModelMultiplier <= 0 {
		config.FastModelMultiplier = defaults.FastModelMultiplier
	}

	engine := &Engine{logger: logger}
	engine.Register(Rule{
		Name: "prefer_specialized_for_code",
		Condition: func(request *maestro.TaskRequest, model *maestro.ModelDescriptor) bool {
			return array.Contains(config.CodeTaskTypes, request.TaskType) &&
				model.HasSpecialization("code_generation")
		},
		Multiplier: config.CodeSpecialistMultiplier,
	})
	engine.Register(Rule{
		Name: "prefer_large_context",
		Condition: func(request *maestro.TaskRequest, model *maestro.ModelDescriptor) bool {
			return request.EstimatedInputTokens > config.LargeContextTokenThreshold &&
				model.HasSpecialization("large_context")
		},
		Multiplier: config.LargeContextMultiplier,
	})
	engine.Register(Rule{
		Name: "prefer_fast_models",
		Condition: func(request *maestro.TaskRequest, model *maestro.ModelDescriptor) bool {
			if request.TimeSensitivity != maestro.TimeSensitivityHigh &&
				request.TimeSensitivity != maestro.TimeSensitivityCritical {
				return false
			}
			return model.AverageLatency > 0 && model.AverageLatency <= config.FastLatencyThreshold
		},
		Multiplier: config.FastModelMultiplier,
	})
	return engine
}

// Register appends a rule to the end of the pipeline.
func (e *Engine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Apply returns a new score map with every matching rule's multiplier
// applied. The input map is not mutated.
func (e *Engine) Apply(scores map[string]float64, request *maestro.TaskRequest, models map[string]*maestro.ModelDescriptor) map[string]float64 {
	adjusted := make(map[string]float64, len(scores))
	for id, score := range scores {
		adjusted[id] = score
	}

	for _, rule := range e.rules {
		for id := range adjusted {
			model, exists := models[id]
			if !exists {
				continue
			}
			if rule.Condition(request, model) {
				adjusted[id] *= rule.Multiplier
				e.logger.Debugw("Heuristic applied", "rule", rule.Name, "model", id, "multiplier", rule.Multiplier)
			}
		}
	}
	return adjusted
}
