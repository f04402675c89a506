package decision

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenlabs/maestro"
	"github.com/lumenlabs/maestro/heuristics"
	"github.com/lumenlabs/maestro/utils/array"
)

// NoCandidatesError is fatal: no candidate survived filtering and even the
// configured default model is unavailable.
type NoCandidatesError struct {
	TaskType string
}

func (e *NoCandidatesError) Error() string {
	return fmt.Sprintf("no candidate models for task type %q and no usable default", e.TaskType)
}

// ScoredCandidate pairs a model with its combined score for one request.
// Candidates are ephemeral; only decision records keep them.
type ScoredCandidate struct {
	Model         string  `json:"model"`
	Score         float64 `json:"score"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Reason explains how a selection was made.
type Reason string

const (
	ReasonPreferred Reason = "preferred_model"
	ReasonScored    Reason = "scored"
	ReasonDefault   Reason = "default_fallback"
)

// Record is the append-only audit entry for one selection.
type Record struct {
	Id         string              `json:"id"`
	Timestamp  time.Time           `json:"timestamp"`
	Request    maestro.TaskRequest `json:"request"`
	Candidates []ScoredCandidate   `json:"candidates,omitempty"`
	Selected   string              `json:"selected"`
	Reason     Reason              `json:"reason"`
}

// Recorder receives decision records for observability and later heuristic
// tuning.
type Recorder interface {
	Record(record Record)
}

// RingRecorder keeps the most recent records in memory for the admin surface.
type RingRecorder struct {
	mutex   sync.Mutex
	records []Record
	next    int
	filled  bool
}

func NewRingRecorder(capacity int) *RingRecorder {
	if capacity <= 0 {
		capacity = 256
	}
	return &RingRecorder{records: make([]Record, capacity)}
}

func (r *RingRecorder) Record(record Record) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.records[r.next] = record
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.filled = true
	}
}

// Recent returns the stored records, oldest first.
func (r *RingRecorder) Recent() []Record {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.filled {
		out := make([]Record, r.next)
		copy(out, r.records[:r.next])
		return out
	}
	out := make([]Record, 0, len(r.records))
	out = append(out, r.records[r.next:]...)
	out = append(out, r.records[:r.next]...)
	return out
}

// Weights combines the component scores. They are normalized to sum 1 at
// construction so configuration cannot silently over- or under-weight the
// total.
type Weights struct {
	Performance  float64 `yaml:"performance"`
	Cost         float64 `yaml:"cost"`
	FeatureMatch float64 `yaml:"feature_match"`
}

func DefaultWeights() Weights {
	return Weights{Performance: 0.5, Cost: 0.3, FeatureMatch: 0.2}
}

func (w Weights) normalized() Weights {
	total := w.Performance + w.Cost + w.FeatureMatch
	if total <= 0 {
		return DefaultWeights()
	}
	return Weights{
		Performance:  w.Performance / total,
		Cost:         w.Cost / total,
		FeatureMatch: w.FeatureMatch / total,
	}
}

// Config for the decision service.
type Config struct {
	Weights Weights `yaml:"weights"`

	// Model used when filtering leaves no candidates. The caller is never
	// left without a model while the default exists and is active.
	DefaultModel string `yaml:"default_model"`
}

// ModelSource is the registry surface the service needs.
type ModelSource interface {
	GetCandidates(requiredCapabilities []string) []*maestro.ModelDescriptor
	GetModel(id string) (*maestro.ModelDescriptor, error)
}

// PerformanceScorer scores a model's historical performance for a request.
type PerformanceScorer interface {
	Score(model string, request *maestro.TaskRequest) float64
}

// CostScorer scores and estimates request cost for a model.
type CostScorer interface {
	Score(model *maestro.ModelDescriptor, request *maestro.TaskRequest) float64
	EstimateCost(model *maestro.ModelDescriptor, request *maestro.TaskRequest) float64
}

// Service combines registry, performance, cost, and heuristic signals into a
// single model selection.
type Service struct {
	config      Config
	weights     Weights
	models      ModelSource
	performance PerformanceScorer
	costs       CostScorer
	rules       *heuristics.Engine
	recorder    Recorder
	clock       clock.Clock
	logger      *zap.SugaredLogger
}

func NewService(
	config Config,
	models ModelSource,
	performance PerformanceScorer,
	costs CostScorer,
	rules *heuristics.Engine,
	recorder Recorder,
	logger *zap.SugaredLogger,
) *Service {
	return newServiceWithClock(config, models, performance, costs, rules, recorder, clock.New(), logger)
}

func newServiceWithClock(
	config Config,
	models ModelSource,
	performance PerformanceScorer,
	costs CostScorer,
	rules *heuristics.Engine,
	recorder Recorder,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Service {
	return &Service{
		config:      config,
		weights:     config.Weights.normalized(),
		models:      models,
		performance: performance,
		costs:       costs,
		rules:       rules,
		recorder:    recorder,
		clock:       clk,
		logger:      logger,
	}
}

// SelectModel picks the model to execute the request on. It fails only with
// NoCandidatesError; every other degradation routes to the default model.
func (s *Service) SelectModel(request *maestro.TaskRequest) (string, error) {
	if err := request.Validate(); err != nil {
		return "", err
	}

	constraints := request.Constraints
	var required []string
	if constraints != nil {
		required = constraints.RequiredCapabilities
	}

	// Caller-forced routing: an active preferred model satisfying the hard
	// constraints short-circuits scoring entirely.
	if constraints != nil && constraints.PreferredModel != "" {
		if model, err := s.models.GetModel(constraints.PreferredModel); err == nil {
			if model.Status == maestro.ModelStatusActive && s.satisfiesConstraints(model, request) {
				s.emit(request, nil, model.Id, ReasonPreferred)
				return model.Id, nil
			}
			s.logger.Warnw("Preferred model rejected by constraints", "model", constraints.PreferredModel)
		} else {
			s.logger.Warnw("Preferred model not in registry", "model", constraints.PreferredModel)
		}
	}

	candidates := s.models.GetCandidates(required)
	candidates = array.Filter(candidates, func(model *maestro.ModelDescriptor) bool {
		return s.satisfiesConstraints(model, request)
	})

	if len(candidates) == 0 {
		return s.selectDefault(request)
	}

	scores := make(map[string]float64, len(candidates))
	byId := make(map[string]*maestro.ModelDescriptor, len(candidates))
	estimates := make(map[string]float64, len(candidates))
	for _, model := range candidates {
		performanceScore := s.performance.Score(model.Id, request)
		costScore := s.costs.Score(model, request)
		featureScore := featureMatchScore(model, request)
		scores[model.Id] = performanceScore*s.weights.Performance +
			costScore*s.weights.Cost +
			featureScore*s.weights.FeatureMatch
		byId[model.Id] = model
		estimates[model.Id] = s.costs.EstimateCost(model, request)
	}

	scores = s.rules.Apply(scores, request, byId)

	ranked := make([]ScoredCandidate, 0, len(scores))
	for id, score := range scores {
		ranked = append(ranked, ScoredCandidate{Model: id, Score: score, EstimatedCost: estimates[id]})
	}
	s.rank(ranked, request)

	selected := ranked[0].Model
	s.emit(request, ranked, selected, ReasonScored)
	return selected, nil
}

// selectDefault is the degradation path when filtering leaves nothing.
func (s *Service) selectDefault(request *maestro.TaskRequest) (string, error) {
	if s.config.DefaultModel != "" {
		model, err := s.models.GetModel(s.config.DefaultModel)
		if err == nil && model.Status == maestro.ModelStatusActive {
			s.logger.Warnw("No candidates satisfied constraints, using default model",
				"task_type", request.TaskType, "default", s.config.DefaultModel)
			s.emit(request, nil, model.Id, ReasonDefault)
			return model.Id, nil
		}
	}
	return "", &NoCandidatesError{TaskType: request.TaskType}
}

// rank sorts by score descending, breaking ties by lowest estimated cost and
// then by the caller's provider preference order.
func (s *Service) rank(ranked []ScoredCandidate, request *maestro.TaskRequest) {
	var preference []string
	if request.Constraints != nil {
		preference = request.Constraints.ProviderPreference
	}
	providerRank := func(model string) int {
		descriptor, err := s.models.GetModel(model)
		if err != nil {
			return len(preference)
		}
		for i, provider := range preference {
			if descriptor.Provider == provider {
				return i
			}
		}
		return len(preference)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].EstimatedCost != ranked[j].EstimatedCost {
			return ranked[i].EstimatedCost < ranked[j].EstimatedCost
		}
		if len(preference) > 0 {
			ri, rj := providerRank(ranked[i].Model), providerRank(ranked[j].Model)
			if ri != rj {
				return ri < rj
			}
		}
		return ranked[i].Model < ranked[j].Model
	})
}

func (s *Service) satisfiesConstraints(model *maestro.ModelDescriptor, request *maestro.TaskRequest) bool {
	constraints := request.Constraints
	if constraints == nil {
		return true
	}
	for _, tag := range constraints.RequiredCapabilities {
		if !model.HasCapability(tag) {
			return false
		}
	}
	if constraints.MaxCost > 0 && s.costs.EstimateCost(model, request) > constraints.MaxCost {
		return false
	}
	if constraints.MaxLatency > 0 && model.AverageLatency > constraints.MaxLatency {
		return false
	}
	return true
}

// featureMatchScore is the fraction of desired tags (the task type plus any
// required capabilities) the model carries as a capability or
// specialization.
func featureMatchScore(model *maestro.ModelDescriptor, request *maestro.TaskRequest) float64 {
	desired := []string{request.TaskType}
	if request.Constraints != nil {
		desired = append(desired, request.Constraints.RequiredCapabilities...)
	}
	matched := 0
	for _, tag := range desired {
		if model.HasCapability(tag) || model.HasSpecialization(tag) {
			matched++
		}
	}
	return float64(matched) / float64(len(desired))
}

func (s *Service) emit(request *maestro.TaskRequest, candidates []ScoredCandidate, selected string, reason Reason) {
	record := Record{
		Id:         uuid.NewString(),
		Timestamp:  s.clock.Now(),
		Request:    *request,
		Candidates: candidates,
		Selected:   selected,
		Reason:     reason,
	}
	if s.recorder != nil {
		s.recorder.Record(record)
	}
	s.logger.Infow("Model selected",
		"decision_id", record.Id,
		"task_type", request.TaskType,
		"selected", selected,
		"reason", reason,
		"candidates", len(candidates))
}
