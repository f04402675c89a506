package decision

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/lumenlabs/maestro"
	"github.com/lumenlabs/maestro/cost"
	"github.com/lumenlabs/maestro/heuristics"
	"github.com/lumenlabs/maestro/performance"
	"github.com/lumenlabs/maestro/registry"
)

func newService(t *testing.T, config Config, models []maestro.ModelDescriptor) (*Service, *RingRecorder) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	catalog := registry.New(logger)
	assert.NoError(t, catalog.Load(models))

	recorder := NewRingRecorder(16)
	service := NewService(
		config,
		catalog,
		performance.NewTracker(performance.Config{}, logger),
		cost.NewManager(cost.Config{PerTaskBudget: 1.0}, logger),
		heuristics.NewEngine(heuristics.Config{}, logger),
		recorder,
		logger,
	)
	return service, recorder
}

func TestSelectModel(t *testing.T) {
	models := []maestro.ModelDescriptor{
		{
			Id:             "generalist",
			Provider:       "openai",
			Capabilities:   []string{"chat"},
			InputCostPer1K: 0.0001, OutputCostPer1K: 0.0002,
		},
		{
			Id:              "coder",
			Provider:        "claude",
			Capabilities:    []string{"chat"},
			Specializations: []string{"code_generation"},
			InputCostPer1K:  0.0001, OutputCostPer1K: 0.0002,
		},
	}

	t.Run("Rejects invalid requests", func(t *testing.T) {
		service, _ := newService(t, Config{}, models)

		_, err := service.SelectModel(&maestro.TaskRequest{})
		assert.Error(t, err)
	})

	t.Run("Specialization wins code tasks", func(t *testing.T) {
		service, recorder := newService(t, Config{}, models)

		selected, err := service.SelectModel(&maestro.TaskRequest{
			TaskType:   "code_generation",
			Complexity: maestro.ComplexityMedium,
		})
		assert.NoError(t, err)
		assert.Equal(t, "coder", selected)

		records := recorder.Recent()
		assert.Len(t, records, 1)
		assert.Equal(t, ReasonScored, records[0].Reason)
		assert.Len(t, records[0].Candidates, 2)
	})

	t.Run("Preferred model short-circuits scoring", func(t *testing.T) {
		service, recorder := newService(t, Config{}, models)

		selected, err := service.SelectModel(&maestro.TaskRequest{
			TaskType:    "code_generation",
			Complexity:  maestro.ComplexityMedium,
			Constraints: &maestro.Constraints{PreferredModel: "generalist"},
		})
		assert.NoError(t, err)
		assert.Equal(t, "generalist", selected)

		records := recorder.Recent()
		assert.Len(t, records, 1)
		assert.Equal(t, ReasonPreferred, records[0].Reason)
		assert.Empty(t, records[0].Candidates)
	})

	t.Run("Unknown preferred model falls back to scoring", func(t *testing.T) {
		service, recorder := newService(t, Config{}, models)

		selected, err := service.SelectModel(&maestro.TaskRequest{
			TaskType:    "chat",
			Complexity:  maestro.ComplexityMedium,
			Constraints: &maestro.Constraints{PreferredModel: "retired-model"},
		})
		assert.NoError(t, err)
		assert.NotEmpty(t, selected)
		assert.Equal(t, ReasonScored, recorder.Recent()[0].Reason)
	})

	t.Run("Constraints exclude expensive and slow models", func(t *testing.T) {
		constrained := append([]maestro.ModelDescriptor{}, models...)
		constrained = append(constrained, maestro.ModelDescriptor{
			Id:             "pricey",
			Provider:       "openai",
			Capabilities:   []string{"chat"},
			InputCostPer1K: 5, OutputCostPer1K: 10,
			AverageLatency: time.Minute,
		})
		service, recorder := newService(t, Config{}, constrained)

		selected, err := service.SelectModel(&maestro.TaskRequest{
			TaskType:             "chat",
			Complexity:           maestro.ComplexityMedium,
			EstimatedInputTokens: 1000,
			Constraints: &maestro.Constraints{
				MaxCost:    0.01,
				MaxLatency: 10 * time.Second,
			},
		})
		assert.NoError(t, err)
		assert.NotEqual(t, "pricey", selected)
		assert.Len(t, recorder.Recent()[0].Candidates, 2)
	})

	t.Run("Required capabilities narrow the field", func(t *testing.T) {
		service, _ := newService(t, Config{}, []maestro.ModelDescriptor{
			{Id: "plain", Provider: "openai", Capabilities: []string{"chat"}},
			{Id: "structured", Provider: "openai", Capabilities: []string{"chat", "json_mode"}},
		})

		selected, err := service.SelectModel(&maestro.TaskRequest{
			TaskType:    "extraction",
			Complexity:  maestro.ComplexityMedium,
			Constraints: &maestro.Constraints{RequiredCapabilities: []string{"json_mode"}},
		})
		assert.NoError(t, err)
		assert.Equal(t, "structured", selected)
	})

	t.Run("Default model serves when nothing qualifies", func(t *testing.T) {
		service, recorder := newService(t, Config{DefaultModel: "generalist"}, models)

		selected, err := service.SelectModel(&maestro.TaskRequest{
			TaskType:    "chat",
			Complexity:  maestro.ComplexityMedium,
			Constraints: &maestro.Constraints{RequiredCapabilities: []string{"vision"}},
		})
		assert.NoError(t, err)
		assert.Equal(t, "generalist", selected)
		assert.Equal(t, ReasonDefault, recorder.Recent()[0].Reason)
	})

	t.Run("No candidates and no default is an error", func(t *testing.T) {
		service, _ := newService(t, Config{}, models)

		_, err := service.SelectModel(&maestro.TaskRequest{
			TaskType:    "chat",
			Complexity:  maestro.ComplexityMedium,
			Constraints: &maestro.Constraints{RequiredCapabilities: []string{"vision"}},
		})
		var noCandidates *NoCandidatesError
		assert.ErrorAs(t, err, &noCandidates)
		assert.Equal(t, "chat", noCandidates.TaskType)
	})

	t.Run("Ties break toward the cheaper model", func(t *testing.T) {
		service, _ := newService(t, Config{}, []maestro.ModelDescriptor{
			{Id: "a-costly", Provider: "openai", InputCostPer1K: 2, OutputCostPer1K: 2},
			{Id: "b-cheap", Provider: "openai", InputCostPer1K: 1, OutputCostPer1K: 1},
		})

		// Both cost scores clamp to zero against the per-task budget, so the
		// combined scores tie and the estimate decides.
		selected, err := service.SelectModel(&maestro.TaskRequest{
			TaskType:             "chat",
			Complexity:           maestro.ComplexityMedium,
			EstimatedInputTokens: 10000,
		})
		assert.NoError(t, err)
		assert.Equal(t, "b-cheap", selected)
	})

	t.Run("Provider preference breaks exact ties", func(t *testing.T) {
		service, _ := newService(t, Config{}, []maestro.ModelDescriptor{
			{Id: "a-openai", Provider: "openai"},
			{Id: "b-gemini", Provider: "gemini"},
		})

		selected, err := service.SelectModel(&maestro.TaskRequest{
			TaskType:    "chat",
			Complexity:  maestro.ComplexityMedium,
			Constraints: &maestro.Constraints{ProviderPreference: []string{"gemini", "openai"}},
		})
		assert.NoError(t, err)
		assert.Equal(t, "b-gemini", selected)
	})

	t.Run("Records carry the selection time", func(t *testing.T) {
		logger := zaptest.NewLogger(t).Sugar()
		catalog := registry.New(logger)
		assert.NoError(t, catalog.Load(models))

		mock := clock.NewMock()
		mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		recorder := NewRingRecorder(4)
		service := newServiceWithClock(
			Config{},
			catalog,
			performance.NewTracker(performance.Config{}, logger),
			cost.NewManager(cost.Config{PerTaskBudget: 1.0}, logger),
			heuristics.NewEngine(heuristics.Config{}, logger),
			recorder,
			mock,
			logger,
		)

		_, err := service.SelectModel(&maestro.TaskRequest{
			TaskType:   "chat",
			Complexity: maestro.ComplexityMedium,
		})
		assert.NoError(t, err)
		assert.Equal(t, mock.Now(), recorder.Recent()[0].Timestamp)
	})

	t.Run("Disabled models never surface", func(t *testing.T) {
		disabled := []maestro.ModelDescriptor{
			{Id: "coder", Provider: "claude", Specializations: []string{"code_generation"}, Status: maestro.ModelStatusDisabled},
			{Id: "generalist", Provider: "openai"},
		}
		service, _ := newService(t, Config{}, disabled)

		selected, err := service.SelectModel(&maestro.TaskRequest{
			TaskType:   "code_generation",
			Complexity: maestro.ComplexityMedium,
		})
		assert.NoError(t, err)
		assert.Equal(t, "generalist", selected)
	})
}

func TestRingRecorder(t *testing.T) {
	recorder := NewRingRecorder(3)

	for i := 0; i < 5; i++ {
		recorder.Record(Record{Id: string(rune('a' + i))})
	}

	records := recorder.Recent()
	assert.Len(t, records, 3)
	// Oldest first, with the first two records evicted.
	assert.Equal(t, "c", records[0].Id)
	assert.Equal(t, "e", records[2].Id)
}
