package cost

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/lumenlabs/maestro"
)

// BudgetStatus is the health of the organization budget. It controls how
// aggressively cost scoring punishes expensive models.
type BudgetStatus string

const (
	BudgetNormal   BudgetStatus = "normal"
	BudgetWarning  BudgetStatus = "warning"
	BudgetCritical BudgetStatus = "critical"
)

// sensitivityFactor amplifies cost sensitivity as budget health worsens.
func (s BudgetStatus) sensitivityFactor() float64 {
	switch s {
	case BudgetCritical:
		return 5.0
	case BudgetWarning:
		return 2.0
	default:
		return 1.0
	}
}

// Config controls estimation and budget tracking.
type Config struct {
	// Budget in USD for one tracking window.
	WindowBudget float64 `yaml:"window_budget"`

	// Length of the tracking window. E.g., 720h for a month.
	WindowDuration time.Duration `yaml:"window_duration"`

	// Average USD budget for a single task, the denominator of the cost
	// score.
	PerTaskBudget float64 `yaml:"per_task_budget"`

	// Spend/budget ratio at which the status degrades to warning.
	WarningRatio float64 `yaml:"warning_ratio"`

	// Spend/budget ratio at which the status degrades to critical.
	CriticalRatio float64 `yaml:"critical_ratio"`

	// Baseline output-token estimate per task type, scaled by the request
	// complexity multiplier when the caller gives no estimate.
	TaskOutputBaselines map[string]int `yaml:"task_output_baselines"`

	// Baseline for task types without an entry above.
	DefaultOutputBaseline int `yaml:"default_output_baseline"`
}

func DefaultConfig() Config {
	return Config{
		WindowBudget:          1000.0,
		WindowDuration:        30 * 24 * time.Hour,
		PerTaskBudget:         0.05,
		WarningRatio:          0.75,
		CriticalRatio:         0.95,
		DefaultOutputBaseline: 500,
	}
}

// Manager estimates request cost and scores models against the budget.
// Spend accumulation is shared across every in-flight request.
type Manager struct {
	mutex       sync.Mutex
	config      Config
	spend       float64
	windowStart time.Time
	override    *BudgetStatus
	clock       clock.Clock
	logger      *zap.SugaredLogger
}

func NewManager(config Config, logger *zap.SugaredLogger) *Manager {
	return newManagerWithClock(config, clock.New(), logger)
}

func newManagerWithClock(config Config, clk clock.Clock, logger *zap.SugaredLogger) *Manager {
	defaults := DefaultConfig()
	if config.WindowBudget <= 0 {
		config.WindowBudget = defaults.WindowBudget
	}
	if config.WindowDuration <= 0 {
		config.WindowDuration = defaults.WindowDuration
	}
	if config.PerTaskBudget <= 0 {
		config.PerTaskBudget = defaults.PerTaskBudget
	}
	if config.WarningRatio <= 0 {
		config.WarningRatio = defaults.WarningRatio
	}
	if config.CriticalRatio <= 0 {
		config.CriticalRatio = defaults.CriticalRatio
	}
	if config.DefaultOutputBaseline <= 0 {
		config.DefaultOutputBaseline = defaults.DefaultOutputBaseline
	}
	return &Manager{
		config:      config,
		windowStart: clk.Now(),
		clock:       clk,
		logger:      logger,
	}
}

// EstimateTokens returns the input and output token estimates for a request.
// Output falls back to the task-type baseline scaled by the complexity
// multiplier when the caller gave no estimate.
func (m *Manager) EstimateTokens(request *maestro.TaskRequest) (int, int) {
	input := request.EstimatedInputTokens
	output := request.EstimatedOutputTokens
	if output <= 0 {
		baseline, exists := m.config.TaskOutputBaselines[request.TaskType]
		if !exists {
			baseline = m.config.DefaultOutputBaseline
		}
		output = int(float64(baseline) * request.Complexity.OutputMultiplier())
	}
	return input, output
}

// EstimateCost returns the estimated USD cost of running the request on the
// given model.
func (m *Manager) EstimateCost(model *maestro.ModelDescriptor, request *maestro.TaskRequest) float64 {
	input, output := m.EstimateTokens(request)
	return model.EstimatedCost(input, output)
}

// Score returns the cost score in [0,1]: higher is cheaper relative to the
// per-task budget. As budget health worsens the slope steepens (2x under
// warning, 5x under critical), keeping the system cost-defensive without
// ever going negative.
func (m *Manager) Score(model *maestro.ModelDescriptor, request *maestro.TaskRequest) float64 {
	estimated := m.EstimateCost(model, request)
	factor := m.Status().sensitivityFactor()
	score := 1.0 - (estimated*factor)/m.config.PerTaskBudget
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// RecordSpend folds the actual cost of a completed request into the window
// total.
func (m *Manager) RecordSpend(amount float64) {
	if amount <= 0 {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.rotateWindow()
	m.spend += amount
}

// Spend returns the USD spent in the current window.
func (m *Manager) Spend() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.rotateWindow()
	return m.spend
}

// Status derives budget health from the spend/budget ratio, unless an
// explicit override from the billing feed is active.
func (m *Manager) Status() BudgetStatus {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.override != nil {
		return *m.override
	}

	m.rotateWindow()
	ratio := m.spend / m.config.WindowBudget
	switch {
	case ratio >= m.config.CriticalRatio:
		return BudgetCritical
	case ratio >= m.config.WarningRatio:
		return BudgetWarning
	default:
		return BudgetNormal
	}
}

// SetStatusOverride pins the budget status, e.g. from an external billing
// service. ClearStatusOverride returns to derived status.
func (m *Manager) SetStatusOverride(status BudgetStatus) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.override = &status
	m.logger.Infow("Budget status overridden", "status", status)
}

func (m *Manager) ClearStatusOverride() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.override = nil
}

// rotateWindow resets the spend counter when the tracking window has
// elapsed. Callers must hold the mutex.
func (m *Manager) rotateWindow() {
	now := m.clock.Now()
	if now.Sub(m.windowStart) >= m.config.WindowDuration {
		m.logger.Infow("Budget window rotated", "spend", m.spend, "budget", m.config.WindowBudget)
		m.spend = 0
		m.windowStart = now
	}
}

// EstimateTextTokens is the rough 4-characters-per-token estimate used when
// only raw prompt text is available.
func EstimateTextTokens(text string) int {
	return len(text) / 4
}
