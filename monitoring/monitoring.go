package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config for the metrics surface.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "maestro",
		Subsystem: "router",
	}
}

// Manager exposes routing metrics through a dedicated Prometheus registry.
// A nil *Manager is valid and records nothing, so call sites need no guards.
type Manager struct {
	registry *prometheus.Registry
	logger   *zap.SugaredLogger

	selectionsTotal *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	fallbacksTotal  *prometheus.CounterVec
	costTotal       *prometheus.CounterVec
	budgetStatus    *prometheus.GaugeVec
}

func NewManager(config Config, logger *zap.SugaredLogger) *Manager {
	if !config.Enabled {
		return nil
	}
	if config.Namespace == "" {
		config.Namespace = DefaultConfig().Namespace
	}
	if config.Subsystem == "" {
		config.Subsystem = DefaultConfig().Subsystem
	}

	registry := prometheus.NewRegistry()
	m := &Manager{registry: registry, logger: logger}

	m.selectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "selections_total",
			Help:      "Model selections by task type, model, and reason",
		},
		[]string{"task_type", "model", "reason"},
	)
	m.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "attempts_total",
			Help:      "Execution attempts by model and outcome",
		},
		[]string{"model", "outcome"},
	)
	m.attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "attempt_duration_seconds",
			Help:      "Execution attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	m.fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "fallbacks_total",
			Help:      "Fallback transitions by failed and replacement model",
		},
		[]string{"from_model", "to_model"},
	)
	m.costTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "cost_usd_total",
			Help:      "Realized request cost in USD by model",
		},
		[]string{"model"},
	)
	m.budgetStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "budget_status",
			Help:      "Current budget status flag (exactly one series is 1)",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		m.selectionsTotal,
		m.attemptsTotal,
		m.attemptDuration,
		m.fallbacksTotal,
		m.costTotal,
		m.budgetStatus,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Manager) RecordSelection(taskType string, model string, reason string) {
	if m == nil {
		return
	}
	m.selectionsTotal.WithLabelValues(taskType, model, reason).Inc()
}

func (m *Manager) RecordAttempt(model string, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.attemptsTotal.WithLabelValues(model, outcome).Inc()
	m.attemptDuration.WithLabelValues(model).Observe(latency.Seconds())
}

func (m *Manager) RecordFallback(fromModel string, toModel string) {
	if m == nil {
		return
	}
	m.fallbacksTotal.WithLabelValues(fromModel, toModel).Inc()
}

func (m *Manager) RecordCost(model string, amount float64) {
	if m == nil {
		return
	}
	m.costTotal.WithLabelValues(model).Add(amount)
}

// SetBudgetStatus flips the status gauge so dashboards can alert on
// warning/critical without scraping spend.
func (m *Manager) SetBudgetStatus(status string) {
	if m == nil {
		return
	}
	for _, known := range []string{"normal", "warning", "critical"} {
		value := 0.0
		if known == status {
			value = 1.0
		}
		m.budgetStatus.WithLabelValues(known).Set(value)
	}
}
