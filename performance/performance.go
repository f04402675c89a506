package performance

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/lumenlabs/maestro"
)

// Weights controls how the per-signal scores combine into one performance
// score. They are normalized to sum 1 at construction.
type Weights struct {
	SuccessRate float64 `yaml:"success_rate"`
	Latency     float64 `yaml:"latency"`
	Quality     float64 `yaml:"quality"`
	Reliability float64 `yaml:"reliability"`
}

// DefaultWeights returns the weights used when a task type has no specific
// configuration.
func DefaultWeights() Weights {
	return Weights{
		SuccessRate: 0.4,
		Latency:     0.3,
		Quality:     0.2,
		Reliability: 0.1,
	}
}

func (w Weights) normalized() Weights {
	total := w.SuccessRate + w.Latency + w.Quality + w.Reliability
	if total <= 0 {
		return DefaultWeights()
	}
	return Weights{
		SuccessRate: w.SuccessRate / total,
		Latency:     w.Latency / total,
		Quality:     w.Quality / total,
		Reliability: w.Reliability / total,
	}
}

// bucket aggregates one day of outcomes for a (model, task type) pair.
type bucket struct {
	day          int64
	successes    int64
	failures     int64
	totalLatency time.Duration
	qualitySum   float64
	qualityCount int64
}

// window is a ring of daily buckets covering the trailing aggregation window.
type window struct {
	buckets []bucket
}

// Snapshot is the aggregate view of a (model, task type) pair over the
// trailing window, exposed for the admin surface and tests.
type Snapshot struct {
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	AverageLatency time.Duration `json:"average_latency"`
	AverageQuality float64       `json:"average_quality"`
}

type cachedScore struct {
	score      float64
	computedAt time.Time
}

// Config controls aggregation and score caching.
type Config struct {
	// Trailing aggregation window in days. E.g., 7
	WindowDays int `yaml:"window_days"`

	// Minimum interval between recomputations of a cached score. A cached
	// value older than this is refreshed lazily on the next read; a stale
	// value is always preferred over blocking the request path.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// Per-task-type scoring weights. Task types without an entry use
	// DefaultWeights.
	TaskWeights map[string]Weights `yaml:"task_weights"`
}

func DefaultConfig() Config {
	return Config{
		WindowDays:      7,
		RefreshInterval: time.Hour,
	}
}

// Tracker is the shared metrics store. It is mutated concurrently by every
// in-flight request; the aggregates only feed scoring, so eventual
// convergence is all callers rely on.
type Tracker struct {
	mutex       sync.Mutex
	windows     map[string]*window
	scoreCache  map[string]cachedScore
	config      Config
	taskWeights map[string]Weights
	clock       clock.Clock
	logger      *zap.SugaredLogger
}

func NewTracker(config Config, logger *zap.SugaredLogger) *Tracker {
	return newTrackerWithClock(config, clock.New(), logger)
}

func newTrackerWithClock(config Config, clk clock.Clock, logger *zap.SugaredLogger) *Tracker {
	if config.WindowDays <= 0 {
		config.WindowDays = DefaultConfig().WindowDays
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultConfig().RefreshInterval
	}
	taskWeights := make(map[string]Weights, len(config.TaskWeights))
	for taskType, weights := range config.TaskWeights {
		taskWeights[taskType] = weights.normalized()
	}
	return &Tracker{
		windows:     make(map[string]*window),
		scoreCache:  make(map[string]cachedScore),
		config:      config,
		taskWeights: taskWeights,
		clock:       clk,
		logger:      logger,
	}
}

// RecordSuccess folds one successful request into the aggregates.
func (t *Tracker) RecordSuccess(model string, taskType string, latency time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	b := t.currentBucket(model, taskType)
	b.successes++
	b.totalLatency += latency
}

// RecordFailure folds one failed request into the aggregates. The error is
// logged, not stored; only the count feeds scoring.
func (t *Tracker) RecordFailure(model string, taskType string, latency time.Duration, err error) {
	t.mutex.Lock()
	b := t.currentBucket(model, taskType)
	b.failures++
	b.totalLatency += latency
	t.mutex.Unlock()

	t.logger.Debugw("Recorded model failure", "model", model, "task_type", taskType, "error", err)
}

// RecordQuality folds an out-of-band quality rating in [0,1] into the
// aggregates, e.g. from downstream review feedback.
func (t *Tracker) RecordQuality(model string, taskType string, rating float64) {
	if rating < 0 || rating > 1 {
		t.logger.Warnw("Ignoring out-of-range quality rating", "model", model, "rating", rating)
		return
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	b := t.currentBucket(model, taskType)
	b.qualitySum += rating
	b.qualityCount++
}

// Score returns the performance score for the model on this request, in
// [0,1]. A pair with no history in the window scores the neutral 0.5 so new
// models are neither favored nor penalized out of contention.
func (t *Tracker) Score(model string, request *maestro.TaskRequest) float64 {
	cacheKey := fmt.Sprintf("%s:%s:%s", model, request.TaskType, request.TimeSensitivity)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := t.clock.Now()
	if cached, exists := t.scoreCache[cacheKey]; exists && now.Sub(cached.computedAt) < t.config.RefreshInterval {
		return cached.score
	}

	score := t.computeScore(model, request)
	t.scoreCache[cacheKey] = cachedScore{score: score, computedAt: now}
	return score
}

// SnapshotFor returns the trailing-window aggregate for a pair. The second
// return value is false when the pair has no history.
func (t *Tracker) SnapshotFor(model string, taskType string) (Snapshot, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	w, exists := t.windows[pairKey(model, taskType)]
	if !exists {
		return Snapshot{}, false
	}
	snapshot := t.aggregate(w)
	if snapshot.Successes+snapshot.Failures == 0 && snapshot.AverageQuality == 0 {
		return Snapshot{}, false
	}
	return snapshot, true
}

func (t *Tracker) computeScore(model string, request *maestro.TaskRequest) float64 {
	w, exists := t.windows[pairKey(model, request.TaskType)]
	if !exists {
		return 0.5
	}
	snapshot := t.aggregate(w)

	total := snapshot.Successes + snapshot.Failures
	if total == 0 {
		return 0.5
	}

	successRate := float64(snapshot.Successes) / float64(total)
	errorRate := float64(snapshot.Failures) / float64(total)
	reliability := 1.0 - errorRate

	quality := snapshot.AverageQuality
	if quality == 0 {
		// No ratings yet; neutral rather than punitive.
		quality = 0.5
	}

	latencyScore := latencyScore(snapshot.AverageLatency, request.TimeSensitivity)

	weights, exists := t.taskWeights[request.TaskType]
	if !exists {
		weights = DefaultWeights()
	}

	score := successRate*weights.SuccessRate +
		latencyScore*weights.Latency +
		quality*weights.Quality +
		reliability*weights.Reliability
	return clamp01(score)
}

// latencyScore normalizes observed latency against the expectation for the
// request's time sensitivity. expected/(expected+observed) is 1 at zero
// latency and decays monotonically.
func latencyScore(observed time.Duration, sensitivity maestro.TimeSensitivity) float64 {
	expected := expectedLatency(sensitivity)
	if observed <= 0 {
		return 1.0
	}
	return float64(expected) / float64(expected+observed)
}

func expectedLatency(sensitivity maestro.TimeSensitivity) time.Duration {
	switch sensitivity {
	case maestro.TimeSensitivityCritical:
		return 2 * time.Second
	case maestro.TimeSensitivityHigh:
		return 5 * time.Second
	case maestro.TimeSensitivityLow:
		return 30 * time.Second
	default:
		return 15 * time.Second
	}
}

// currentBucket returns the bucket for today, rotating out buckets that have
// left the trailing window. Callers must hold the mutex.
func (t *Tracker) currentBucket(model string, taskType string) *bucket {
	key := pairKey(model, taskType)
	w, exists := t.windows[key]
	if !exists {
		w = &window{buckets: make([]bucket, t.config.WindowDays+1)}
		t.windows[key] = w
	}

	day := t.clock.Now().Unix() / (24 * 60 * 60)
	slot := &w.buckets[day%int64(len(w.buckets))]
	if slot.day != day {
		*slot = bucket{day: day}
	}
	return slot
}

// aggregate sums the buckets still inside the trailing window. Callers must
// hold the mutex.
func (t *Tracker) aggregate(w *window) Snapshot {
	day := t.clock.Now().Unix() / (24 * 60 * 60)
	oldest := day - int64(t.config.WindowDays) + 1

	var snapshot Snapshot
	var totalLatency time.Duration
	var qualitySum float64
	var qualityCount int64
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.day < oldest || b.day > day {
			continue
		}
		snapshot.Successes += b.successes
		snapshot.Failures += b.failures
		totalLatency += b.totalLatency
		qualitySum += b.qualitySum
		qualityCount += b.qualityCount
	}

	if total := snapshot.Successes + snapshot.Failures; total > 0 {
		snapshot.AverageLatency = totalLatency / time.Duration(total)
	}
	if qualityCount > 0 {
		snapshot.AverageQuality = qualitySum / float64(qualityCount)
	}
	return snapshot
}

func pairKey(model string, taskType string) string {
	return fmt.Sprintf("%s:%s", model, taskType)
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
