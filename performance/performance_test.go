package performance

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/lumenlabs/maestro"
)

func testRequest(taskType string, sensitivity maestro.TimeSensitivity) *maestro.TaskRequest {
	return &maestro.TaskRequest{
		TaskType:        taskType,
		Complexity:      maestro.ComplexityMedium,
		TimeSensitivity: sensitivity,
	}
}

func TestTracker(t *testing.T) {
	t.Run("Unknown pair scores neutral", func(t *testing.T) {
		tracker := NewTracker(Config{}, zaptest.NewLogger(t).Sugar())

		score := tracker.Score("unseen-model", testRequest("summarization", ""))
		assert.Equal(t, 0.5, score)
	})

	t.Run("Healthy history beats failing history", func(t *testing.T) {
		tracker := NewTracker(Config{}, zaptest.NewLogger(t).Sugar())

		for i := 0; i < 10; i++ {
			tracker.RecordSuccess("healthy", "chat", 500*time.Millisecond)
			tracker.RecordFailure("flaky", "chat", 500*time.Millisecond, fmt.Errorf("boom"))
		}
		tracker.RecordSuccess("flaky", "chat", 500*time.Millisecond)

		healthy := tracker.Score("healthy", testRequest("chat", ""))
		flaky := tracker.Score("flaky", testRequest("chat", ""))
		assert.Greater(t, healthy, flaky)
		assert.GreaterOrEqual(t, healthy, 0.0)
		assert.LessOrEqual(t, healthy, 1.0)
		assert.GreaterOrEqual(t, flaky, 0.0)
		assert.LessOrEqual(t, flaky, 1.0)
	})

	t.Run("Latency weighs heavier under time pressure", func(t *testing.T) {
		tracker := NewTracker(Config{}, zaptest.NewLogger(t).Sugar())

		// Slow but reliable model.
		for i := 0; i < 5; i++ {
			tracker.RecordSuccess("slow", "chat", 20*time.Second)
		}

		relaxed := tracker.Score("slow", testRequest("chat", maestro.TimeSensitivityLow))
		critical := tracker.Score("slow", testRequest("chat", maestro.TimeSensitivityCritical))
		assert.Greater(t, relaxed, critical)
	})

	t.Run("Quality ratings feed the score", func(t *testing.T) {
		tracker := NewTracker(Config{}, zaptest.NewLogger(t).Sugar())

		tracker.RecordSuccess("rated", "chat", time.Second)
		tracker.RecordSuccess("unrated", "chat", time.Second)
		tracker.RecordQuality("rated", "chat", 1.0)

		rated := tracker.Score("rated", testRequest("chat", ""))
		unrated := tracker.Score("unrated", testRequest("chat", ""))
		assert.Greater(t, rated, unrated)

		// Out-of-range ratings are dropped.
		tracker.RecordQuality("rated", "chat", 1.5)
		snapshot, ok := tracker.SnapshotFor("rated", "chat")
		assert.True(t, ok)
		assert.Equal(t, 1.0, snapshot.AverageQuality)
	})

	t.Run("Scores are cached until the refresh interval elapses", func(t *testing.T) {
		mockClock := clock.NewMock()
		tracker := newTrackerWithClock(Config{RefreshInterval: time.Hour}, mockClock, zaptest.NewLogger(t).Sugar())

		tracker.RecordSuccess("model", "chat", time.Second)
		before := tracker.Score("model", testRequest("chat", ""))

		// New failures do not surface until the cached score expires.
		for i := 0; i < 20; i++ {
			tracker.RecordFailure("model", "chat", time.Second, fmt.Errorf("boom"))
		}
		assert.Equal(t, before, tracker.Score("model", testRequest("chat", "")))

		mockClock.Add(time.Hour)
		assert.Less(t, tracker.Score("model", testRequest("chat", "")), before)
	})

	t.Run("History outside the trailing window is dropped", func(t *testing.T) {
		mockClock := clock.NewMock()
		tracker := newTrackerWithClock(Config{WindowDays: 7}, mockClock, zaptest.NewLogger(t).Sugar())

		tracker.RecordFailure("model", "chat", time.Second, fmt.Errorf("boom"))
		assert.Less(t, tracker.Score("model", testRequest("chat", "")), 0.5)

		mockClock.Add(8 * 24 * time.Hour)
		assert.Equal(t, 0.5, tracker.Score("model", testRequest("chat", "")))

		_, ok := tracker.SnapshotFor("model", "chat")
		assert.False(t, ok)
	})

	t.Run("SnapshotFor aggregates the window", func(t *testing.T) {
		tracker := NewTracker(Config{}, zaptest.NewLogger(t).Sugar())

		tracker.RecordSuccess("model", "chat", 2*time.Second)
		tracker.RecordSuccess("model", "chat", 4*time.Second)
		tracker.RecordFailure("model", "chat", 6*time.Second, fmt.Errorf("boom"))

		snapshot, ok := tracker.SnapshotFor("model", "chat")
		assert.True(t, ok)
		assert.Equal(t, int64(2), snapshot.Successes)
		assert.Equal(t, int64(1), snapshot.Failures)
		assert.Equal(t, 4*time.Second, snapshot.AverageLatency)

		_, ok = tracker.SnapshotFor("model", "other-task")
		assert.False(t, ok)
	})

	t.Run("Task weights are normalized", func(t *testing.T) {
		weights := Weights{SuccessRate: 2, Latency: 1, Quality: 1, Reliability: 0}.normalized()
		assert.InDelta(t, 0.5, weights.SuccessRate, 1e-9)
		assert.InDelta(t, 0.25, weights.Latency, 1e-9)

		// Degenerate weights fall back to the defaults.
		assert.Equal(t, DefaultWeights(), Weights{}.normalized())
	})
}
