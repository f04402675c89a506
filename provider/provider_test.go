package provider

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	t.Run("Explicit wrappers decide", func(t *testing.T) {
		assert.True(t, IsTransient(Transient(fmt.Errorf("anything"))))
		assert.False(t, IsTransient(Permanent(fmt.Errorf("anything"))))

		// Wrapping survives further annotation.
		wrapped := fmt.Errorf("calling model: %w", Permanent(fmt.Errorf("bad schema")))
		assert.False(t, IsTransient(wrapped))
	})

	t.Run("Unwrapped errors classify by message", func(t *testing.T) {
		assert.True(t, IsTransient(fmt.Errorf("429 too many requests")))
		assert.True(t, IsTransient(fmt.Errorf("model is overloaded")))
		assert.True(t, IsTransient(fmt.Errorf("quota exhausted for project")))
		assert.False(t, IsTransient(fmt.Errorf("401 unauthorized")))
		assert.False(t, IsTransient(fmt.Errorf("model not found")))

		// Unclassifiable errors default to transient so a blip does not burn
		// a fallback attempt.
		assert.True(t, IsTransient(fmt.Errorf("connection reset by peer")))
	})

	t.Run("ClassifyStatus maps HTTP codes", func(t *testing.T) {
		base := fmt.Errorf("provider said no")

		assert.True(t, IsTransient(ClassifyStatus(429, base)))
		assert.True(t, IsTransient(ClassifyStatus(500, base)))
		assert.True(t, IsTransient(ClassifyStatus(503, base)))
		assert.False(t, IsTransient(ClassifyStatus(400, base)))
		assert.False(t, IsTransient(ClassifyStatus(404, base)))

		assert.NoError(t, ClassifyStatus(500, nil))
	})

	t.Run("Wrappers unwrap to the original", func(t *testing.T) {
		base := fmt.Errorf("original")
		assert.ErrorIs(t, Transient(base), base)
		assert.ErrorIs(t, Permanent(base), base)
	})
}
