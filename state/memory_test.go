package state

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestMemoryManager(t *testing.T) {
	t.Run("Allow and Disable", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(mockClock)
		defer cleanup()

		ctx := context.Background()
		interval := 100 * time.Millisecond

		// Initial request should be allowed.
		allowed, wait, err := manager.Allow(ctx, "openai", "gpt-4o", interval)
		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, time.Duration(0), wait)

		// Request within the reserved interval should not be allowed.
		allowed, wait, err = manager.Allow(ctx, "openai", "gpt-4o", interval)
		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.True(t, wait > 0)

		mockClock.Add(interval)

		// Request after the interval should be allowed again.
		allowed, _, err = manager.Allow(ctx, "openai", "gpt-4o", interval)
		assert.NoError(t, err)
		assert.True(t, allowed)

		mockClock.Add(interval)

		// Disable the model.
		disableDuration := 200 * time.Millisecond
		assert.NoError(t, manager.Disable(ctx, "openai", "gpt-4o", disableDuration))

		allowed, wait, err = manager.Allow(ctx, "openai", "gpt-4o", interval)
		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.True(t, wait > 0)

		mockClock.Add(disableDuration)

		allowed, _, err = manager.Allow(ctx, "openai", "gpt-4o", interval)
		assert.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("A zero interval only checks", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(mockClock)
		defer cleanup()

		ctx := context.Background()

		// Pure checks never reserve the model.
		for i := 0; i < 3; i++ {
			allowed, _, err := manager.Allow(ctx, "openai", "gpt-4o", 0)
			assert.NoError(t, err)
			assert.True(t, allowed)
		}
	})

	t.Run("Cooldowns are per provider and model", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(mockClock)
		defer cleanup()

		ctx := context.Background()
		assert.NoError(t, manager.Disable(ctx, "openai", "gpt-4o", time.Minute))

		allowed, _, err := manager.Allow(ctx, "claude", "gpt-4o", 0)
		assert.NoError(t, err)
		assert.True(t, allowed)

		allowed, _, err = manager.Allow(ctx, "openai", "other", 0)
		assert.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("Cache operations", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(mockClock)
		defer cleanup()

		ctx := context.Background()

		// Missing keys load as nil without error.
		value, err := manager.LoadCache(ctx, "missing")
		assert.NoError(t, err)
		assert.Nil(t, value)

		assert.NoError(t, manager.SaveCache(ctx, "key", []byte("payload"), time.Minute))

		value, err = manager.LoadCache(ctx, "key")
		assert.NoError(t, err)
		assert.Equal(t, []byte("payload"), value)

		// Expired entries load as nil.
		mockClock.Add(time.Minute)
		value, err = manager.LoadCache(ctx, "key")
		assert.NoError(t, err)
		assert.Nil(t, value)
	})

	t.Run("Cleanup sweeps expired entries", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(mockClock)
		defer cleanup()

		ctx := context.Background()
		assert.NoError(t, manager.SaveCache(ctx, "short", []byte("1"), time.Second))
		assert.NoError(t, manager.SaveCache(ctx, "long", []byte("2"), time.Hour))
		assert.NoError(t, manager.Disable(ctx, "openai", "gpt-4o", time.Second))

		mockClock.Add(6 * time.Minute)
		manager.cleanup()

		manager.cacheMu.Lock()
		_, shortExists := manager.cache["short"]
		_, longExists := manager.cache["long"]
		manager.cacheMu.Unlock()
		assert.False(t, shortExists)
		assert.True(t, longExists)

		manager.cooldownMu.Lock()
		assert.Empty(t, manager.cooldowns)
		manager.cooldownMu.Unlock()
	})
}
