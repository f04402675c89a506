package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type cacheEntry struct {
	value []byte

	// Expiry time in unix nanoseconds.
	expiry int64
}

// MemoryManager is the in-process Manager used when no Valkey endpoint is
// configured. Expired entries are swept by a background loop; the returned
// stop function ends it.
type MemoryManager struct {
	// Key (provider:model) -> disabled_until (unix nanoseconds)
	cooldowns  map[string]int64
	cooldownMu sync.Mutex

	cache   map[string]*cacheEntry
	cacheMu sync.Mutex

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func NewMemoryManager() (*MemoryManager, func()) {
	return newMemoryManagerWithClock(clock.New())
}

func newMemoryManagerWithClock(clk clock.Clock) (*MemoryManager, func()) {
	m := &MemoryManager{
		cooldowns: make(map[string]int64),
		cache:     make(map[string]*cacheEntry),
		clock:     clk,
	}
	stop := m.startCleanup(5 * time.Minute)
	return m, stop
}

func (m *MemoryManager) Allow(
	ctx context.Context, providerName string, model string, interval time.Duration,
) (bool, time.Duration, error) {
	key := cooldownKey(providerName, model)
	now := m.clock.Now().UnixNano()

	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()

	if disabledUntil, exists := m.cooldowns[key]; exists && disabledUntil > now {
		return false, time.Duration(disabledUntil - now), nil
	}
	if interval > 0 {
		m.cooldowns[key] = now + interval.Nanoseconds()
	}
	return true, 0, nil
}

func (m *MemoryManager) Disable(
	ctx context.Context, providerName string, model string, duration time.Duration,
) error {
	key := cooldownKey(providerName, model)
	disabledUntil := m.clock.Now().Add(duration).UnixNano()

	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()

	m.cooldowns[key] = disabledUntil
	return nil
}

func (m *MemoryManager) SaveCache(
	ctx context.Context, key string, value []byte, duration time.Duration,
) error {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	m.cache[key] = &cacheEntry{
		value:  value,
		expiry: m.clock.Now().Add(duration).UnixNano(),
	}
	return nil
}

func (m *MemoryManager) LoadCache(ctx context.Context, key string) ([]byte, error) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	entry, exists := m.cache[key]
	if !exists {
		return nil, nil
	}
	if entry.expiry <= m.clock.Now().UnixNano() {
		delete(m.cache, key)
		return nil, nil
	}
	return entry.value, nil
}

func cooldownKey(providerName string, model string) string {
	return fmt.Sprintf("%s:%s", providerName, model)
}

func (m *MemoryManager) cleanup() {
	now := m.clock.Now().UnixNano()

	m.cooldownMu.Lock()
	for key, disabledUntil := range m.cooldowns {
		if disabledUntil <= now {
			delete(m.cooldowns, key)
		}
	}
	m.cooldownMu.Unlock()

	m.cacheMu.Lock()
	for key, entry := range m.cache {
		if entry.expiry <= now {
			delete(m.cache, key)
		}
	}
	m.cacheMu.Unlock()
}

func (m *MemoryManager) startCleanup(interval time.Duration) func() {
	ticker := m.clock.Ticker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				m.cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
