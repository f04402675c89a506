package state

import (
	"context"
	"time"
)

// Manager is the shared mutable state every in-flight request may touch:
// model cooldowns and the response cache. Implementations must be safe for
// concurrent use; callers only rely on eventual convergence.
type Manager interface {
	// Allow reports whether the model may be used right now. When it may
	// not, the second return value is how long to wait. A non-zero interval
	// additionally reserves the model for that long, spacing out uses.
	Allow(ctx context.Context, providerName string, model string, interval time.Duration) (bool, time.Duration, error)

	// Disable keeps the model out of rotation for the given duration.
	Disable(ctx context.Context, providerName string, model string, duration time.Duration) error

	// SaveCache stores a response payload under key for the given duration.
	SaveCache(ctx context.Context, key string, value []byte, duration time.Duration) error

	// LoadCache returns the payload for key, or nil when absent or expired.
	LoadCache(ctx context.Context, key string) ([]byte, error)
}
