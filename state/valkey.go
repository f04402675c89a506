package state

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyManager is the Manager backend shared by multiple orchestrator
// instances. Cooldown checks run server-side so concurrent instances agree
// on whether a model is in rotation.
type ValkeyManager struct {
	client valkey.Client
}

func NewValkeyManager(client valkey.Client) *ValkeyManager {
	return &ValkeyManager{client: client}
}

func (v *ValkeyManager) Allow(
	ctx context.Context, providerName string, model string, interval time.Duration,
) (bool, time.Duration, error) {
	key := valkeyCooldownKey(providerName, model)

	script := `
		local time = redis.call('TIME')
		local now_micro = time[1] * 1000000 + time[2]
		local disabled_until_micro = redis.call('GET', KEYS[1])

		if disabled_until_micro and tonumber(disabled_until_micro) > now_micro then
			return {0, tonumber(disabled_until_micro) - now_micro}
		end
		if tonumber(ARGV[1]) > 0 then
			redis.call('SET', KEYS[1], now_micro + tonumber(ARGV[1]) * 1000)
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return {1}
	`

	resp := v.client.Do(ctx, v.client.B().Eval().Script(script).Numkeys(1).Key(key).Arg(
		fmt.Sprintf("%d", interval.Milliseconds()),
	).Build())

	result, err := resp.AsIntSlice()
	if err != nil {
		return false, 0, err
	}
	if result[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(result[1]) * time.Microsecond, nil
}

func (v *ValkeyManager) Disable(
	ctx context.Context, providerName string, model string, duration time.Duration,
) error {
	key := valkeyCooldownKey(providerName, model)

	script := `
		local time = redis.call('TIME')
		local now_micro = time[1] * 1000000 + time[2]
		redis.call('SET', KEYS[1], now_micro + tonumber(ARGV[1]) * 1000)
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		return 1
	`

	return v.client.Do(ctx, v.client.B().Eval().Script(script).Numkeys(1).Key(key).Arg(
		fmt.Sprintf("%d", duration.Milliseconds()),
	).Build()).Error()
}

func (v *ValkeyManager) SaveCache(
	ctx context.Context, key string, value []byte, duration time.Duration,
) error {
	return v.client.Do(
		ctx, v.client.B().Set().
			Key(key).
			Value(valkey.BinaryString(value)).
			Ex(duration).
			Build(),
	).Error()
}

func (v *ValkeyManager) LoadCache(ctx context.Context, key string) ([]byte, error) {
	resp := v.client.Do(ctx, v.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return resp.AsBytes()
}

func valkeyCooldownKey(providerName string, model string) string {
	return fmt.Sprintf("maestro:disabled:%s:%s", providerName, model)
}
