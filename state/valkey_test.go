package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	valkeymock "github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"
)

func TestValkeyManager(t *testing.T) {
	t.Run("Allow method", func(t *testing.T) {
		t.Run("success when not disabled", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			manager := NewValkeyManager(mockClient)
			ctx := context.Background()

			mockResponse := valkeymock.Result(valkeymock.ValkeyArray(valkeymock.ValkeyInt64(1)))
			mockClient.EXPECT().
				Do(ctx, valkeymock.MatchFn(func(cmd []string) bool {
					return cmd[0] == "EVAL" &&
						cmd[len(cmd)-2] == "maestro:disabled:openai:gpt-4o" &&
						cmd[len(cmd)-1] == "100"
				}, "EVAL script with correct key and interval")).
				Return(mockResponse)

			allowed, wait, err := manager.Allow(ctx, "openai", "gpt-4o", 100*time.Millisecond)

			assert.NoError(t, err)
			assert.True(t, allowed)
			assert.Equal(t, time.Duration(0), wait)
		})

		t.Run("not allowed when disabled", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			manager := NewValkeyManager(mockClient)
			ctx := context.Background()

			mockResponse := valkeymock.Result(valkeymock.ValkeyArray(
				valkeymock.ValkeyInt64(0),
				valkeymock.ValkeyInt64(50000),
			))
			mockClient.EXPECT().
				Do(ctx, valkeymock.MatchFn(func(cmd []string) bool {
					return cmd[0] == "EVAL" &&
						cmd[len(cmd)-2] == "maestro:disabled:openai:gpt-4o" &&
						cmd[len(cmd)-1] == "0"
				}, "EVAL script with correct key and interval")).
				Return(mockResponse)

			allowed, wait, err := manager.Allow(ctx, "openai", "gpt-4o", 0)

			assert.NoError(t, err)
			assert.False(t, allowed)
			assert.Equal(t, 50*time.Millisecond, wait)
		})
	})

	t.Run("Disable method", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockClient := valkeymock.NewClient(ctrl)
		manager := NewValkeyManager(mockClient)
		ctx := context.Background()

		mockClient.EXPECT().
			Do(ctx, valkeymock.MatchFn(func(cmd []string) bool {
				return cmd[0] == "EVAL" &&
					cmd[len(cmd)-2] == "maestro:disabled:openai:gpt-4o" &&
					cmd[len(cmd)-1] == "60000"
			}, "EVAL script with correct key and duration")).
			Return(valkeymock.Result(valkeymock.ValkeyInt64(1)))

		assert.NoError(t, manager.Disable(ctx, "openai", "gpt-4o", time.Minute))
	})

	t.Run("Cache methods", func(t *testing.T) {
		t.Run("save sets with expiry", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			manager := NewValkeyManager(mockClient)
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("SET", "response:abc", "payload", "EX", "3600")).
				Return(valkeymock.Result(valkeymock.ValkeyString("OK")))

			assert.NoError(t, manager.SaveCache(ctx, "response:abc", []byte("payload"), time.Hour))
		})

		t.Run("load returns the payload", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			manager := NewValkeyManager(mockClient)
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("GET", "response:abc")).
				Return(valkeymock.Result(valkeymock.ValkeyBlobString("payload")))

			value, err := manager.LoadCache(ctx, "response:abc")
			assert.NoError(t, err)
			assert.Equal(t, []byte("payload"), value)
		})

		t.Run("load of a missing key is not an error", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			manager := NewValkeyManager(mockClient)
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("GET", "response:missing")).
				Return(valkeymock.Result(valkeymock.ValkeyNil()))

			value, err := manager.LoadCache(ctx, "response:missing")
			assert.NoError(t, err)
			assert.Nil(t, value)
		})
	})
}
