package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("두 번째 시도에서 성공", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), fastRetry, func(ctx context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("temporary")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("최대 재시도 초과", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := RetryWithBackoff(context.Background(), fastRetry, func(ctx context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("Permanent 에러는 재시도하지 않음", func(t *testing.T) {
		calls := 0
		boom := errors.New("auth failed")
		err := RetryWithBackoff(context.Background(), fastRetry, func(ctx context.Context) error {
			calls++
			return Permanent(boom)
		})
		assert.Equal(t, boom, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("컨텍스트 취소", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := RetryWithBackoff(ctx, RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, Multiplier: 2},
			func(ctx context.Context) error { return errors.New("down") })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
