package polling

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestExponentialBackoffStrategy(t *testing.T) {
	logger := quietLogger()

	tests := []struct {
		name       string
		base       time.Duration
		max        time.Duration
		multiplier float64
		results    []bool
		expected   []time.Duration
	}{
		{
			name:     "성공 시 기본 간격 반환",
			base:     30 * time.Second,
			max:      300 * time.Second,
			results:  []bool{true, true},
			expected: []time.Duration{30 * time.Second, 30 * time.Second},
		},
		{
			name:     "실패 시 지수 백오프와 최대값 제한",
			base:     30 * time.Second,
			max:      300 * time.Second,
			results:  []bool{false, false, false, false, false, false},
			expected: []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second, 300 * time.Second, 300 * time.Second},
		},
		{
			name:     "실패 후 성공 시 리셋",
			base:     30 * time.Second,
			max:      300 * time.Second,
			results:  []bool{false, false, false, true, false},
			expected: []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 30 * time.Second, 30 * time.Second},
		},
		{
			name:       "다른 지수 계수",
			base:       10 * time.Second,
			max:        100 * time.Second,
			multiplier: 1.5,
			results:    []bool{false, false, false},
			expected:   []time.Duration{10 * time.Second, 15 * time.Second, time.Duration(22.5 * float64(time.Second))},
		},
		{
			name:       "1 이하 계수는 2로 보정",
			base:       time.Second,
			max:        time.Minute,
			multiplier: 0.5,
			results:    []bool{false, false},
			expected:   []time.Duration{time.Second, 2 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			multiplier := tt.multiplier
			if multiplier == 0 {
				multiplier = 2.0
			}
			strategy := NewExponentialBackoffStrategy(tt.base, tt.max, multiplier, logger)
			for i, success := range tt.results {
				assert.Equal(t, tt.expected[i], strategy.NextInterval(success), "step %d", i)
			}
		})
	}

	t.Run("Reset 메서드", func(t *testing.T) {
		strategy := NewExponentialBackoffStrategy(30*time.Second, 300*time.Second, 2.0, logger)
		strategy.NextInterval(false)
		strategy.NextInterval(false)
		strategy.Reset()
		assert.Equal(t, 30*time.Second, strategy.NextInterval(false))
	})
}

func TestPollingController_RunsImmediatelyAndRepeats(t *testing.T) {
	controller := NewPollingController(FixedIntervalStrategy{Interval: 5 * time.Millisecond}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	var runs int32
	done := make(chan error, 1)
	go func() {
		done <- controller.Start(ctx, func(context.Context) error {
			if atomic.AddInt32(&runs, 1) == 2 {
				return errors.New("sweep failed")
			}
			return nil
		})
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, time.Millisecond,
		"실패한 실행 뒤에도 계속 반복")
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
