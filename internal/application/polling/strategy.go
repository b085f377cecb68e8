package polling

import (
	"context"
	"math"
	"time"

	"nmstate-agent/internal/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

// Strategy는 폴링 전략 인터페이스입니다
type Strategy interface {
	// NextInterval은 직전 실행 결과에 따라 다음 실행까지의 대기 시간을 반환합니다
	NextInterval(success bool) time.Duration
	// Reset은 폴링 전략을 초기 상태로 리셋합니다
	Reset()
}

// FixedIntervalStrategy는 결과와 무관하게 같은 간격을 사용합니다
type FixedIntervalStrategy struct {
	Interval time.Duration
}

func (s FixedIntervalStrategy) NextInterval(bool) time.Duration { return s.Interval }
func (s FixedIntervalStrategy) Reset()                          {}

// ExponentialBackoffStrategy는 실패가 이어질 때 간격을 지수적으로 늘리는 전략입니다
type ExponentialBackoffStrategy struct {
	baseInterval   time.Duration
	maxInterval    time.Duration
	multiplier     float64
	currentBackoff int
	logger         *logrus.Logger
}

// NewExponentialBackoffStrategy는 새로운 지수 백오프 전략을 생성합니다
func NewExponentialBackoffStrategy(
	baseInterval time.Duration,
	maxInterval time.Duration,
	multiplier float64,
	logger *logrus.Logger,
) *ExponentialBackoffStrategy {
	if multiplier <= 1 {
		multiplier = 2.0
	}
	if maxInterval < baseInterval {
		maxInterval = baseInterval
	}
	return &ExponentialBackoffStrategy{
		baseInterval: baseInterval,
		maxInterval:  maxInterval,
		multiplier:   multiplier,
		logger:       logger,
	}
}

// NextInterval은 다음 실행까지의 대기 시간을 계산합니다
func (s *ExponentialBackoffStrategy) NextInterval(success bool) time.Duration {
	if success {
		if s.currentBackoff > 0 {
			s.logger.Debug("Resetting backoff after success")
			s.Reset()
		}
		return s.baseInterval
	}

	s.currentBackoff++
	metrics.SetBackoffLevel(float64(s.currentBackoff))

	next := time.Duration(float64(s.baseInterval) * math.Pow(s.multiplier, float64(s.currentBackoff-1)))
	if next > s.maxInterval || next <= 0 {
		next = s.maxInterval
	}

	s.logger.WithFields(logrus.Fields{
		"backoff_count": s.currentBackoff,
		"next_interval": next,
		"max_interval":  s.maxInterval,
	}).Debug("Exponential backoff calculated")
	return next
}

// Reset은 백오프 카운터를 리셋합니다
func (s *ExponentialBackoffStrategy) Reset() {
	s.currentBackoff = 0
	metrics.SetBackoffLevel(0)
}

// PollingController는 전략에 따라 작업을 반복 실행합니다
type PollingController struct {
	strategy Strategy
	logger   *logrus.Logger
}

// NewPollingController는 새로운 폴링 컨트롤러를 생성합니다
func NewPollingController(strategy Strategy, logger *logrus.Logger) *PollingController {
	return &PollingController{
		strategy: strategy,
		logger:   logger,
	}
}

// Start는 작업을 즉시 한 번 실행한 뒤 ctx가 끝날 때까지 반복합니다.
// 재시작 직후의 첫 실행이 이전 프로세스가 남긴 작업을 바로 처리합니다.
func (c *PollingController) Start(ctx context.Context, task func(context.Context) error) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			err := task(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Error("Polling task failed")
			}
			timer.Reset(c.strategy.NextInterval(err == nil))
		}
	}
}
