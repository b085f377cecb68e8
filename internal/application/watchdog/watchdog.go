package watchdog

import (
	"context"
	"time"

	"nmstate-agent/internal/application/checkpoint"
	"nmstate-agent/internal/application/polling"
	"nmstate-agent/internal/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

// SweepResult는 watchdog 한 사이클의 결과입니다
type SweepResult struct {
	Recovered int `json:"recovered"`
	Pruned    int `json:"pruned"`
}

// Watchdog은 기한이 지난 체크포인트를 저널에서 찾아 복구하고 오래된 결과를 정리합니다.
// 자체 만료 기능이 없는 백엔드(netplan)는 엔진이 죽어도 이 sweep으로 적용 전 상태로 돌아갑니다.
type Watchdog struct {
	manager  *checkpoint.Manager
	logger   *logrus.Logger
	observer func(SweepResult, error)
}

// NewWatchdog은 새로운 Watchdog을 생성합니다
func NewWatchdog(manager *checkpoint.Manager, logger *logrus.Logger) *Watchdog {
	return &Watchdog{manager: manager, logger: logger}
}

// SetObserver는 Run의 사이클마다 결과를 받을 함수를 등록합니다 (헬스 체크)
func (w *Watchdog) SetObserver(observer func(SweepResult, error)) {
	w.observer = observer
}

// Sweep은 한 사이클을 실행합니다
func (w *Watchdog) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.RecordWatchdogCycle(time.Since(start).Seconds()) }()

	var result SweepResult
	recovered, err := w.manager.RecoverExpired(ctx)
	result.Recovered = recovered
	if err != nil {
		return result, err
	}

	pruned, err := w.manager.PruneResults(ctx)
	result.Pruned = pruned
	if err != nil {
		return result, err
	}

	if recovered > 0 || pruned > 0 {
		w.logger.WithFields(logrus.Fields{
			"recovered": recovered,
			"pruned":    pruned,
		}).Info("watchdog sweep 완료")
	}
	return result, nil
}

// Run은 ctx가 끝날 때까지 controller의 간격으로 Sweep을 반복합니다
func (w *Watchdog) Run(ctx context.Context, controller *polling.PollingController) error {
	w.logger.Info("watchdog 시작")
	return controller.Start(ctx, func(ctx context.Context) error {
		res, err := w.Sweep(ctx)
		if err != nil {
			metrics.RecordError("WATCHDOG")
		}
		if w.observer != nil {
			w.observer(res, err)
		}
		return err
	})
}
