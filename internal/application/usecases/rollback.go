package usecases

import (
	"context"
	"time"

	"nmstate-agent/internal/application/checkpoint"
	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/infrastructure/metrics"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// RollbackUseCase는 호스트의 열린 체크포인트를 명시적으로 복구하는 유스케이스입니다
type RollbackUseCase struct {
	manager *checkpoint.Manager
	logger  *logrus.Logger
}

// NewRollbackUseCase는 새로운 RollbackUseCase를 생성합니다
func NewRollbackUseCase(manager *checkpoint.Manager, logger *logrus.Logger) *RollbackUseCase {
	return &RollbackUseCase{manager: manager, logger: logger}
}

// Execute는 롤백을 수행합니다. 열린 체크포인트가 없으면 failed-no-checkpoint + NOT_FOUND입니다.
func (uc *RollbackUseCase) Execute(ctx context.Context, host string) entities.ApplyResult {
	wallStart := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rollback")
	defer span.End()

	res := uc.manager.Rollback(ctx, host)
	span.SetAttributes(
		attribute.String("host", host),
		attribute.String("outcome", string(res.Outcome)),
	)
	metrics.RecordApply(string(res.Outcome), time.Since(wallStart).Seconds())

	uc.logger.WithFields(logrus.Fields{
		"host":    host,
		"outcome": res.Outcome,
	}).Info("롤백 요청 처리 완료")
	return res
}
