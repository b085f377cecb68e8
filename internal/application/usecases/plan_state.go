package usecases

import (
	"context"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"
	"nmstate-agent/internal/domain/services"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// PlanStateUseCase는 적용 없이 변경 목록과 위험도를 계산하는 유스케이스입니다
type PlanStateUseCase struct {
	backend    interfaces.StateBackend
	management services.ManagementContext
	logger     *logrus.Logger
}

// NewPlanStateUseCase는 새로운 PlanStateUseCase를 생성합니다
func NewPlanStateUseCase(backend interfaces.StateBackend, management services.ManagementContext, logger *logrus.Logger) *PlanStateUseCase {
	return &PlanStateUseCase{backend: backend, management: management, logger: logger}
}

// Execute는 현재 상태를 조회하여 desired와의 diff를 반환합니다
func (uc *PlanStateUseCase) Execute(ctx context.Context, desired entities.NetworkState) (entities.StateChange, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "plan_state")
	defer span.End()

	current, err := uc.backend.Query(ctx)
	if err != nil {
		span.RecordError(err)
		return entities.StateChange{}, errors.NewSystemError("failed to query network state", err)
	}

	change, err := services.NewDiffEngine(uc.management).Diff(current, desired)
	if err != nil {
		span.RecordError(err)
		return entities.StateChange{}, err
	}
	span.SetAttributes(attribute.Int("changes", len(change.Changes)))

	uc.logger.WithFields(logrus.Fields{
		"changes":           len(change.Changes),
		"connectivity_risk": change.HasConnectivityRisk(),
	}).Debug("변경 계획 계산 완료")
	return change, nil
}
