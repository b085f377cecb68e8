package usecases

import (
	"context"
	"fmt"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// GetStateUseCase는 현재 네트워크 상태를 조회하는 유스케이스입니다
type GetStateUseCase struct {
	backend interfaces.StateBackend
	logger  *logrus.Logger
}

// NewGetStateUseCase는 새로운 GetStateUseCase를 생성합니다
func NewGetStateUseCase(backend interfaces.StateBackend, logger *logrus.Logger) *GetStateUseCase {
	return &GetStateUseCase{backend: backend, logger: logger}
}

// GetStateInput은 유스케이스의 입력 파라미터입니다
type GetStateInput struct {
	// Interface가 지정되면 해당 인터페이스만 반환합니다
	Interface string
	// Options가 기본값이 아니면 백엔드가 OptionQuerier를 구현해야 합니다
	Options entities.ShowOptions
}

// Execute는 백엔드에서 상태를 조회합니다. 지정한 인터페이스가 없으면 NotFound 에러입니다.
func (uc *GetStateUseCase) Execute(ctx context.Context, input GetStateInput) (entities.NetworkState, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "get_state")
	defer span.End()
	span.SetAttributes(
		attribute.String("interface", input.Interface),
		attribute.Bool("kernel_only", input.Options.KernelOnly),
		attribute.Bool("running_config", input.Options.RunningConfig),
	)

	state, err := uc.query(ctx, input.Options)
	if err != nil {
		span.RecordError(err)
		if errors.IsValidationError(err) {
			return entities.NetworkState{}, err
		}
		return entities.NetworkState{}, errors.NewSystemError("failed to query network state", err)
	}

	if input.Interface == "" {
		return state, nil
	}
	filtered, ok := state.FilterInterface(input.Interface)
	if !ok {
		uc.logger.WithField("interface", input.Interface).Debug("요청한 인터페이스 없음")
		return entities.NetworkState{}, errors.NewNotFoundError(fmt.Sprintf("Interface '%s' not found", input.Interface))
	}
	return filtered, nil
}

// query는 기본 조회가 아니면 백엔드의 옵션 조회를 사용합니다.
// 옵션을 지원하지 않는 백엔드(netplan, memory)는 무시하지 않고 거부합니다.
func (uc *GetStateUseCase) query(ctx context.Context, opts entities.ShowOptions) (entities.NetworkState, error) {
	if opts.IsZero() {
		return uc.backend.Query(ctx)
	}
	querier, ok := uc.backend.(interfaces.OptionQuerier)
	if !ok {
		return entities.NetworkState{}, errors.NewValidationError(
			fmt.Sprintf("backend %s does not support kernel_only, running_config or show_secrets", uc.backend.Name()), nil)
	}
	return querier.QueryWith(ctx, opts)
}
