package orchestrator

import (
	"context"

	"nmstate-agent/internal/application/usecases"
	"nmstate-agent/internal/domain/entities"
)

// LocalChannel은 이 프로세스의 유스케이스로 파이프라인을 실행하는 HostChannel입니다
type LocalChannel struct {
	apply    *usecases.ApplyStateUseCase
	get      *usecases.GetStateUseCase
	plan     *usecases.PlanStateUseCase
	rollback *usecases.RollbackUseCase
}

// NewLocalChannel은 새로운 LocalChannel을 생성합니다
func NewLocalChannel(
	apply *usecases.ApplyStateUseCase,
	get *usecases.GetStateUseCase,
	plan *usecases.PlanStateUseCase,
	rollback *usecases.RollbackUseCase,
) *LocalChannel {
	return &LocalChannel{apply: apply, get: get, plan: plan, rollback: rollback}
}

func (c *LocalChannel) Apply(ctx context.Context, req entities.ApplyRequest) entities.ApplyResult {
	return c.apply.Execute(ctx, req)
}

func (c *LocalChannel) GetState(ctx context.Context, host string, opts entities.ShowOptions) (entities.NetworkState, error) {
	return c.get.Execute(ctx, usecases.GetStateInput{Options: opts})
}

func (c *LocalChannel) Plan(ctx context.Context, host string, desired entities.NetworkState) (entities.StateChange, error) {
	return c.plan.Execute(ctx, desired)
}

func (c *LocalChannel) Rollback(ctx context.Context, host string) entities.ApplyResult {
	return c.rollback.Execute(ctx, host)
}
