package usecases

import (
	"context"
	"fmt"

	"nmstate-agent/internal/application/checkpoint"
	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"
)

// StatusUseCase는 요청 토큰으로 파이프라인 결과를 조회하는 유스케이스입니다.
// 연결이 끊긴 뒤 재접속한 오케스트레이터가 재적용 없이 결과를 가져갈 때 사용합니다.
type StatusUseCase struct {
	manager  *checkpoint.Manager
	requests interfaces.RequestTracker
}

// NewStatusUseCase는 새로운 StatusUseCase를 생성합니다. requests는 nil일 수 있습니다.
func NewStatusUseCase(manager *checkpoint.Manager, requests interfaces.RequestTracker) *StatusUseCase {
	return &StatusUseCase{manager: manager, requests: requests}
}

// StatusOutput은 토큰 조회 결과입니다. Result가 nil이면 아직 진행 중입니다.
type StatusOutput struct {
	Host   string                 `json:"host"`
	Token  string                 `json:"token"`
	State  interfaces.JournalState `json:"state"`
	Result *entities.ApplyResult  `json:"result,omitempty"`
}

// Execute는 토큰의 저널 항목을 조회합니다
func (uc *StatusUseCase) Execute(ctx context.Context, host, token string) (StatusOutput, error) {
	entry, err := uc.manager.Lookup(ctx, host, token)
	if err != nil {
		if errors.IsNotFoundError(err) {
			// 체크포인트가 열리기 전의 요청은 진행 중으로 응답
			if uc.requests != nil && uc.requests.Pending(host, token) {
				return StatusOutput{Host: host, Token: token, State: interfaces.JournalStateReceived}, nil
			}
			return StatusOutput{}, errors.NewNotFoundError(fmt.Sprintf("no pipeline recorded for token %s on host %s", token, host))
		}
		return StatusOutput{}, errors.NewSystemError("checkpoint journal lookup failed", err)
	}
	return StatusOutput{
		Host:   host,
		Token:  token,
		State:  entry.State,
		Result: entry.Result,
	}, nil
}
