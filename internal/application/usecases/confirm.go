package usecases

import (
	"context"
	"fmt"

	"nmstate-agent/internal/application/checkpoint"
	"nmstate-agent/internal/domain/errors"

	"github.com/sirupsen/logrus"
)

// Confirmer는 독립된 연결로 호스트에 도달했음을 기록합니다
type Confirmer interface {
	Confirm(token string) error
}

// ConfirmUseCase는 새 연결에서 실행된 `confirm --token`을 열린 파이프라인의 검증 단계에 전달합니다
type ConfirmUseCase struct {
	manager   *checkpoint.Manager
	confirmer Confirmer
	logger    *logrus.Logger
}

// NewConfirmUseCase는 새로운 ConfirmUseCase를 생성합니다
func NewConfirmUseCase(manager *checkpoint.Manager, confirmer Confirmer, logger *logrus.Logger) *ConfirmUseCase {
	return &ConfirmUseCase{manager: manager, confirmer: confirmer, logger: logger}
}

// Execute는 토큰의 체크포인트가 열려 있을 때만 확인을 기록합니다
func (uc *ConfirmUseCase) Execute(ctx context.Context, host, token string) error {
	entry, err := uc.manager.Lookup(ctx, host, token)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return errors.NewNotFoundError(fmt.Sprintf("no pipeline recorded for token %s on host %s", token, host))
		}
		return errors.NewSystemError("checkpoint journal lookup failed", err)
	}
	if !entry.Live() {
		return errors.NewValidationError(
			fmt.Sprintf("pipeline for token %s is no longer open (state %s)", token, entry.State), nil)
	}

	if err := uc.confirmer.Confirm(token); err != nil {
		return err
	}
	uc.logger.WithFields(logrus.Fields{
		"host":  host,
		"token": token,
	}).Info("독립 연결 도달 확인 기록")
	return nil
}
