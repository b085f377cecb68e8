package interfaces

import (
	"context"
	"time"

	"nmstate-agent/internal/domain/entities"
)

// StateBackend는 선언적 네트워크 상태 프리미티브(nmstate, netplan 등)에 대한 어댑터 인터페이스입니다
type StateBackend interface {
	// Name은 백엔드 이름을 반환합니다
	Name() string

	// Query는 현재 네트워크 상태를 조회합니다
	Query(ctx context.Context) (entities.NetworkState, error)

	// Apply는 정렬된 변경 목록을 적용합니다
	Apply(ctx context.Context, change entities.StateChange) error

	// CheckpointCreate는 적용 직전 상태의 체크포인트를 생성합니다.
	// SelfExpiring 백엔드는 timeout이 지나면 엔진 없이 스스로 복구합니다.
	CheckpointCreate(ctx context.Context, timeout time.Duration) (entities.Checkpoint, error)

	// CheckpointRestore는 체크포인트 시점으로 상태를 복구합니다
	CheckpointRestore(ctx context.Context, cp entities.Checkpoint) error

	// CheckpointDestroy는 체크포인트를 폐기하여 변경을 확정합니다
	CheckpointDestroy(ctx context.Context, cp entities.Checkpoint) error

	// SelfExpiring은 체크포인트가 백엔드 측 타이머로 자동 복구되는지 여부입니다
	SelfExpiring() bool
}

// OptionQuerier는 조회 옵션(커널 전용, 적용된 설정, 비밀 값)을 지원하는 백엔드가 구현합니다
type OptionQuerier interface {
	QueryWith(ctx context.Context, opts entities.ShowOptions) (entities.NetworkState, error)
}
