package interfaces

import (
	"context"

	"nmstate-agent/internal/domain/entities"
)

// HostChannel은 한 호스트에서 엔진 파이프라인을 실행하는 채널입니다 (로컬 또는 SSH)
type HostChannel interface {
	Apply(ctx context.Context, req entities.ApplyRequest) entities.ApplyResult
	GetState(ctx context.Context, host string, opts entities.ShowOptions) (entities.NetworkState, error)
	Plan(ctx context.Context, host string, desired entities.NetworkState) (entities.StateChange, error)
	Rollback(ctx context.Context, host string) entities.ApplyResult
}

// HostEndpoint는 원격 호스트 접속 정보입니다
type HostEndpoint struct {
	Name    string
	Address string
	Port    int
	User    string
	KeyFile string
}

// HostResolver는 호스트 이름을 접속 정보로 변환합니다
type HostResolver interface {
	Resolve(host string) (HostEndpoint, error)
}

// ReachabilityVerifier는 적용 이후 관리 채널 도달성을 검증합니다
type ReachabilityVerifier interface {
	// Verify는 정책의 유예 시간 안에 도달성이 확인되면 nil을 반환합니다
	Verify(ctx context.Context, token string, policy entities.VerificationPolicy) error
}
