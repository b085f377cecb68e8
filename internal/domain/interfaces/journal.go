package interfaces

import (
	"context"
	"time"

	"nmstate-agent/internal/domain/entities"
)

// JournalState는 저널 항목의 상태입니다
type JournalState string

const (
	JournalStateOpen          JournalState = "open"
	JournalStateResolved      JournalState = "resolved"
	JournalStateRestoreFailed JournalState = "restore-failed"

	// JournalStateReceived는 저널 항목이 아니라 조회 결과에만 쓰입니다.
	// 요청은 받았지만 체크포인트가 열리기 전입니다.
	JournalStateReceived JournalState = "received"
)

// JournalEntry는 호스트별 체크포인트 저널 항목입니다.
// 프로세스가 죽어도 남아서 watchdog과 다른 프로세스가 열린 체크포인트를 알 수 있게 합니다.
type JournalEntry struct {
	Host       string
	Token      string
	Checkpoint entities.Checkpoint
	State      JournalState
	Result     *entities.ApplyResult
	UpdatedAt  time.Time
}

// Live는 아직 결론이 나지 않은 항목인지 확인합니다
func (e JournalEntry) Live() bool {
	return e.State == JournalStateOpen
}

// CheckpointJournal은 엔진 프로세스 밖에 보존되는 체크포인트 저널입니다
type CheckpointJournal interface {
	// Open은 호스트의 열린 체크포인트를 기록합니다. 이미 live 항목이 있으면 CheckpointConflict를 반환합니다.
	Open(ctx context.Context, entry JournalEntry) error

	// Resolve는 항목을 최종 상태와 결과로 갱신하거나 새로 기록합니다.
	// 다른 토큰의 live 항목이 있으면 건드리지 않고 CheckpointConflict를 반환합니다.
	Resolve(ctx context.Context, host string, state JournalState, result entities.ApplyResult) error

	// Get은 호스트의 현재 항목을 조회합니다. 없으면 NotFound 에러입니다.
	Get(ctx context.Context, host string) (JournalEntry, error)

	// FindByToken은 호스트와 요청 토큰으로 항목을 조회합니다. 없으면 NotFound 에러입니다.
	FindByToken(ctx context.Context, host, token string) (JournalEntry, error)

	// ListExpired는 기한이 지난 open 항목들을 반환합니다
	ListExpired(ctx context.Context, now time.Time) ([]JournalEntry, error)

	// Prune은 보존 기간이 지난 resolved 항목을 삭제합니다
	Prune(ctx context.Context, before time.Time) (int, error)
}

// RequestTracker는 프로세스가 받아들였지만 아직 결론을 저널에 남기지 않은 요청을 기록합니다.
// 체크포인트가 열리기 전의 요청도 토큰 조회에서 진행 중으로 보이게 합니다.
type RequestTracker interface {
	Mark(host, token string) error
	Unmark(host, token string)
	Pending(host, token string) bool
}
