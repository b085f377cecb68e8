package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"
	"nmstate-agent/internal/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

// 복구 트리거 (메트릭 라벨)
const (
	TriggerApplyError   = "apply-error"
	TriggerVerification = "verification"
	TriggerTimeout      = "timeout"
	TriggerCommitError  = "commit-error"
	TriggerExplicit     = "explicit"
	TriggerWatchdog     = "watchdog"
	TriggerRecovery     = "recovery"
)

type slotState int

const (
	slotReserved slotState = iota
	slotOpen
	slotRestoring
	slotRestoreFailed
)

// slot은 호스트 하나의 체크포인트 상태입니다
type slot struct {
	token        string
	state        slotState
	checkpoint   *entities.Checkpoint
	rollback     chan struct{}
	rollbackOnce sync.Once
	done         chan struct{}
	result       entities.ApplyResult
}

func newSlot(token string, state slotState) *slot {
	return &slot{
		token:    token,
		state:    state,
		rollback: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *slot) requestRollback() {
	s.rollbackOnce.Do(func() { close(s.rollback) })
}

// Config는 Manager 설정입니다
type Config struct {
	// RestoreMargin은 백엔드 자체 만료 시각을 파이프라인 타임아웃보다 뒤로 미루는 여유 시간입니다
	RestoreMargin time.Duration
	// ResultRetention은 확정된 결과를 토큰 재전송용으로 보관하는 기간입니다
	ResultRetention time.Duration
	// LocalHost가 있으면 호스트 별칭과 관계없이 모든 slot과 저널 항목의 키가 됩니다.
	// 백엔드는 이 머신 하나만 다룹니다.
	LocalHost string
}

// Manager는 호스트별 체크포인트 수명을 관리합니다.
// 호스트당 열린 체크포인트는 최대 하나이며, 같은 프로세스 안에서는 slot 맵으로,
// 프로세스 사이에서는 저널의 live 항목으로 강제합니다.
// mu는 slot 전이에만 잡히고 백엔드 호출 동안에는 잡히지 않습니다.
type Manager struct {
	backend interfaces.StateBackend
	journal interfaces.CheckpointJournal
	clock   interfaces.Clock
	config  Config
	logger  *logrus.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

// NewManager는 새로운 Manager를 생성합니다
func NewManager(
	backend interfaces.StateBackend,
	journal interfaces.CheckpointJournal,
	clock interfaces.Clock,
	config Config,
	logger *logrus.Logger,
) *Manager {
	return &Manager{
		backend: backend,
		journal: journal,
		clock:   clock,
		config:  config,
		logger:  logger,
		slots:   make(map[string]*slot),
	}
}

// Backend는 관리 대상 백엔드를 반환합니다
func (m *Manager) Backend() interfaces.StateBackend {
	return m.backend
}

// Reserve는 호스트의 slot을 선점합니다. 이미 열린 체크포인트가 있거나
// restore-failed 상태라면 CheckpointConflict를 반환합니다.
// 다른 프로세스가 남긴 기한 지난 항목은 이 자리에서 복구한 뒤 진행합니다.
func (m *Manager) Reserve(ctx context.Context, host, token string) (*Session, error) {
	host = m.key(host)
	m.mu.Lock()
	if existing, ok := m.slots[host]; ok {
		state, owner := existing.state, existing.token
		m.mu.Unlock()
		if state == slotRestoreFailed {
			return nil, errors.NewCheckpointConflictError(
				fmt.Sprintf("host %s is in restore-failed state; an explicit rollback must succeed first", host))
		}
		return nil, errors.NewCheckpointConflictError(
			fmt.Sprintf("host %s already has a pending checkpoint (token %s)", host, owner))
	}
	sl := newSlot(token, slotReserved)
	m.slots[host] = sl
	m.mu.Unlock()

	entry, err := m.journal.Get(ctx, host)
	switch {
	case errors.IsNotFoundError(err):
	case err != nil:
		m.drop(host, sl)
		return nil, errors.NewSystemError("checkpoint journal lookup failed", err)
	case entry.State == interfaces.JournalStateRestoreFailed:
		m.drop(host, sl)
		return nil, errors.NewCheckpointConflictError(
			fmt.Sprintf("host %s is in restore-failed state (token %s); an explicit rollback must succeed first", host, entry.Token))
	case entry.Live() && !entry.Checkpoint.Expired(m.clock.Now()):
		m.drop(host, sl)
		return nil, errors.NewCheckpointConflictError(
			fmt.Sprintf("host %s has an open checkpoint from token %s until %s",
				host, entry.Token, entry.Checkpoint.Deadline.Format(time.RFC3339)))
	case entry.Live():
		m.logger.WithFields(logrus.Fields{
			"host":     host,
			"token":    entry.Token,
			"deadline": entry.Checkpoint.Deadline,
		}).Warn("기한이 지난 체크포인트 발견, 복구 후 진행합니다")
		if res := m.restoreEntry(ctx, entry, TriggerRecovery); res.Outcome == entities.OutcomeRestoreFailed {
			m.drop(host, sl)
			return nil, errors.NewCheckpointConflictError(
				fmt.Sprintf("host %s: stale checkpoint from token %s could not be restored: %s", host, entry.Token, res.Detail))
		}
	}

	return &Session{m: m, host: host, token: token, slot: sl}, nil
}

// Rollback은 호스트의 열린 체크포인트를 명시적으로 복구합니다.
// 이 프로세스에 진행 중인 세션이 있으면 신호를 보내고 그 결과를 기다리며,
// 없으면 다른(죽었을 수도 있는) 프로세스가 저널에 남긴 항목을 복구합니다.
func (m *Manager) Rollback(ctx context.Context, host string) entities.ApplyResult {
	host = m.key(host)
	started := m.clock.Now()

	m.mu.Lock()
	sl, ok := m.slots[host]
	switch {
	case ok && (sl.state == slotReserved || sl.state == slotOpen):
		m.mu.Unlock()
		sl.requestRollback()
		select {
		case <-sl.done:
			res := sl.result
			if res.Outcome == entities.OutcomeCommitted {
				res.Detail = "pipeline committed before the rollback request took effect"
			}
			return res
		case <-ctx.Done():
			return m.failure(host, sl.token, started, entities.OutcomeTimedOut,
				errors.NewTimeoutError("timed out waiting for the in-flight pipeline to roll back"))
		}

	case ok && sl.state == slotRestoreFailed:
		sl.state = slotRestoring
		cp := *sl.checkpoint
		token := sl.token
		m.mu.Unlock()

		entry := interfaces.JournalEntry{Host: host, Token: token, Checkpoint: cp, State: interfaces.JournalStateRestoreFailed}
		res := m.restoreEntry(ctx, entry, TriggerExplicit)
		m.mu.Lock()
		if res.Outcome == entities.OutcomeRestoreFailed {
			sl.state = slotRestoreFailed
		} else {
			delete(m.slots, host)
		}
		m.mu.Unlock()
		res.StartedAt = started
		return res

	case ok:
		m.mu.Unlock()
		return m.failure(host, sl.token, started, entities.OutcomeFailedNoCheckpoint,
			errors.NewCheckpointConflictError(fmt.Sprintf("host %s is already being restored", host)))
	}
	claim := newSlot("", slotRestoring)
	m.slots[host] = claim
	m.mu.Unlock()
	defer m.drop(host, claim)

	entry, err := m.journal.Get(ctx, host)
	if err != nil && !errors.IsNotFoundError(err) {
		return m.failure(host, "", started, entities.OutcomeFailedNoCheckpoint,
			errors.NewSystemError("checkpoint journal lookup failed", err))
	}
	if err != nil || !(entry.Live() || entry.State == interfaces.JournalStateRestoreFailed) {
		return m.failure(host, "", started, entities.OutcomeFailedNoCheckpoint,
			errors.NewNotFoundError(fmt.Sprintf("no open checkpoint for host %s", host)))
	}

	res := m.restoreEntry(ctx, entry, TriggerExplicit)
	res.StartedAt = started
	return res
}

// RecoverExpired는 기한이 지난 open 저널 항목을 모두 복구하고 복구한 수를 반환합니다.
// 이 프로세스에 살아 있는 세션이 있는 호스트는 건너뜁니다.
func (m *Manager) RecoverExpired(ctx context.Context) (int, error) {
	entries, err := m.journal.ListExpired(ctx, m.clock.Now())
	if err != nil {
		return 0, errors.NewSystemError("failed to list expired checkpoints", err)
	}

	recovered := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}

		host := m.key(entry.Host)
		m.mu.Lock()
		if _, busy := m.slots[host]; busy {
			m.mu.Unlock()
			continue
		}
		claim := newSlot(entry.Token, slotRestoring)
		m.slots[host] = claim
		m.mu.Unlock()

		res := m.restoreEntry(ctx, entry, TriggerWatchdog)
		m.drop(host, claim)
		if res.Outcome == entities.OutcomeRolledBack {
			recovered++
		}
	}
	return recovered, nil
}

// PruneResults는 보존 기간이 지난 확정 결과를 저널에서 삭제합니다
func (m *Manager) PruneResults(ctx context.Context) (int, error) {
	if m.config.ResultRetention <= 0 {
		return 0, nil
	}
	return m.journal.Prune(ctx, m.clock.Now().Add(-m.config.ResultRetention))
}

// Lookup은 호스트의 요청 토큰으로 저널 항목을 찾습니다
func (m *Manager) Lookup(ctx context.Context, host, token string) (interfaces.JournalEntry, error) {
	return m.journal.FindByToken(ctx, m.key(host), token)
}

func (m *Manager) key(host string) string {
	if m.config.LocalHost != "" {
		return m.config.LocalHost
	}
	return host
}

// OpenCount는 이 프로세스에서 열려 있는 체크포인트 수입니다
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sl := range m.slots {
		if sl.state == slotOpen || sl.state == slotRestoring {
			n++
		}
	}
	return n
}

// restoreEntry는 저널 항목의 체크포인트를 복구하고 저널을 갱신합니다
func (m *Manager) restoreEntry(ctx context.Context, entry interfaces.JournalEntry, trigger string) entities.ApplyResult {
	now := m.clock.Now()
	res := entities.ApplyResult{
		Host:      entry.Host,
		Token:     entry.Token,
		StartedAt: now,
	}
	if entry.Result != nil {
		res.Change = entry.Result.Change
	}
	logger := m.logger.WithFields(logrus.Fields{
		"host":       entry.Host,
		"token":      entry.Token,
		"checkpoint": entry.Checkpoint.ID,
		"trigger":    trigger,
	})

	var restoreErr error
	switch {
	case entry.Checkpoint.Backend != "" && entry.Checkpoint.Backend != m.backend.Name():
		restoreErr = fmt.Errorf("checkpoint belongs to backend %q, running backend is %q",
			entry.Checkpoint.Backend, m.backend.Name())
	case entry.Checkpoint.SelfExpiring && entry.Checkpoint.Expired(now):
		res.Detail = fmt.Sprintf("checkpoint self-expired at %s; backend restored the pre-apply state",
			entry.Checkpoint.Deadline.Format(time.RFC3339))
	default:
		restoreErr = m.backend.CheckpointRestore(ctx, entry.Checkpoint)
	}
	metrics.RecordRestore(trigger, restoreErr == nil)

	state := interfaces.JournalStateResolved
	if restoreErr != nil {
		state = interfaces.JournalStateRestoreFailed
		res.Outcome = entities.OutcomeRestoreFailed
		res.Error = &entities.ResultError{Type: string(errors.ErrorTypeRestore), Message: restoreErr.Error()}
		res.Detail = "restore of the checkpoint failed; host state is unknown and needs operator attention"
		metrics.RecordError(string(errors.ErrorTypeRestore))
		logger.WithError(restoreErr).Error("체크포인트 복구 실패")
	} else {
		res.Outcome = entities.OutcomeRolledBack
		if res.Detail == "" {
			res.Detail = "checkpoint restored; host is back to its pre-apply state"
		}
		logger.Info("체크포인트 복구 완료")
	}
	res.FinishedAt = m.clock.Now()

	if err := m.journal.Resolve(ctx, entry.Host, state, res); err != nil {
		logger.WithError(err).Error("저널 갱신 실패")
	}
	return res
}

func (m *Manager) failure(host, token string, started time.Time, outcome entities.Outcome, err *errors.DomainError) entities.ApplyResult {
	return entities.ApplyResult{
		Host:       host,
		Token:      token,
		Outcome:    outcome,
		Error:      &entities.ResultError{Type: string(err.Type), Message: err.Message},
		Detail:     err.Error(),
		StartedAt:  started,
		FinishedAt: m.clock.Now(),
	}
}

// drop은 slot이 여전히 sl일 때만 제거합니다
func (m *Manager) drop(host string, sl *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[host] == sl {
		delete(m.slots, host)
	}
}
