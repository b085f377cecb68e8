package checkpoint

import (
	"context"
	"fmt"
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"
	"nmstate-agent/internal/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

// Session은 Reserve로 선점한 호스트 하나의 파이프라인 동안 유지되는 핸들입니다.
// 한 파이프라인 goroutine만 사용합니다.
type Session struct {
	m          *Manager
	host       string
	token      string
	slot       *slot
	checkpoint *entities.Checkpoint
	resolved   bool
	finished   bool
}

// Host는 세션의 호스트입니다
func (s *Session) Host() string { return s.host }

// Checkpoint는 열린 체크포인트를 반환합니다
func (s *Session) Checkpoint() (entities.Checkpoint, bool) {
	if s.checkpoint == nil {
		return entities.Checkpoint{}, false
	}
	return *s.checkpoint, true
}

// RollbackRequested는 명시적 롤백 요청이 들어오면 닫히는 채널입니다
func (s *Session) RollbackRequested() <-chan struct{} {
	return s.slot.rollback
}

// Open은 백엔드 체크포인트를 만들고 저널에 기록합니다.
// 체크포인트 기한은 timeout + RestoreMargin이므로 엔진의 복구가 백엔드 자동 만료보다 먼저 일어납니다.
func (s *Session) Open(ctx context.Context, timeout time.Duration) (entities.Checkpoint, error) {
	m := s.m
	cp, err := m.backend.CheckpointCreate(ctx, timeout+m.config.RestoreMargin)
	if err != nil {
		return entities.Checkpoint{}, errors.NewSystemError("failed to create checkpoint", err)
	}
	cp.Host = s.host
	if cp.Backend == "" {
		cp.Backend = m.backend.Name()
	}

	entry := interfaces.JournalEntry{
		Host:       s.host,
		Token:      s.token,
		Checkpoint: cp,
		State:      interfaces.JournalStateOpen,
		UpdatedAt:  m.clock.Now(),
	}
	if err := m.journal.Open(ctx, entry); err != nil {
		// 아직 적용 전이므로 체크포인트만 폐기하면 됩니다
		if derr := m.backend.CheckpointDestroy(context.WithoutCancel(ctx), cp); derr != nil {
			m.logger.WithError(derr).WithField("checkpoint", cp.ID).Warn("저널 기록 실패 후 체크포인트 폐기 실패")
		}
		if errors.IsCheckpointConflictError(err) {
			return entities.Checkpoint{}, err
		}
		return entities.Checkpoint{}, errors.NewSystemError("failed to journal checkpoint", err)
	}

	m.mu.Lock()
	s.slot.state = slotOpen
	s.slot.checkpoint = &cp
	m.mu.Unlock()
	s.checkpoint = &cp
	metrics.CheckpointsOpen.Inc()

	m.logger.WithFields(logrus.Fields{
		"host":       s.host,
		"token":      s.token,
		"checkpoint": cp.ID,
		"deadline":   cp.Deadline,
	}).Info("체크포인트 생성")
	return cp, nil
}

// Commit은 체크포인트를 폐기하여 변경을 확정합니다
func (s *Session) Commit(ctx context.Context) error {
	if s.checkpoint == nil || s.resolved {
		return nil
	}
	if err := s.m.backend.CheckpointDestroy(ctx, *s.checkpoint); err != nil {
		return errors.NewSystemError(fmt.Sprintf("failed to destroy checkpoint %s", s.checkpoint.ID), err)
	}
	s.resolved = true
	metrics.CheckpointsOpen.Dec()
	return nil
}

// Restore는 체크포인트를 복구합니다. 실패하면 RestoreError를 반환합니다.
func (s *Session) Restore(ctx context.Context, trigger string) error {
	if s.checkpoint == nil || s.resolved {
		return nil
	}
	m := s.m
	m.mu.Lock()
	s.slot.state = slotRestoring
	m.mu.Unlock()

	err := m.backend.CheckpointRestore(ctx, *s.checkpoint)
	metrics.RecordRestore(trigger, err == nil)
	logger := m.logger.WithFields(logrus.Fields{
		"host":       s.host,
		"token":      s.token,
		"checkpoint": s.checkpoint.ID,
		"trigger":    trigger,
	})
	if err != nil {
		logger.WithError(err).Error("체크포인트 복구 실패")
		return errors.NewRestoreError(fmt.Sprintf("failed to restore checkpoint %s", s.checkpoint.ID), err)
	}
	s.resolved = true
	metrics.CheckpointsOpen.Dec()
	logger.Info("체크포인트 복구 완료")
	return nil
}

// Finish는 최종 결과를 저널에 기록하고 slot을 해제합니다.
// restore-failed 결과는 slot을 남겨 명시적 롤백 전까지 새 적용을 막습니다.
func (s *Session) Finish(ctx context.Context, result entities.ApplyResult) {
	if s.finished {
		return
	}
	s.finished = true
	m := s.m

	state := interfaces.JournalStateResolved
	if result.Outcome == entities.OutcomeRestoreFailed {
		state = interfaces.JournalStateRestoreFailed
	}
	if err := m.journal.Resolve(ctx, s.host, state, result); err != nil {
		m.logger.WithError(err).WithField("host", s.host).Error("저널 결과 기록 실패")
	}

	m.mu.Lock()
	s.slot.result = result
	if state == interfaces.JournalStateRestoreFailed {
		s.slot.state = slotRestoreFailed
	} else if m.slots[s.host] == s.slot {
		delete(m.slots, s.host)
	}
	m.mu.Unlock()
	close(s.slot.done)
}
