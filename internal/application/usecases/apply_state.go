package usecases

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"nmstate-agent/internal/application/checkpoint"
	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"
	"nmstate-agent/internal/domain/services"
	"nmstate-agent/internal/infrastructure/metrics"
	"nmstate-agent/pkg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "nmstate-agent/usecases"

// ApplyStateConfig는 로컬 적용 파이프라인 설정입니다
type ApplyStateConfig struct {
	Management services.ManagementContext
	// DefaultGracePeriod는 정책에 유예 시간이 없을 때 사용됩니다
	DefaultGracePeriod time.Duration
	// RestoreTimeout은 호출자 취소와 분리된 복구 작업의 제한 시간입니다
	RestoreTimeout time.Duration
}

// confirmationClearer는 토큰별 확인 마커를 정리할 수 있는 검증기입니다
type confirmationClearer interface {
	Clear(token string)
}

// ApplyStateUseCase는 한 호스트에서 desired state를 체크포인트 보호 아래 적용하는 유스케이스입니다
type ApplyStateUseCase struct {
	manager   *checkpoint.Manager
	verifier  interfaces.ReachabilityVerifier
	clock     interfaces.Clock
	config    ApplyStateConfig
	validator *validator.Validate
	logger    *logrus.Logger
}

// NewApplyStateUseCase는 새로운 ApplyStateUseCase를 생성합니다
func NewApplyStateUseCase(
	manager *checkpoint.Manager,
	verifier interfaces.ReachabilityVerifier,
	clock interfaces.Clock,
	config ApplyStateConfig,
	logger *logrus.Logger,
) *ApplyStateUseCase {
	if config.RestoreTimeout <= 0 {
		config.RestoreTimeout = 2 * time.Minute
	}
	return &ApplyStateUseCase{
		manager:   manager,
		verifier:  verifier,
		clock:     clock,
		config:    config,
		validator: validator.New(),
		logger:    logger,
	}
}

// 실패 단계
type stage int

const (
	stageApply stage = iota
	stageVerify
	stageCommit
)

// pipeline은 체크포인트를 연 뒤의 실행 상태입니다
type pipeline struct {
	req      entities.ApplyRequest
	started  time.Time
	change   entities.StateChange
	session  *checkpoint.Session
	caller   context.Context
	deadline context.Context
	explicit atomic.Bool
	logger   *logrus.Entry
}

// Execute는 적용 파이프라인을 실행합니다. 요청 하나는 항상 결과 하나를 만들며 에러를 반환하지 않습니다.
//
// 순서: 요청 검증 → 토큰 조회 → 호스트 선점 → 조회 → diff → 체크포인트 → 적용 → 검증 → 확정.
// 체크포인트 이후의 모든 실패는 복구를 거쳐 끝납니다.
func (uc *ApplyStateUseCase) Execute(ctx context.Context, req entities.ApplyRequest) (result entities.ApplyResult) {
	wallStart := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "apply_state", trace.WithAttributes(
		attribute.String("host", req.Host),
		attribute.String("token", req.Token),
	))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
		if result.Error != nil {
			span.SetAttributes(attribute.String("error.type", result.Error.Type))
		}
		span.End()
		metrics.RecordApply(string(result.Outcome), time.Since(wallStart).Seconds())
		if result.Error != nil {
			metrics.RecordError(result.Error.Type)
		}
	}()

	started := uc.clock.Now()
	logger := uc.logger.WithFields(logrus.Fields{
		"host":  req.Host,
		"token": req.Token,
	})

	if err := uc.validate(req); err != nil {
		return uc.failure(req, started, entities.OutcomeFailedNoCheckpoint, entities.StateChange{}, err)
	}

	entry, err := uc.manager.Lookup(ctx, req.Host, req.Token)
	switch {
	case err == nil && entry.Result != nil:
		logger.Info("이미 처리된 토큰, 저장된 결과를 반환합니다")
		return *entry.Result
	case err == nil:
		return uc.failure(req, started, entities.OutcomeFailedNoCheckpoint, entities.StateChange{},
			errors.NewCheckpointConflictError(fmt.Sprintf("request token %s is still in progress on host %s", req.Token, req.Host)))
	case !errors.IsNotFoundError(err):
		return uc.failure(req, started, entities.OutcomeFailedNoCheckpoint, entities.StateChange{},
			errors.NewSystemError("checkpoint journal lookup failed", err))
	}

	session, err := uc.manager.Reserve(ctx, req.Host, req.Token)
	if err != nil {
		logger.WithError(err).Warn("호스트 선점 실패")
		return uc.failure(req, started, entities.OutcomeFailedNoCheckpoint, entities.StateChange{}, err)
	}
	defer func() {
		session.Finish(context.WithoutCancel(ctx), result)
		if clearer, ok := uc.verifier.(confirmationClearer); ok {
			clearer.Clear(req.Token)
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	backend := uc.manager.Backend()
	current, err := backend.Query(pctx)
	if err != nil {
		if pctx.Err() != nil {
			return uc.failure(req, started, entities.OutcomeTimedOut, entities.StateChange{},
				errors.NewTimeoutError(fmt.Sprintf("state query did not finish within %v", req.Timeout)))
		}
		return uc.failure(req, started, entities.OutcomeFailedNoCheckpoint, entities.StateChange{},
			errors.NewSystemError("failed to query current state", err))
	}

	change, err := services.NewDiffEngine(uc.config.Management).Diff(current, req.Desired)
	if err != nil {
		return uc.failure(req, started, entities.OutcomeFailedNoCheckpoint, entities.StateChange{}, err)
	}
	for _, c := range change.Changes {
		metrics.RecordStateChange(string(c.Op), string(c.Risk))
	}
	span.SetAttributes(attribute.Int("changes", len(change.Changes)))

	if change.IsEmpty() {
		logger.Info("변경 사항 없음")
		return entities.ApplyResult{
			Host:       req.Host,
			Token:      req.Token,
			Outcome:    entities.OutcomeCommitted,
			Change:     change,
			Detail:     "no changes required",
			StartedAt:  started,
			FinishedAt: uc.clock.Now(),
		}
	}

	cp, err := session.Open(pctx, req.Timeout)
	if err != nil {
		logger.WithError(err).Error("체크포인트 생성 실패, 적용하지 않습니다")
		return uc.failure(req, started, entities.OutcomeFailedNoCheckpoint, change, err)
	}
	span.SetAttributes(attribute.String("checkpoint", cp.ID))

	p := &pipeline{
		req:      req,
		started:  started,
		change:   change,
		session:  session,
		caller:   ctx,
		deadline: pctx,
		logger:   logger.WithField("checkpoint", cp.ID),
	}
	return uc.run(p)
}

// run은 체크포인트가 열린 상태에서 적용, 검증, 확정을 수행합니다
func (uc *ApplyStateUseCase) run(p *pipeline) entities.ApplyResult {
	opCtx, stop := context.WithCancel(p.deadline)
	defer stop()
	go func() {
		select {
		case <-p.session.RollbackRequested():
			p.explicit.Store(true)
			stop()
		case <-opCtx.Done():
		}
	}()

	select {
	case <-p.session.RollbackRequested():
		p.explicit.Store(true)
		return uc.recover(p, stageApply, context.Canceled)
	default:
	}

	p.logger.WithField("changes", len(p.change.Changes)).Info("변경 적용 시작")
	if err := uc.manager.Backend().Apply(opCtx, p.change); err != nil {
		return uc.recover(p, stageApply, err)
	}

	if p.req.Policy.Requires(p.change) {
		policy := p.req.Policy
		if policy.GracePeriod <= 0 {
			policy.GracePeriod = uc.config.DefaultGracePeriod
		}
		p.logger.WithField("grace_period", policy.GracePeriod).Info("도달성 검증 시작")
		if err := uc.verifier.Verify(opCtx, p.req.Token, policy); err != nil {
			return uc.recover(p, stageVerify, err)
		}
	}

	if err := opCtx.Err(); err != nil {
		return uc.recover(p, stageVerify, err)
	}

	if err := p.session.Commit(context.WithoutCancel(p.caller)); err != nil {
		return uc.recover(p, stageCommit, err)
	}

	p.logger.Info("변경 확정")
	return entities.ApplyResult{
		Host:       p.req.Host,
		Token:      p.req.Token,
		Outcome:    entities.OutcomeCommitted,
		Change:     p.change,
		Detail:     fmt.Sprintf("%d change(s) applied and committed", len(p.change.Changes)),
		StartedAt:  p.started,
		FinishedAt: uc.clock.Now(),
	}
}

// recover는 실패 원인을 분류하고 체크포인트를 복구합니다.
// 명시적 롤백 요청, 기한 초과 또는 호출자 취소, 단계별 실패 순으로 판단합니다.
func (uc *ApplyStateUseCase) recover(p *pipeline, failed stage, cause error) entities.ApplyResult {
	var (
		trigger string
		outcome = entities.OutcomeRolledBack
		reason  error
		detail  string
	)
	switch {
	case p.explicit.Load():
		trigger = checkpoint.TriggerExplicit
		detail = "rolled back on explicit request"
	case p.deadline.Err() != nil:
		trigger = checkpoint.TriggerTimeout
		outcome = entities.OutcomeTimedOut
		if p.caller.Err() != nil && !stderrors.Is(p.caller.Err(), context.DeadlineExceeded) {
			reason = errors.NewTimeoutError("pipeline cancelled by the caller")
		} else {
			reason = errors.NewTimeoutError(fmt.Sprintf("pipeline did not finish within %v", p.req.Timeout))
		}
		detail = "pipeline deadline exceeded; checkpoint restored"
	case failed == stageApply:
		trigger = checkpoint.TriggerApplyError
		reason = asDomainError(cause, func(err error) *errors.DomainError {
			return errors.NewApplyError("backend rejected the change", err)
		})
		detail = "apply failed; checkpoint restored"
	case failed == stageVerify:
		trigger = checkpoint.TriggerVerification
		reason = asDomainError(cause, func(err error) *errors.DomainError {
			return errors.NewVerificationTimeoutError("reachability verification failed", err)
		})
		detail = "reachability was not confirmed within the grace period; checkpoint restored"
	default:
		trigger = checkpoint.TriggerCommitError
		reason = asDomainError(cause, func(err error) *errors.DomainError {
			return errors.NewSystemError("failed to commit checkpoint", err)
		})
		detail = "commit failed; checkpoint restored"
	}

	logger := p.logger.WithField("trigger", trigger)
	if reason != nil {
		logger = logger.WithError(reason)
	}
	logger.Warn("체크포인트 복구 시작")

	rctx, cancel := context.WithTimeout(context.WithoutCancel(p.caller), uc.config.RestoreTimeout)
	defer cancel()
	if err := p.session.Restore(rctx, trigger); err != nil {
		if reason != nil {
			detail = fmt.Sprintf("%s; restore after failure (%v) failed; host state is unknown", err.Error(), reason)
		} else {
			detail = fmt.Sprintf("%s; host state is unknown", err.Error())
		}
		return uc.failure(p.req, p.started, entities.OutcomeRestoreFailed, p.change, err, detail)
	}

	res := entities.ApplyResult{
		Host:       p.req.Host,
		Token:      p.req.Token,
		Outcome:    outcome,
		Change:     p.change,
		Detail:     detail,
		StartedAt:  p.started,
		FinishedAt: uc.clock.Now(),
	}
	if reason != nil {
		res.Error = resultError(reason)
	}
	return res
}

func (uc *ApplyStateUseCase) validate(req entities.ApplyRequest) error {
	if err := uc.validator.Struct(req); err != nil {
		return errors.NewValidationError("invalid apply request", err)
	}
	if err := utils.ValidateToken(req.Token); err != nil {
		return errors.NewValidationError("invalid apply request", err)
	}
	return nil
}

func (uc *ApplyStateUseCase) failure(
	req entities.ApplyRequest,
	started time.Time,
	outcome entities.Outcome,
	change entities.StateChange,
	err error,
	detail ...string,
) entities.ApplyResult {
	res := entities.ApplyResult{
		Host:       req.Host,
		Token:      req.Token,
		Outcome:    outcome,
		Change:     change,
		Error:      resultError(err),
		Detail:     err.Error(),
		StartedAt:  started,
		FinishedAt: uc.clock.Now(),
	}
	if len(detail) > 0 {
		res.Detail = detail[0]
	}
	return res
}

// resultError는 에러를 결과용 에러 정보로 변환합니다
func resultError(err error) *entities.ResultError {
	var de *errors.DomainError
	if stderrors.As(err, &de) {
		msg := de.Message
		if de.Cause != nil {
			msg = fmt.Sprintf("%s: %v", de.Message, de.Cause)
		}
		return &entities.ResultError{Type: string(de.Type), Message: msg}
	}
	return &entities.ResultError{Type: string(errors.ErrorTypeSystem), Message: err.Error()}
}

// asDomainError는 이미 분류된 도메인 에러는 그대로 두고 나머지는 wrap으로 감쌉니다
func asDomainError(err error, wrap func(error) *errors.DomainError) error {
	var de *errors.DomainError
	if stderrors.As(err, &de) {
		return de
	}
	return wrap(err)
}
