package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"
	"nmstate-agent/internal/domain/services"
	"nmstate-agent/internal/infrastructure/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const tracerName = "nmstate-agent/orchestrator"

// Config는 Orchestrator 설정입니다
type Config struct {
	// LocalHost는 원격 채널 대신 로컬 채널로 처리할 호스트 이름입니다
	LocalHost string
	// Concurrency는 요청에 동시성이 없을 때 쓰는 기본 워커 수입니다 (0이면 호스트 수)
	Concurrency int
	// HostTimeoutMargin은 파이프라인 타임아웃에 더하는 채널 지연 여유입니다
	HostTimeoutMargin time.Duration
}

// Orchestrator는 같은 요청을 여러 호스트에 병렬로 분배하고 결과를 모읍니다.
// 호스트는 서로 독립적이며 한 호스트의 실패나 지연이 다른 호스트를 막지 않습니다.
type Orchestrator struct {
	local     interfaces.HostChannel
	remote    interfaces.HostChannel
	config    Config
	clock     interfaces.Clock
	validator *validator.Validate
	logger    *logrus.Logger

	mu       sync.Mutex
	inFlight map[string]string
}

// NewOrchestrator는 새로운 Orchestrator를 생성합니다. remote가 nil이면 로컬 호스트만 처리합니다.
func NewOrchestrator(
	local interfaces.HostChannel,
	remote interfaces.HostChannel,
	clock interfaces.Clock,
	config Config,
	logger *logrus.Logger,
) *Orchestrator {
	return &Orchestrator{
		local:     local,
		remote:    remote,
		config:    config,
		clock:     clock,
		validator: validator.New(),
		logger:    logger,
		inFlight:  make(map[string]string),
	}
}

// Apply는 배치 요청을 실행합니다. 결과는 중복을 제거한 요청 호스트 순서를 따릅니다.
func (o *Orchestrator) Apply(ctx context.Context, req entities.BatchRequest) entities.BatchResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "batch_apply")
	defer span.End()

	hosts := o.dedupe(req.Hosts)
	results := make(map[string]entities.ApplyResult, len(hosts))
	var mu sync.Mutex
	record := func(res entities.ApplyResult) {
		metrics.RecordBatchHost(string(res.Outcome))
		mu.Lock()
		results[res.Host] = res
		mu.Unlock()
	}

	if err := o.validator.Struct(req); err != nil {
		verr := errors.NewValidationError("invalid batch request", err)
		for _, host := range hosts {
			record(o.failure(host, "", o.clock.Now(), verr))
		}
		batch := services.Aggregate(hosts, results)
		batch.Status = entities.BatchStatusFailure
		return batch
	}

	limit := req.Concurrency
	if limit <= 0 {
		limit = o.config.Concurrency
	}
	if limit <= 0 {
		limit = len(hosts)
	}
	span.SetAttributes(
		attribute.Int("hosts", len(hosts)),
		attribute.Int("concurrency", limit),
	)
	o.logger.WithFields(logrus.Fields{
		"hosts":       len(hosts),
		"concurrency": limit,
	}).Info("배치 적용 시작")

	var g errgroup.Group
	g.SetLimit(limit)
	for _, host := range hosts {
		host := host
		if ctx.Err() != nil {
			record(o.notDispatched(host))
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				record(o.notDispatched(host))
				return nil
			}
			record(o.dispatch(ctx, entities.ApplyRequest{
				Host:    host,
				Token:   uuid.NewString(),
				Desired: req.Desired,
				Policy:  req.Policy,
				Timeout: req.Timeout,
			}))
			return nil
		})
	}
	_ = g.Wait()

	batch := services.Aggregate(hosts, results)
	span.SetAttributes(attribute.String("status", string(batch.Status)))
	o.logger.WithField("status", batch.Status).Info("배치 적용 완료")
	return batch
}

// ApplyHost는 단일 호스트 요청을 배치와 같은 경로(채널 선택, 진행 중 검사, 호스트 타임아웃)로 실행합니다
func (o *Orchestrator) ApplyHost(ctx context.Context, req entities.ApplyRequest) entities.ApplyResult {
	if req.Token == "" {
		req.Token = uuid.NewString()
	}
	if req.Timeout <= 0 {
		return o.failure(req.Host, req.Token, o.clock.Now(), errors.NewValidationError("timeout must be positive", nil))
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "host_apply")
	defer span.End()
	res := o.dispatch(ctx, req)
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	return res
}

// dispatch는 호스트 하나의 파이프라인을 실행하고 호스트 타임아웃까지 결과를 기다립니다.
// 파이프라인은 호출자 취소와 분리된 context에서 스스로 결론을 낼 때까지 계속됩니다.
func (o *Orchestrator) dispatch(ctx context.Context, req entities.ApplyRequest) entities.ApplyResult {
	started := o.clock.Now()
	logger := o.logger.WithFields(logrus.Fields{
		"host":  req.Host,
		"token": req.Token,
	})

	channel, err := o.channelFor(req.Host)
	if err != nil {
		return o.failure(req.Host, req.Token, started, err)
	}
	machine := o.canonical(req.Host)
	if err := o.claim(machine, req.Token); err != nil {
		logger.WithError(err).Warn("호스트가 다른 배치에서 진행 중")
		return o.failure(req.Host, req.Token, started, err)
	}

	metrics.HostsInFlight.Inc()
	done := make(chan entities.ApplyResult, 1)
	go func() {
		defer metrics.HostsInFlight.Dec()
		defer o.release(machine, req.Token)
		done <- channel.Apply(context.WithoutCancel(ctx), req)
	}()

	hostTimeout := req.Timeout + o.config.HostTimeoutMargin
	timer := time.NewTimer(hostTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		logger.WithField("outcome", res.Outcome).Info("호스트 결과 수신")
		return res
	case <-timer.C:
		logger.WithField("host_timeout", hostTimeout).Warn("호스트 응답 없음, timed-out으로 기록합니다")
		res := o.failure(req.Host, req.Token, started,
			errors.NewTimeoutError(fmt.Sprintf("host %s did not report a result within %v", req.Host, hostTimeout)))
		res.Outcome = entities.OutcomeTimedOut
		res.Detail = "no result within the host timeout; the host pipeline restores on its own deadline"
		return res
	}
}

// GetState는 호스트의 현재 상태를 조회합니다. iface가 있으면 해당 인터페이스만 반환합니다.
func (o *Orchestrator) GetState(ctx context.Context, host, iface string, opts entities.ShowOptions) (entities.NetworkState, error) {
	channel, cerr := o.channelFor(host)
	if cerr != nil {
		return entities.NetworkState{}, cerr
	}
	state, err := channel.GetState(ctx, host, opts)
	if err != nil || iface == "" {
		return state, err
	}
	filtered, ok := state.FilterInterface(iface)
	if !ok {
		return entities.NetworkState{}, errors.NewNotFoundError(fmt.Sprintf("Interface '%s' not found", iface))
	}
	return filtered, nil
}

// Plan은 호스트에 대한 변경 계획을 계산합니다
func (o *Orchestrator) Plan(ctx context.Context, host string, desired entities.NetworkState) (entities.StateChange, error) {
	channel, cerr := o.channelFor(host)
	if cerr != nil {
		return entities.StateChange{}, cerr
	}
	return channel.Plan(ctx, host, desired)
}

// Rollback은 호스트의 열린 체크포인트를 복구합니다
func (o *Orchestrator) Rollback(ctx context.Context, host string) entities.ApplyResult {
	channel, err := o.channelFor(host)
	if err != nil {
		return o.failure(host, "", o.clock.Now(), err)
	}
	return channel.Rollback(ctx, host)
}

func (o *Orchestrator) isLocal(host string) bool {
	return host == "" || host == o.config.LocalHost || host == "localhost"
}

// canonical은 로컬 호스트의 별칭을 하나의 이름으로 모읍니다
func (o *Orchestrator) canonical(host string) string {
	if o.isLocal(host) && o.config.LocalHost != "" {
		return o.config.LocalHost
	}
	return host
}

func (o *Orchestrator) channelFor(host string) (interfaces.HostChannel, *errors.DomainError) {
	if o.isLocal(host) {
		return o.local, nil
	}
	if o.remote == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("host %s is not local and no remote channel is configured", host))
	}
	return o.remote, nil
}

func (o *Orchestrator) claim(host, token string) *errors.DomainError {
	o.mu.Lock()
	defer o.mu.Unlock()
	if owner, busy := o.inFlight[host]; busy {
		return errors.NewCheckpointConflictError(fmt.Sprintf("host %s is already being applied (token %s)", host, owner))
	}
	o.inFlight[host] = token
	return nil
}

func (o *Orchestrator) release(host, token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[host] == token {
		delete(o.inFlight, host)
	}
}

func (o *Orchestrator) notDispatched(host string) entities.ApplyResult {
	res := o.failure(host, "", o.clock.Now(), errors.NewTimeoutError("batch cancelled before the host was dispatched"))
	res.Detail = "batch cancelled; host was not touched"
	return res
}

func (o *Orchestrator) failure(host, token string, started time.Time, err *errors.DomainError) entities.ApplyResult {
	return entities.ApplyResult{
		Host:       host,
		Token:      token,
		Outcome:    entities.OutcomeFailedNoCheckpoint,
		Error:      &entities.ResultError{Type: string(err.Type), Message: err.Message},
		Detail:     err.Error(),
		StartedAt:  started,
		FinishedAt: o.clock.Now(),
	}
}

// dedupe는 별칭을 정규화한 뒤 중복 호스트를 제거합니다
func (o *Orchestrator) dedupe(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = o.canonical(h)
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}
