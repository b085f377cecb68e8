package entities

import (
	"time"
)

// Outcome은 ApplyResult의 최종 결과 태그입니다
type Outcome string

const (
	OutcomeCommitted          Outcome = "committed"
	OutcomeRolledBack         Outcome = "rolled-back"
	OutcomeFailedNoCheckpoint Outcome = "failed-no-checkpoint"
	OutcomeRestoreFailed      Outcome = "restore-failed"
	OutcomeTimedOut           Outcome = "timed-out"
)

// VerificationMode는 검증 수행 여부를 결정합니다
type VerificationMode string

const (
	VerificationAuto   VerificationMode = "auto"
	VerificationAlways VerificationMode = "always"
	VerificationNever  VerificationMode = "never"
)

// VerificationPolicy는 적용 후 도달성 검증 정책입니다
type VerificationPolicy struct {
	Mode                VerificationMode `json:"mode" yaml:"mode" validate:"omitempty,oneof=auto always never"`
	GracePeriod         time.Duration    `json:"grace_period" yaml:"grace_period" validate:"gte=0"`
	ProbeTargets        []string         `json:"probe_targets,omitempty" yaml:"probe_targets,omitempty" validate:"dive,hostname_port"`
	RequireConfirmation bool             `json:"require_confirmation,omitempty" yaml:"require_confirmation,omitempty"`
}

// Requires는 주어진 변경에 대해 검증이 필요한지 판단합니다
func (p VerificationPolicy) Requires(change StateChange) bool {
	switch p.Mode {
	case VerificationAlways:
		return !change.IsEmpty()
	case VerificationNever:
		return false
	default:
		return change.HasConnectivityRisk()
	}
}

// Checkpoint는 백엔드가 보유한 적용 직전 상태 스냅샷 핸들입니다
type Checkpoint struct {
	ID           string    `json:"id"`
	Host         string    `json:"host"`
	Backend      string    `json:"backend"`
	CreatedAt    time.Time `json:"created_at"`
	Deadline     time.Time `json:"deadline"`
	SelfExpiring bool      `json:"self_expiring"`
}

// Expired는 주어진 시각에 체크포인트 기한이 지났는지 확인합니다
func (c Checkpoint) Expired(now time.Time) bool {
	return !c.Deadline.IsZero() && !now.Before(c.Deadline)
}

// ApplyRequest는 단일 호스트 적용 요청입니다
type ApplyRequest struct {
	Host    string             `json:"host" validate:"required,hostname_rfc1123"`
	Token   string             `json:"token" validate:"required,max=64"`
	Desired NetworkState       `json:"desired"`
	Policy  VerificationPolicy `json:"policy"`
	Timeout time.Duration      `json:"timeout" validate:"gt=0"`
}

// ResultError는 결과에 포함되는 에러 정보입니다
type ResultError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ApplyResult는 단일 호스트 적용의 최종 결과입니다. 생성 후 변경되지 않습니다.
type ApplyResult struct {
	Host       string       `json:"host"`
	Token      string       `json:"token,omitempty"`
	Outcome    Outcome      `json:"outcome"`
	Change     StateChange  `json:"change"`
	Error      *ResultError `json:"error,omitempty"`
	Detail     string       `json:"detail"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Succeeded는 committed 결과인지 확인합니다
func (r ApplyResult) Succeeded() bool {
	return r.Outcome == OutcomeCommitted
}

// BatchRequest는 여러 호스트에 대한 동일 desired state 적용 요청입니다
type BatchRequest struct {
	Hosts       []string           `json:"hosts" validate:"required,min=1,dive,required,hostname_rfc1123"`
	Desired     NetworkState       `json:"desired"`
	Policy      VerificationPolicy `json:"policy"`
	Timeout     time.Duration      `json:"timeout" validate:"gt=0"`
	Concurrency int                `json:"concurrency" validate:"gte=0"`
}

// BatchStatus는 배치 전체 상태입니다
type BatchStatus string

const (
	BatchStatusSuccess BatchStatus = "success"
	BatchStatusFailure BatchStatus = "failure"
)

// HostResult는 BatchResult의 한 항목입니다
type HostResult struct {
	Host   string      `json:"host"`
	Result ApplyResult `json:"result"`
}

// BatchResult는 호스트 순서가 보존된 결과 집계입니다
type BatchResult struct {
	Status  BatchStatus  `json:"status"`
	Results []HostResult `json:"results"`
}

// Result는 호스트의 결과를 찾습니다
func (b BatchResult) Result(host string) (ApplyResult, bool) {
	for _, r := range b.Results {
		if r.Host == host {
			return r.Result, true
		}
	}
	return ApplyResult{}, false
}

// ErrorReport는 결과 문서를 만들지 못한 명령이 stdout에 출력하는 에러 문서입니다
type ErrorReport struct {
	Error ResultError `json:"error"`
}
