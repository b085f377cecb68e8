package errors

import (
	"errors"
	"fmt"
)

// ErrorType은 에러의 종류를 나타냅니다
type ErrorType string

const (
	// ErrorTypeValidation은 desired state 또는 요청의 유효성 검증 실패를 나타냅니다
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeCheckpointConflict는 같은 호스트에 이미 열린 체크포인트가 있음을 나타냅니다
	ErrorTypeCheckpointConflict ErrorType = "CHECKPOINT_CONFLICT"

	// ErrorTypeApply는 백엔드가 변경을 거부했음을 나타냅니다
	ErrorTypeApply ErrorType = "APPLY"

	// ErrorTypeVerificationTimeout은 connectivity-risk 변경이 유예 시간 안에 확인되지 않았음을 나타냅니다
	ErrorTypeVerificationTimeout ErrorType = "VERIFICATION_TIMEOUT"

	// ErrorTypeRestore는 롤백 자체가 실패했음을 나타냅니다
	ErrorTypeRestore ErrorType = "RESTORE"

	// ErrorTypeNotFound는 리소스를 찾을 수 없음을 나타냅니다
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeSystem은 시스템 레벨 에러를 나타냅니다
	ErrorTypeSystem ErrorType = "SYSTEM"

	// ErrorTypeNetwork는 네트워크(원격 채널) 관련 에러를 나타냅니다
	ErrorTypeNetwork ErrorType = "NETWORK"

	// ErrorTypeTimeout은 타임아웃 에러를 나타냅니다
	ErrorTypeTimeout ErrorType = "TIMEOUT"
)

// DomainError는 도메인 레벨의 에러를 나타냅니다
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
}

// Error는 error 인터페이스를 구현합니다
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap은 내부 에러를 반환합니다
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is는 에러 비교를 위한 메서드입니다
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// 생성자 함수들

// NewValidationError는 유효성 검증 에러를 생성합니다
func NewValidationError(message string, cause error) *DomainError {
	return &DomainError{
		Type:    ErrorTypeValidation,
		Message: message,
		Cause:   cause,
	}
}

// NewCheckpointConflictError는 체크포인트 충돌 에러를 생성합니다
func NewCheckpointConflictError(message string) *DomainError {
	return &DomainError{
		Type:    ErrorTypeCheckpointConflict,
		Message: message,
	}
}

// NewApplyError는 백엔드 적용 실패 에러를 생성합니다
func NewApplyError(message string, cause error) *DomainError {
	return &DomainError{
		Type:    ErrorTypeApply,
		Message: message,
		Cause:   cause,
	}
}

// NewVerificationTimeoutError는 검증 타임아웃 에러를 생성합니다
func NewVerificationTimeoutError(message string, cause error) *DomainError {
	return &DomainError{
		Type:    ErrorTypeVerificationTimeout,
		Message: message,
		Cause:   cause,
	}
}

// NewRestoreError는 롤백 실패 에러를 생성합니다
func NewRestoreError(message string, cause error) *DomainError {
	return &DomainError{
		Type:    ErrorTypeRestore,
		Message: message,
		Cause:   cause,
	}
}

// NewNotFoundError는 리소스를 찾을 수 없는 에러를 생성합니다
func NewNotFoundError(message string) *DomainError {
	return &DomainError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewSystemError는 시스템 에러를 생성합니다
func NewSystemError(message string, cause error) *DomainError {
	return &DomainError{
		Type:    ErrorTypeSystem,
		Message: message,
		Cause:   cause,
	}
}

// NewNetworkError는 네트워크 관련 에러를 생성합니다
func NewNetworkError(message string, cause error) *DomainError {
	return &DomainError{
		Type:    ErrorTypeNetwork,
		Message: message,
		Cause:   cause,
	}
}

// NewTimeoutError는 타임아웃 에러를 생성합니다
func NewTimeoutError(message string) *DomainError {
	return &DomainError{
		Type:    ErrorTypeTimeout,
		Message: message,
	}
}

// 에러 타입 확인 헬퍼 함수들

// TypeOf는 에러 체인에서 DomainError의 타입을 찾아 반환합니다. 도메인 에러가 아니면 빈 문자열입니다.
func TypeOf(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// IsValidationError는 유효성 검증 에러인지 확인합니다
func IsValidationError(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}

// IsCheckpointConflictError는 체크포인트 충돌 에러인지 확인합니다
func IsCheckpointConflictError(err error) bool {
	return TypeOf(err) == ErrorTypeCheckpointConflict
}

// IsApplyError는 적용 실패 에러인지 확인합니다
func IsApplyError(err error) bool {
	return TypeOf(err) == ErrorTypeApply
}

// IsVerificationTimeoutError는 검증 타임아웃 에러인지 확인합니다
func IsVerificationTimeoutError(err error) bool {
	return TypeOf(err) == ErrorTypeVerificationTimeout
}

// IsRestoreError는 롤백 실패 에러인지 확인합니다
func IsRestoreError(err error) bool {
	return TypeOf(err) == ErrorTypeRestore
}

// IsNotFoundError는 리소스를 찾을 수 없는 에러인지 확인합니다
func IsNotFoundError(err error) bool {
	return TypeOf(err) == ErrorTypeNotFound
}

// IsSystemError는 시스템 에러인지 확인합니다
func IsSystemError(err error) bool {
	return TypeOf(err) == ErrorTypeSystem
}

// IsNetworkError는 네트워크 에러인지 확인합니다
func IsNetworkError(err error) bool {
	return TypeOf(err) == ErrorTypeNetwork
}

// IsTimeoutError는 타임아웃 에러인지 확인합니다
func IsTimeoutError(err error) bool {
	return TypeOf(err) == ErrorTypeTimeout
}
