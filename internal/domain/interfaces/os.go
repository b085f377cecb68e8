package interfaces

import (
	"context"
	"io"
	"os"
	"time"
)

// CommandExecutor는 시스템 명령을 실행하는 인터페이스입니다
type CommandExecutor interface {
	// Execute는 명령을 실행하고 표준 출력을 반환합니다
	Execute(ctx context.Context, command string, args ...string) ([]byte, error)

	// ExecuteWithTimeout은 타임아웃을 적용하여 명령을 실행합니다
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, command string, args ...string) ([]byte, error)

	// ExecuteWithInput은 stdin으로 데이터를 전달하며 명령을 실행합니다
	ExecuteWithInput(ctx context.Context, input io.Reader, command string, args ...string) ([]byte, error)
}

// FileSystem은 파일 시스템 작업을 추상화하는 인터페이스입니다
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	Exists(path string) bool
	MkdirAll(path string, perm os.FileMode) error
	Remove(path string) error

	// RemoveAll은 디렉토리를 하위 항목과 함께 삭제합니다
	RemoveAll(path string) error

	// ListFiles는 디렉토리의 파일 목록을 반환합니다 (하위 디렉토리 제외)
	ListFiles(path string) ([]string, error)
}

// Clock은 시간 관련 작업을 추상화하는 인터페이스입니다
type Clock interface {
	Now() time.Time
}

// OSDetector는 운영체제를 감지하는 인터페이스입니다
type OSDetector interface {
	DetectOS() (OSType, error)
}

// OSType은 운영체제 계열을 나타냅니다
type OSType string

const (
	OSTypeUbuntu OSType = "ubuntu"
	OSTypeRHEL   OSType = "rhel"
)
