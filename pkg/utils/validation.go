package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// 리눅스 IFNAMSIZ(16)에서 NUL을 제외한 최대 길이
const maxInterfaceNameLength = 15

var (
	// 호스트네임 패턴
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]*[a-zA-Z0-9])?$`)

	// 요청 토큰 패턴: 원격 명령 인자와 파일 이름으로 쓰이므로 안전한 문자만 허용
	tokenPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)
)

// ValidateInterfaceName은 리눅스 커널이 허용하는 인터페이스 이름인지 검증
func ValidateInterfaceName(name string) error {
	if name == "" {
		return fmt.Errorf("인터페이스 이름이 비어있음")
	}

	if len(name) > maxInterfaceNameLength {
		return fmt.Errorf("인터페이스 이름이 너무 김: %s (최대 %d자)", name, maxInterfaceNameLength)
	}

	if name == "." || name == ".." || strings.ContainsAny(name, "/: \t\n") {
		return fmt.Errorf("잘못된 인터페이스 이름 형식: %q", name)
	}

	return nil
}

// ValidateHostname은 호스트네임이 유효한지 검증
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("호스트네임이 비어있음")
	}

	if len(hostname) > 253 {
		return fmt.Errorf("호스트네임이 너무 김: %d자 (최대 253자)", len(hostname))
	}

	if !hostnamePattern.MatchString(hostname) {
		return fmt.Errorf("잘못된 호스트네임 형식: %s", hostname)
	}

	return nil
}

// ValidateToken은 요청 토큰이 원격 명령과 파일 경로에 안전한지 검증
func ValidateToken(token string) error {
	if !tokenPattern.MatchString(token) {
		return fmt.Errorf("잘못된 토큰 형식: %q", token)
	}
	return nil
}
