package constants

import "time"

// 시스템 경로 상수들
const (
	// 엔진 상태 디렉토리 (저널, 스냅샷, 확인 마커)
	DefaultStateDir = "/var/lib/nmstate-agent"

	// Ubuntu/Netplan 관련 경로
	NetplanConfigDir  = "/etc/netplan"
	NetplanConfigFile = "90-nmstate-agent.yaml"

	// OS 감지 관련 경로
	OSReleaseFile = "/etc/os-release"

	// 원격 호스트의 에이전트 실행 파일
	DefaultAgentPath = "/usr/local/bin/nmstate-agent"

	// SSH 접속 정보
	DefaultKnownHostsFile = "/etc/nmstate-agent/known_hosts"
	DefaultInventoryFile  = "/etc/nmstate-agent/inventory.yaml"
)

// 파이프라인 기본값들
const (
	DefaultApplyTimeout    = 2 * time.Minute
	DefaultVerifyGrace     = 30 * time.Second
	DefaultRestoreMargin   = 30 * time.Second
	DefaultRestoreTimeout  = 2 * time.Minute
	DefaultCommandTimeout  = 30 * time.Second
	DefaultResultRetention = 24 * time.Hour
)

// 기본값 상수들
const (
	// 데이터베이스 기본값
	DefaultDBHost = "localhost"
	DefaultDBPort = "3306"
	DefaultDBName = "nmstate_agent"

	// 에이전트 기본값
	DefaultLogLevel   = "info"
	DefaultHealthPort = "8080"
	ServiceName       = "nmstate-agent"
)
