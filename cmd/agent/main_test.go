package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nmstate-agent/internal/application/usecases"
	"nmstate-agent/internal/domain/entities"
	domainErrors "nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"
	"nmstate-agent/internal/tools"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dummyStateYAML = `interfaces:
- name: dummy1
  type: dummy
  state: up
`

// setupEnv points the agent at an in-memory backend and a temporary state directory
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AGENT_HOSTNAME", "node-a")
	t.Setenv("AGENT_BACKEND", "memory")
	t.Setenv("STATE_DIR", dir)
	t.Setenv("JOURNAL_DRIVER", "file")
	t.Setenv("INVENTORY_FILE", "")
	t.Setenv("TRACING_EXPORTER", "none")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

// run executes one agent process worth of work and returns exit code and stdout
func run(t *testing.T, stdin string, args ...string) (int, []byte) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := newApp(strings.NewReader(stdin), &stdout, &stderr)
	code := a.execute(args)
	t.Logf("stderr: %s", stderr.String())
	return code, stdout.Bytes()
}

func deliveredRequest(t *testing.T, token string) string {
	t.Helper()
	req := entities.ApplyRequest{
		Host:  "node-a",
		Token: token,
		Desired: entities.NetworkState{Interfaces: []entities.Interface{
			{Name: "dummy1", Type: entities.InterfaceTypeDummy, State: entities.InterfaceStateUp},
		}},
		Policy:  entities.VerificationPolicy{Mode: entities.VerificationNever},
		Timeout: 30 * time.Second,
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return string(raw)
}

func TestApp_DeliveredApplyAndStatus(t *testing.T) {
	setupEnv(t)

	code, out := run(t, deliveredRequest(t, "tok-1"), "apply", "--local", "--json", "--request", "-")
	require.Equal(t, exitOK, code)

	var res entities.ApplyResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, entities.OutcomeCommitted, res.Outcome)
	assert.Equal(t, "tok-1", res.Token)
	require.Len(t, res.Change.Changes, 1)
	assert.Equal(t, entities.ChangeOpCreate, res.Change.Changes[0].Op)

	// 다른 프로세스에서 토큰으로 결과 조회
	code, out = run(t, "", "status", "--json", "--host", "node-a", "--token", "tok-1")
	require.Equal(t, exitOK, code)

	var status usecases.StatusOutput
	require.NoError(t, json.Unmarshal(out, &status))
	require.NotNil(t, status.Result)
	assert.Equal(t, entities.OutcomeCommitted, status.Result.Outcome)
}

func TestApp_StatusBeforeCheckpoint(t *testing.T) {
	dir := setupEnv(t)

	// 전달된 프로세스가 체크포인트를 열기 전의 상태
	marker := filepath.Join(dir, "requests", "node-a", "tok-2")
	require.NoError(t, os.MkdirAll(filepath.Dir(marker), 0700))
	require.NoError(t, os.WriteFile(marker, nil, 0600))

	code, out := run(t, "", "status", "--json", "--host", "node-a", "--token", "tok-2")
	require.Equal(t, exitOK, code)

	var status usecases.StatusOutput
	require.NoError(t, json.Unmarshal(out, &status))
	assert.Equal(t, interfaces.JournalStateReceived, status.State)
	assert.Nil(t, status.Result)

	// 적용이 끝나면 마커는 지워지고 저널 결과가 남습니다
	code, _ = run(t, deliveredRequest(t, "tok-2"), "apply", "--local", "--json", "--request", "-")
	require.Equal(t, exitOK, code)
	assert.NoFileExists(t, marker)

	code, out = run(t, "", "status", "--json", "--host", "node-a", "--token", "tok-2")
	require.Equal(t, exitOK, code)
	require.NoError(t, json.Unmarshal(out, &status))
	require.NotNil(t, status.Result)
	assert.Equal(t, entities.OutcomeCommitted, status.Result.Outcome)
}

func TestApp_ErrorReports(t *testing.T) {
	tests := []struct {
		name         string
		stdin        string
		args         []string
		expectedCode int
		expectedType domainErrors.ErrorType
	}{
		{
			name:         "알 수 없는 토큰",
			args:         []string{"status", "--json", "--host", "node-a", "--token", "missing"},
			expectedCode: exitFailure,
			expectedType: domainErrors.ErrorTypeNotFound,
		},
		{
			name:         "잘못된 토큰 형식",
			args:         []string{"status", "--json", "--token", "bad token;rm"},
			expectedCode: exitUsage,
			expectedType: domainErrors.ErrorTypeValidation,
		},
		{
			name:         "--local 없는 요청 전달",
			stdin:        "{}",
			args:         []string{"apply", "--json", "--request", "-"},
			expectedCode: exitUsage,
			expectedType: domainErrors.ErrorTypeValidation,
		},
		{
			name:         "잘못된 상태 문서",
			stdin:        "interfaces: [",
			args:         []string{"plan", "--local", "--json", "--state", "-"},
			expectedCode: exitUsage,
			expectedType: domainErrors.ErrorTypeValidation,
		},
		{
			name:         "인벤토리 없는 원격 호스트",
			args:         []string{"show", "--json", "--host", "node-b"},
			expectedCode: exitFailure,
			expectedType: domainErrors.ErrorTypeNotFound,
		},
		{
			name:         "메모리 백엔드는 조회 옵션 미지원",
			args:         []string{"show", "--local", "--json", "--kernel"},
			expectedCode: exitUsage,
			expectedType: domainErrors.ErrorTypeValidation,
		},
		{
			name:         "알 수 없는 검증 모드",
			stdin:        dummyStateYAML,
			args:         []string{"apply", "--json", "--state", "-", "--verify", "sometimes"},
			expectedCode: exitUsage,
			expectedType: domainErrors.ErrorTypeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupEnv(t)

			code, out := run(t, tt.stdin, tt.args...)

			assert.Equal(t, tt.expectedCode, code)
			var report entities.ErrorReport
			require.NoError(t, json.Unmarshal(out, &report), string(out))
			assert.Equal(t, string(tt.expectedType), report.Error.Type)
			assert.NotEmpty(t, report.Error.Message)
		})
	}
}

func TestApp_LocalQueries(t *testing.T) {
	setupEnv(t)

	code, out := run(t, "", "show", "--local", "--json")
	require.Equal(t, exitOK, code)
	var state entities.NetworkState
	require.NoError(t, json.Unmarshal(out, &state))
	assert.Empty(t, state.Interfaces)

	code, out = run(t, dummyStateYAML, "plan", "--local", "--json", "--state", "-")
	require.Equal(t, exitOK, code)
	var change entities.StateChange
	require.NoError(t, json.Unmarshal(out, &change))
	require.Len(t, change.Changes, 1)
	assert.Equal(t, "dummy1", change.Changes[0].Name)
	assert.Equal(t, entities.RiskSafe, change.Changes[0].Risk)

	code, out = run(t, dummyStateYAML, "plan", "--state", "-")
	require.Equal(t, exitOK, code)
	assert.Contains(t, string(out), "dummy1")
}

func TestApp_RollbackWithoutCheckpoint(t *testing.T) {
	setupEnv(t)

	code, out := run(t, "", "rollback", "--local", "--json", "--host", "node-a")

	assert.Equal(t, exitFailure, code)
	var res entities.ApplyResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, entities.OutcomeFailedNoCheckpoint, res.Outcome)
}

func TestApp_ApplyThroughOrchestrator(t *testing.T) {
	setupEnv(t)

	code, out := run(t, dummyStateYAML, "apply", "--json", "--state", "-", "--verify", "never", "--token", "tok-9")
	require.Equal(t, exitOK, code)

	var res entities.ApplyResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, entities.OutcomeCommitted, res.Outcome)
	assert.Equal(t, "node-a", res.Host)
	assert.Equal(t, "tok-9", res.Token)
}

func TestApp_Tools(t *testing.T) {
	setupEnv(t)

	code, out := run(t, "", "tool", "list", "--json")
	require.Equal(t, exitOK, code)
	var descriptors []tools.Descriptor
	require.NoError(t, json.Unmarshal(out, &descriptors))
	assert.Len(t, descriptors, 4)

	args := fmt.Sprintf(`{"host":"node-a","state_yaml":%q,"verification":{"mode":"never"}}`, dummyStateYAML)
	code, out = run(t, "", "tool", "call", tools.ToolApplyState, "--json", "--args", args)
	require.Equal(t, exitOK, code)
	var res entities.ApplyResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, entities.OutcomeCommitted, res.Outcome)

	code, out = run(t, "", "tool", "call", tools.ToolRollback, "--json", "--args", `{}`)
	assert.Equal(t, exitUsage, code)
	var report entities.ErrorReport
	require.NoError(t, json.Unmarshal(out, &report))
	assert.Equal(t, string(domainErrors.ErrorTypeValidation), report.Error.Type)
}

func TestApp_OutputFormats(t *testing.T) {
	tests := []struct {
		name         string
		args         []string
		expectedCode int
		contains     string
	}{
		{name: "버전은 설정 없이 출력", args: []string{"version"}, expectedCode: exitOK, contains: version},
		{name: "yaml 출력", args: []string{"watchdog", "-o", "yaml"}, expectedCode: exitOK, contains: "recovered: 0"},
		{name: "알 수 없는 출력 형식", args: []string{"show", "-o", "xml"}, expectedCode: exitUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupEnv(t)

			code, out := run(t, "", tt.args...)

			assert.Equal(t, tt.expectedCode, code)
			assert.Contains(t, string(out), tt.contains)
		})
	}
}

func TestErrorReport(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected entities.ResultError
	}{
		{
			name:     "도메인 에러",
			err:      domainErrors.NewNotFoundError("no pipeline recorded"),
			expected: entities.ResultError{Type: "NOT_FOUND", Message: "no pipeline recorded"},
		},
		{
			name:     "원인 포함",
			err:      domainErrors.NewSystemError("journal lookup failed", fmt.Errorf("disk full")),
			expected: entities.ResultError{Type: "SYSTEM", Message: "journal lookup failed: disk full"},
		},
		{
			name:     "일반 에러는 SYSTEM",
			err:      fmt.Errorf("unknown flag: --foo"),
			expected: entities.ResultError{Type: "SYSTEM", Message: "unknown flag: --foo"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, errorReport(tt.err).Error)
		})
	}
}
