package tools

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"nmstate-agent/internal/domain/entities"
	domainErrors "nmstate-agent/internal/domain/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockEngine은 테스트용 Mock Engine입니다
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Apply(ctx context.Context, req entities.BatchRequest) entities.BatchResult {
	return m.Called(ctx, req).Get(0).(entities.BatchResult)
}

func (m *MockEngine) ApplyHost(ctx context.Context, req entities.ApplyRequest) entities.ApplyResult {
	return m.Called(ctx, req).Get(0).(entities.ApplyResult)
}

func (m *MockEngine) GetState(ctx context.Context, host, iface string, opts entities.ShowOptions) (entities.NetworkState, error) {
	args := m.Called(ctx, host, iface, opts)
	return args.Get(0).(entities.NetworkState), args.Error(1)
}

func (m *MockEngine) Plan(ctx context.Context, host string, desired entities.NetworkState) (entities.StateChange, error) {
	args := m.Called(ctx, host, desired)
	return args.Get(0).(entities.StateChange), args.Error(1)
}

func (m *MockEngine) Rollback(ctx context.Context, host string) entities.ApplyResult {
	return m.Called(ctx, host).Get(0).(entities.ApplyResult)
}

func newRegistry(t *testing.T, engine Engine) *Registry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r, err := NewRegistry(engine, Defaults{
		Timeout:      2 * time.Minute,
		GracePeriod:  30 * time.Second,
		ProbeTargets: []string{"10.0.0.1:22"},
	}, logger)
	require.NoError(t, err)
	return r
}

func decoded(t *testing.T, raw string) any {
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func dummyState() entities.NetworkState {
	return entities.NetworkState{Interfaces: []entities.Interface{
		{Name: "dummy1", Type: entities.InterfaceTypeDummy, State: entities.InterfaceStateUp},
	}}
}

func TestRegistry_List(t *testing.T) {
	r := newRegistry(t, &MockEngine{})
	descriptors := r.List()

	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.Name)
		var schema map[string]any
		require.NoError(t, json.Unmarshal(d.InputSchema, &schema), d.Name)
		assert.Equal(t, "object", schema["type"], d.Name)
		assert.NotEmpty(t, d.Description)
	}
	assert.Equal(t, []string{ToolGetState, ToolPlanState, ToolApplyState, ToolRollback}, names)
}

func TestRegistry_ApplyState(t *testing.T) {
	committed := entities.ApplyResult{Host: "node-a", Outcome: entities.OutcomeCommitted}
	batch := entities.BatchResult{Status: entities.BatchStatusSuccess}

	tests := []struct {
		name       string
		args       string
		setupMocks func(*MockEngine)
		expected   any
	}{
		{
			name: "단일 호스트는 기본 정책과 타임아웃 사용",
			args: `{"host":"node-a","state":{"interfaces":[{"name":"dummy1","type":"dummy","state":"up"}]}}`,
			setupMocks: func(m *MockEngine) {
				m.On("ApplyHost", mock.Anything, entities.ApplyRequest{
					Host:    "node-a",
					Desired: dummyState(),
					Policy: entities.VerificationPolicy{
						Mode:         entities.VerificationAuto,
						GracePeriod:  30 * time.Second,
						ProbeTargets: []string{"10.0.0.1:22"},
					},
					Timeout: 2 * time.Minute,
				}).Return(committed)
			},
			expected: committed,
		},
		{
			name: "배치는 YAML 상태와 검증 옵션 사용",
			args: `{"hosts":["node-a","node-b"],"state_yaml":"interfaces:\n- name: dummy1\n  type: dummy\n  state: up\n",
				"verification":{"mode":"always","grace_seconds":5,"require_confirmation":true},
				"timeout_seconds":60,"concurrency":2}`,
			setupMocks: func(m *MockEngine) {
				m.On("Apply", mock.Anything, entities.BatchRequest{
					Hosts:   []string{"node-a", "node-b"},
					Desired: dummyState(),
					Policy: entities.VerificationPolicy{
						Mode:                entities.VerificationAlways,
						GracePeriod:         5 * time.Second,
						ProbeTargets:        []string{"10.0.0.1:22"},
						RequireConfirmation: true,
					},
					Timeout:     time.Minute,
					Concurrency: 2,
				}).Return(batch)
			},
			expected: batch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &MockEngine{}
			tt.setupMocks(engine)
			r := newRegistry(t, engine)

			result, err := r.Call(context.Background(), ToolApplyState, decoded(t, tt.args))

			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
			engine.AssertExpectations(t)
		})
	}
}

func TestRegistry_RejectsInvalidArguments(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args string
	}{
		{name: "host와 hosts 동시 지정", tool: ToolApplyState, args: `{"host":"a","hosts":["b"],"state_yaml":"{}"}`},
		{name: "대상 없음", tool: ToolApplyState, args: `{"state_yaml":"{}"}`},
		{name: "상태 없음", tool: ToolApplyState, args: `{"host":"a"}`},
		{name: "알 수 없는 검증 모드", tool: ToolApplyState, args: `{"host":"a","state_yaml":"{}","verification":{"mode":"sometimes"}}`},
		{name: "0초 타임아웃", tool: ToolApplyState, args: `{"host":"a","state_yaml":"{}","timeout_seconds":0}`},
		{name: "알 수 없는 인자", tool: ToolGetState, args: `{"host":"a","verbose":true}`},
		{name: "host 누락", tool: ToolRollback, args: `{}`},
		{name: "잘못된 인터페이스 필드", tool: ToolPlanState, args: `{"host":"a","state":{"interfaces":[{"name":"eth0","mtu":"big"}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &MockEngine{}
			r := newRegistry(t, engine)

			_, err := r.Call(context.Background(), tt.tool, decoded(t, tt.args))

			require.Error(t, err)
			assert.True(t, domainErrors.IsValidationError(err))
			engine.AssertNotCalled(t, "ApplyHost", mock.Anything, mock.Anything)
			engine.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
		})
	}
}

func TestRegistry_Queries(t *testing.T) {
	ctx := context.Background()
	engine := &MockEngine{}
	engine.On("GetState", mock.Anything, "node-a", "eth0", entities.ShowOptions{}).Return(entities.NetworkState{}, domainErrors.NewNotFoundError("Interface 'eth0' not found"))
	engine.On("GetState", mock.Anything, "node-b", "", entities.ShowOptions{KernelOnly: true, ShowSecrets: true}).Return(entities.NetworkState{}, nil)
	engine.On("Plan", mock.Anything, "node-a", dummyState()).Return(entities.StateChange{}, nil)
	engine.On("Rollback", mock.Anything, "node-a").Return(entities.ApplyResult{Host: "node-a", Outcome: entities.OutcomeRolledBack})
	r := newRegistry(t, engine)

	_, err := r.CallJSON(ctx, ToolGetState, []byte(`{"host":"node-a","interface":"eth0"}`))
	assert.True(t, domainErrors.IsNotFoundError(err))

	_, err = r.CallJSON(ctx, ToolGetState, []byte(`{"host":"node-b","kernel_only":true,"show_secrets":true}`))
	require.NoError(t, err)

	plan, err := r.CallJSON(ctx, ToolPlanState, []byte(`{"host":"node-a","state_yaml":"interfaces:\n- name: dummy1\n  type: dummy\n  state: up\n"}`))
	require.NoError(t, err)
	assert.Equal(t, entities.StateChange{}, plan)

	res, err := r.CallJSON(ctx, ToolRollback, []byte(`{"host":"node-a"}`))
	require.NoError(t, err)
	assert.Equal(t, entities.OutcomeRolledBack, res.(entities.ApplyResult).Outcome)

	_, err = r.CallJSON(ctx, "reboot", nil)
	assert.True(t, domainErrors.IsNotFoundError(err))

	_, err = r.CallJSON(ctx, ToolRollback, []byte(`{"host":`))
	assert.True(t, domainErrors.IsValidationError(err))
	engine.AssertExpectations(t)
}
