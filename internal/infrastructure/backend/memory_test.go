package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/infrastructure/adapters"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedState() entities.NetworkState {
	return entities.NetworkState{
		Interfaces: []entities.Interface{
			{Name: "eth0", Type: entities.InterfaceTypeEthernet, State: entities.InterfaceStateUp, MTU: 1500},
			{Name: "eth1", Type: entities.InterfaceTypeEthernet, State: entities.InterfaceStateUp, MTU: 1500},
		},
		Routes: &entities.RouteSection{Config: []entities.Route{
			{Destination: "0.0.0.0/0", NextHopInterface: "eth0", NextHopAddress: "10.0.0.1"},
		}},
	}
}

func mtuChange(name string, mtu int) entities.StateChange {
	return entities.StateChange{Changes: []entities.Change{{
		Kind: entities.ChangeKindInterface, Op: entities.ChangeOpModify, Name: name,
		DesiredInterface: &entities.Interface{Name: name, Type: entities.InterfaceTypeEthernet, State: entities.InterfaceStateUp, MTU: mtu},
	}}}
}

func mtuOf(t *testing.T, b *MemoryBackend, name string) int {
	t.Helper()
	state, err := b.Query(context.Background())
	require.NoError(t, err)
	iface, ok := state.Interface(name)
	require.True(t, ok)
	return iface.MTU
}

func TestMemoryBackend_ApplyAndRestore(t *testing.T) {
	clock := adapters.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewMemoryBackend(seedState(), clock)
	ctx := context.Background()

	cp, err := b.CheckpointCreate(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "memory-1", cp.ID)
	assert.True(t, cp.SelfExpiring)

	require.NoError(t, b.Apply(ctx, mtuChange("eth1", 9000)))
	assert.Equal(t, 9000, mtuOf(t, b, "eth1"))
	assert.Equal(t, 1, b.Mutations())

	require.NoError(t, b.CheckpointRestore(ctx, cp))
	assert.Equal(t, 1500, mtuOf(t, b, "eth1"))
	assert.Equal(t, 0, b.OpenCheckpoints())

	assert.Error(t, b.CheckpointDestroy(ctx, cp), "복구된 체크포인트는 더 이상 없음")
}

func TestMemoryBackend_DestroyKeepsState(t *testing.T) {
	clock := adapters.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewMemoryBackend(seedState(), clock)
	ctx := context.Background()

	cp, err := b.CheckpointCreate(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Apply(ctx, mtuChange("eth1", 9000)))
	require.NoError(t, b.CheckpointDestroy(ctx, cp))

	clock.Advance(time.Hour)
	assert.Equal(t, 9000, mtuOf(t, b, "eth1"), "확정된 변경은 만료되지 않음")
}

func TestMemoryBackend_SelfExpiry(t *testing.T) {
	clock := adapters.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewMemoryBackend(seedState(), clock)
	ctx := context.Background()

	_, err := b.CheckpointCreate(ctx, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Apply(ctx, mtuChange("eth1", 9000)))

	clock.Advance(29 * time.Second)
	assert.Equal(t, 9000, mtuOf(t, b, "eth1"))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1500, mtuOf(t, b, "eth1"), "기한이 지나면 엔진 없이 복구")
	assert.Equal(t, 0, b.OpenCheckpoints())
}

func TestMemoryBackend_RestoreInvalidatesLaterCheckpoints(t *testing.T) {
	clock := adapters.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewMemoryBackend(seedState(), clock)
	ctx := context.Background()

	first, err := b.CheckpointCreate(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Apply(ctx, mtuChange("eth1", 9000)))
	clock.Advance(time.Second)
	_, err = b.CheckpointCreate(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Apply(ctx, mtuChange("eth0", 9000)))

	require.NoError(t, b.CheckpointRestore(ctx, first))
	assert.Equal(t, 1500, mtuOf(t, b, "eth0"))
	assert.Equal(t, 1500, mtuOf(t, b, "eth1"))
	assert.Equal(t, 0, b.OpenCheckpoints())
}

func TestMemoryBackend_FailureInjection(t *testing.T) {
	ctx := context.Background()
	change := entities.StateChange{Changes: []entities.Change{
		mtuChange("eth0", 9000).Changes[0],
		mtuChange("eth1", 9000).Changes[0],
	}}

	t.Run("부분 적용 후 실패", func(t *testing.T) {
		b := NewMemoryBackend(seedState(), adapters.NewRealClock())
		b.SetApplyError(errors.New("device busy"), true)

		err := b.Apply(ctx, change)
		require.Error(t, err)
		assert.Equal(t, 9000, mtuOf(t, b, "eth0"))
		assert.Equal(t, 1500, mtuOf(t, b, "eth1"))
	})

	t.Run("복구 실패", func(t *testing.T) {
		b := NewMemoryBackend(seedState(), adapters.NewRealClock())
		cp, err := b.CheckpointCreate(ctx, time.Minute)
		require.NoError(t, err)
		b.SetRestoreError(errors.New("rollback failed"))
		assert.Error(t, b.CheckpointRestore(ctx, cp))
	})

	t.Run("체크포인트 생성 실패", func(t *testing.T) {
		b := NewMemoryBackend(seedState(), adapters.NewRealClock())
		b.SetCreateError(errors.New("no space"))
		_, err := b.CheckpointCreate(ctx, time.Minute)
		assert.Error(t, err)
	})
}

func TestApplyChange_DeletesAndRoutes(t *testing.T) {
	state := applyChange(seedState(), entities.StateChange{Changes: []entities.Change{
		{Kind: entities.ChangeKindRoute, Op: entities.ChangeOpDelete, Route: &entities.Route{Destination: "0.0.0.0/0", NextHopInterface: "eth0", NextHopAddress: "10.0.0.1"}},
		{Kind: entities.ChangeKindInterface, Op: entities.ChangeOpDelete, Name: "eth1"},
		{Kind: entities.ChangeKindRoute, Op: entities.ChangeOpCreate, Route: &entities.Route{Destination: "10.9.0.0/16", NextHopInterface: "eth0"}},
		{Kind: entities.ChangeKindDNS, Op: entities.ChangeOpModify, DesiredDNS: &entities.DNSConfig{Servers: []string{"1.1.1.1"}}},
	}})

	_, ok := state.Interface("eth1")
	assert.False(t, ok)
	require.Len(t, state.RouteList(), 1)
	assert.Equal(t, "10.9.0.0/16", state.RouteList()[0].Destination)
	require.NotNil(t, state.DNS)
	assert.Equal(t, []string{"1.1.1.1"}, state.DNS.Config.Servers)
	assert.Len(t, seedState().Interfaces, 2, "입력 상태는 변경하지 않음")
}
